// internal/decision/vision.go
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/config"
)

// VisionStrategy is the single-shot fallback: a JSON-mode chat completion
// against a general vision model. Every call is independent; it never sets
// a continuation token.
type VisionStrategy struct {
	apiKey     string
	endpoint   string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Strategy = (*VisionStrategy)(nil)

// NewVisionStrategy initializes the client.
func NewVisionStrategy(cfg config.DecisionConfig, logger *zap.Logger) (*VisionStrategy, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("decision API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &VisionStrategy{
		apiKey:    cfg.APIKey,
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/") + "/v1/chat/completions",
		model:     model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("decision.vision"),
	}, nil
}

func (s *VisionStrategy) Name() string { return "vision" }

// -- Wire structures (internal to this file) --

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequestPayload struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
	MaxTokens      int            `json:"max_tokens"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponsePayload struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// visionAction is the model-facing action shape. It differs from the wire
// contract in its snake_case scroll and duration fields.
type visionAction struct {
	Type    string   `json:"type"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	Button  string   `json:"button,omitempty"`
	Text    string   `json:"text,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	ScrollX *float64 `json:"scroll_x,omitempty"`
	ScrollY *float64 `json:"scroll_y,omitempty"`
	Wait    *int     `json:"duration,omitempty"`
}

type visionResult struct {
	Action    *visionAction `json:"action,omitempty"`
	Complete  bool          `json:"complete,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
}

// Next asks the vision model for the next step based on the screenshot
// alone.
func (s *VisionStrategy) Next(ctx context.Context, req Request) (*schemas.Decision, error) {
	payload := s.buildRequestPayload(req)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var content string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

		startTime := time.Now()
		resp, err := s.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			s.logger.Warn("Network error during decision request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return classifyAPIError(s.logger, resp.StatusCode, respBody)
		}

		var responsePayload chatResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(responsePayload.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("vision API returned no choices"))
		}

		s.logger.Debug("Decision call complete (vision)",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", responsePayload.Usage.PromptTokens),
			zap.Int("completion_tokens", responsePayload.Usage.CompletionTokens),
			zap.Int("total_tokens", responsePayload.Usage.TotalTokens))

		content = responsePayload.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	var result visionResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("vision model returned malformed JSON: %w", err)
	}
	return result.toDecision(), nil
}

func (r visionResult) toDecision() *schemas.Decision {
	d := &schemas.Decision{
		Complete:  r.Complete,
		Summary:   r.Summary,
		Reasoning: r.Reasoning,
	}
	if r.Action != nil {
		d.Action = &schemas.Action{
			Type:       schemas.ActionType(r.Action.Type),
			X:          r.Action.X,
			Y:          r.Action.Y,
			Button:     r.Action.Button,
			Text:       r.Action.Text,
			Keys:       r.Action.Keys,
			ScrollX:    r.Action.ScrollX,
			ScrollY:    r.Action.ScrollY,
			DurationMs: r.Action.Wait,
		}
	}
	return d
}

func (s *VisionStrategy) buildRequestPayload(req Request) chatRequestPayload {
	return chatRequestPayload{
		Model: s.model,
		Messages: []chatMessage{
			{
				Role:    "system",
				Content: systemPrompt(req.Instructions, req.ViewportWidth, req.ViewportHeight),
			},
			{
				Role: "user",
				Content: []chatContentPart{
					{Type: "text", Text: userPrompt(req.Instructions)},
					{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL(req.Observation)}},
				},
			},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
		MaxTokens:      s.maxTokens,
	}
}

func systemPrompt(instructions string, width, height int) string {
	return fmt.Sprintf(`You are an expert browser automation agent with precise computer vision. Your task: %s

CRITICAL VIEWPORT INFO:
- Screenshot dimensions: EXACTLY %dx%d pixels
- Coordinate system: (0,0) at top-left, (%d,%d) at bottom-right
- You MUST provide coordinates within this exact range
- Click coordinates must be precise pixel locations within the screenshot

COORDINATE PRECISION RULES:
- Study the screenshot pixel-by-pixel to identify exact element locations
- Click in the CENTER of buttons, links, and form fields
- Account for visual padding, borders, and element spacing
- For text fields: click in the middle of the input area
- Never use coordinates outside 0-%d (width) or 0-%d (height)

ACTION TYPES:
- click - Click exact pixel coordinates (x, y)
- type - Type text in currently focused field
- scroll - Scroll page (scroll_x, scroll_y values)
- keypress - Press keyboard keys (Enter, Tab, Space, etc.)
- wait - Pause for page loading (duration in ms)

RESPOND WITH VALID JSON ONLY:
{
  "action": {
    "type": "click|type|scroll|keypress|wait",
    "x": exact_pixel_number,
    "y": exact_pixel_number,
    "text": "exact text to type",
    "keys": ["Enter", "Tab", "Space"],
    "scroll_x": horizontal_scroll_pixels,
    "scroll_y": vertical_scroll_pixels,
    "duration": milliseconds_to_wait
  },
  "reasoning": "Specific explanation of why these exact coordinates and action will advance the task"
}

COMPLETION FORMAT:
{
  "complete": true,
  "summary": "Task completed successfully with specific outcome details"
}`, instructions, width, height, width-1, height-1, width-1, height-1)
}

func userPrompt(instructions string) string {
	return fmt.Sprintf(`CURRENT TASK: %s

Analyze this browser screenshot and determine the most logical next action to complete the task.

Look for:
- Forms that need data entry
- Buttons to submit or navigate
- Links to click
- Fields that require input
- Error messages or validation issues
- Success confirmations

Choose the single most important action that progresses toward task completion.`, instructions)
}
