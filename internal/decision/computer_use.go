// internal/decision/computer_use.go
package decision

import (
	"bytes"
	"context"
	"encoding/base64"
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

const computerUseModel = "computer-use-preview"

// ComputerUseStrategy drives the native computer-use endpoint. Each call
// returns at most one action; the response id and call id are threaded
// through the Continuation token so the follow-up call can send back only
// the fresh screenshot.
type ComputerUseStrategy struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Strategy = (*ComputerUseStrategy)(nil)

// NewComputerUseStrategy initializes the client.
func NewComputerUseStrategy(cfg config.DecisionConfig, logger *zap.Logger) (*ComputerUseStrategy, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("decision API key is required")
	}
	return &ComputerUseStrategy{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/") + "/v1/responses",
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("decision.computer_use"),
	}, nil
}

func (s *ComputerUseStrategy) Name() string { return "computer-use" }

// -- Wire structures (internal to this file) --

type cuTool struct {
	Type          string `json:"type"`
	DisplayWidth  int    `json:"display_width"`
	DisplayHeight int    `json:"display_height"`
	Environment   string `json:"environment"`
}

type cuContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type cuInputItem struct {
	// First turn: a user message.
	Role    string          `json:"role,omitempty"`
	Content []cuContentPart `json:"content,omitempty"`

	// Continuation turns: the screenshot produced by the previous call.
	Type   string        `json:"type,omitempty"`
	CallID string        `json:"call_id,omitempty"`
	Output *cuCallOutput `json:"output,omitempty"`
}

type cuCallOutput struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type cuRequestPayload struct {
	Model              string        `json:"model"`
	PreviousResponseID string        `json:"previous_response_id,omitempty"`
	Tools              []cuTool      `json:"tools"`
	Input              []cuInputItem `json:"input"`
	Reasoning          *cuReasoning  `json:"reasoning,omitempty"`
	Truncation         string        `json:"truncation"`
}

type cuReasoning struct {
	Summary string `json:"summary"`
}

type cuAction struct {
	Type    string   `json:"type"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	Button  string   `json:"button,omitempty"`
	Text    string   `json:"text,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	ScrollX *float64 `json:"scroll_x,omitempty"`
	ScrollY *float64 `json:"scroll_y,omitempty"`
}

type cuOutputItem struct {
	Type    string    `json:"type"`
	CallID  string    `json:"call_id,omitempty"`
	Action  *cuAction `json:"action,omitempty"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
	Summary []struct {
		Text string `json:"text"`
	} `json:"summary,omitempty"`
}

type cuResponsePayload struct {
	ID     string         `json:"id"`
	Model  string         `json:"model"`
	Output []cuOutputItem `json:"output"`
}

// Next asks the computer-use endpoint for the next step.
func (s *ComputerUseStrategy) Next(ctx context.Context, req Request) (*schemas.Decision, error) {
	payload := s.buildRequestPayload(req)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	resp, err := s.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return s.toDecision(resp), nil
}

func (s *ComputerUseStrategy) buildRequestPayload(req Request) cuRequestPayload {
	tool := cuTool{
		Type:          "computer_use_preview",
		DisplayWidth:  req.ViewportWidth,
		DisplayHeight: req.ViewportHeight,
		Environment:   "browser",
	}
	image := dataURL(req.Observation)

	if prevID, callID, ok := splitContinuation(req.Continuation); ok {
		return cuRequestPayload{
			Model:              computerUseModel,
			PreviousResponseID: prevID,
			Tools:              []cuTool{tool},
			Input: []cuInputItem{{
				Type:   "computer_call_output",
				CallID: callID,
				Output: &cuCallOutput{
					Type:     "computer_screenshot",
					ImageURL: image,
				},
			}},
			Truncation: "auto",
		}
	}

	return cuRequestPayload{
		Model: computerUseModel,
		Tools: []cuTool{tool},
		Input: []cuInputItem{{
			Role: "user",
			Content: []cuContentPart{
				{Type: "input_text", Text: "Complete this task: " + req.Instructions},
				{Type: "input_image", ImageURL: image},
			},
		}},
		Reasoning:  &cuReasoning{Summary: "concise"},
		Truncation: "auto",
	}
}

func (s *ComputerUseStrategy) post(ctx context.Context, body []byte) (*cuResponsePayload, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var responsePayload cuResponsePayload

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

		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		s.logger.Debug("Decision call complete (computer-use)",
			zap.Duration("duration", duration),
			zap.String("model", responsePayload.Model),
			zap.Int("output_items", len(responsePayload.Output)))
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return &responsePayload, nil
}

// toDecision extracts the first computer call from the response; a response
// without one means the model considers the task finished.
func (s *ComputerUseStrategy) toDecision(resp *cuResponsePayload) *schemas.Decision {
	var summary, reasoning string
	for _, item := range resp.Output {
		switch item.Type {
		case "computer_call":
			if item.Action == nil {
				continue
			}
			return &schemas.Decision{
				Action:       convertComputerUseAction(item.Action),
				Reasoning:    reasoning,
				Continuation: joinContinuation(resp.ID, item.CallID),
			}
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					summary = part.Text
				}
			}
		case "reasoning":
			for _, part := range item.Summary {
				if part.Text != "" {
					reasoning = part.Text
				}
			}
		}
	}

	if summary == "" {
		summary = "Task completed successfully"
	}
	return &schemas.Decision{Complete: true, Summary: summary, Reasoning: reasoning}
}

// convertComputerUseAction maps the provider's action shape onto the wire
// contract. Unrecognized types pass through untouched so the executor can
// log and skip them.
func convertComputerUseAction(a *cuAction) *schemas.Action {
	act := &schemas.Action{
		Type:    schemas.ActionType(a.Type),
		X:       a.X,
		Y:       a.Y,
		Button:  a.Button,
		Text:    a.Text,
		Keys:    a.Keys,
		ScrollX: a.ScrollX,
		ScrollY: a.ScrollY,
	}
	// double_click lands as an ordinary click at the same coordinates.
	if a.Type == "double_click" {
		act.Type = schemas.ActionClick
	}
	return act
}

// -- continuation token --
// The token packs the response id and the pending call id; both are needed
// to answer a computer call with its screenshot.

func joinContinuation(responseID, callID string) string {
	return responseID + "|" + callID
}

func splitContinuation(token string) (responseID, callID string, ok bool) {
	if token == "" {
		return "", "", false
	}
	responseID, callID, ok = strings.Cut(token, "|")
	return responseID, callID, ok && responseID != "" && callID != ""
}

// dataURL renders PNG bytes as an inline image reference.
func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// classifyAPIError decides whether a non-200 status is worth retrying.
func classifyAPIError(logger *zap.Logger, statusCode int, body []byte) error {
	logger.Error("Decision API returned error status",
		zap.Int("status", statusCode),
		zap.String("response", string(body)))
	err := fmt.Errorf("decision API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}
