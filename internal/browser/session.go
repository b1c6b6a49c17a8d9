// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/config"
)

var _ schemas.AutomationSession = (*Session)(nil)

// Session manages a single isolated browser tab driven over CDP. All input
// goes through raw Input domain dispatch so actions land on viewport
// coordinates, not DOM selectors.
type Session struct {
	id     string
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocatorContext context.Context
	sessionContext   context.Context
	sessionCancel    context.CancelFunc

	isClosed bool
	mu       sync.Mutex
}

func newSession(allocCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:               id,
		cfg:              cfg,
		logger:           logger.With(zap.String("session_id", id[:8])),
		allocatorContext: allocCtx,
	}
}

// initialize creates the browser tab and fixes the viewport geometry.
func (s *Session) initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.sessionContext != nil {
		s.mu.Unlock()
		return fmt.Errorf("session already initialized")
	}
	sessionCtx, cancel := chromedp.NewContext(s.allocatorContext)
	s.sessionContext = sessionCtx
	s.sessionCancel = cancel
	s.mu.Unlock()

	err := chromedp.Run(sessionCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDeviceMetricsOverride(
				int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight), 1.0, false,
			).Do(ctx)
		}),
	)
	if err != nil {
		s.Close(ctx)
		return fmt.Errorf("failed to set viewport metrics: %w", err)
	}

	s.logger.Info("Browser session initialized.",
		zap.Int("viewport_width", s.cfg.ViewportWidth),
		zap.Int("viewport_height", s.cfg.ViewportHeight))
	return nil
}

// ID returns the unique identifier for this session.
func (s *Session) ID() string {
	return s.id
}

// Viewport reports the fixed viewport dimensions for coordinate clamping.
func (s *Session) Viewport() (width, height int) {
	return s.cfg.ViewportWidth, s.cfg.ViewportHeight
}

// run executes CDP actions under the caller's deadline while staying bound
// to the session's tab.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return fmt.Errorf("session is already closed")
	}
	sessionCtx := s.sessionContext
	s.mu.Unlock()

	runCtx, cancel := mergeDeadline(sessionCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// mergeDeadline derives a context from base that also honors the deadline of
// other, if it carries one.
func mergeDeadline(base, other context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := other.Deadline(); ok {
		return context.WithDeadline(base, deadline)
	}
	return context.WithCancel(base)
}

// Navigate loads an address and waits for the document to be ready.
func (s *Session) Navigate(ctx context.Context, address string) error {
	s.logger.Debug("Navigating", zap.String("address", address))

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()

	return s.run(navCtx,
		chromedp.Navigate(address),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// CaptureScreenshot grabs the current viewport as a PNG.
func (s *Session) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// Click dispatches a press/release pair at viewport coordinates.
func (s *Session) Click(ctx context.Context, x, y float64, button string) error {
	btn := input.Left
	switch button {
	case "right":
		btn = input.Right
	case "middle":
		btn = input.Middle
	}

	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(btn).
			WithClickCount(1).
			Do(ctx); err != nil {
			return fmt.Errorf("mouse press failed: %w", err)
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(btn).
			WithClickCount(1).
			Do(ctx)
	}))
}

// TypeText inserts text at whatever element currently holds focus.
func (s *Session) TypeText(ctx context.Context, text string) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

// Scroll dispatches a wheel event at the viewport center.
func (s *Session) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	cx := float64(s.cfg.ViewportWidth) / 2
	cy := float64(s.cfg.ViewportHeight) / 2

	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, cx, cy).
			WithDeltaX(deltaX).
			WithDeltaY(deltaY).
			Do(ctx)
	}))
}

// PressKey sends a single named key (e.g. "Enter", "Tab", "a") to the page.
func (s *Session) PressKey(ctx context.Context, key string) error {
	return s.run(ctx, chromedp.KeyEvent(key))
}

// Close safely terminates the browser tab. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	sessionCancel := s.sessionCancel
	sessionContext := s.sessionContext
	s.mu.Unlock()

	if sessionCancel != nil {
		sessionCancel()
	}
	if sessionContext == nil {
		return nil
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, 10*time.Second)
	defer cancelWait()

	select {
	case <-sessionContext.Done():
		s.logger.Debug("Browser session closed gracefully.")
	case <-waitCtx.Done():
		s.logger.Warn("Deadline exceeded waiting for browser session to close.", zap.Error(waitCtx.Err()))
	}
	return nil
}
