// api/schemas/interfaces.go
package schemas

import "context"

// AutomationSession is the live handle to one rendered environment (a
// browser tab). Exactly one ExecutionContext owns a session at a time, and a
// session is closed exactly once; Close must be idempotent so teardown can
// be best-effort on every exit path.
type AutomationSession interface {
	ID() string

	// Navigate loads the given address and waits for the page to settle.
	Navigate(ctx context.Context, address string) error

	// CaptureScreenshot returns the current viewport rendered as PNG.
	CaptureScreenshot(ctx context.Context) ([]byte, error)

	// Input primitives. Coordinates are viewport-relative pixels; callers
	// are expected to clamp into Viewport bounds before dispatching.
	Click(ctx context.Context, x, y float64, button string) error
	TypeText(ctx context.Context, text string) error
	Scroll(ctx context.Context, deltaX, deltaY float64) error
	PressKey(ctx context.Context, key string) error

	// Viewport returns the emulated viewport dimensions in pixels.
	Viewport() (width, height int)

	Close(ctx context.Context) error
}
