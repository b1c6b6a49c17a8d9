// Package decision turns the latest observation into the next action. Two
// strategies implement the same contract: a multi-turn computer-use client
// used first, and a single-shot vision client the loop falls back to when
// the primary is unavailable.
package decision

import (
	"context"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

// Request carries everything a strategy needs for one decision call.
type Request struct {
	Instructions string

	// Observation is the latest captured frame, raw PNG bytes.
	Observation []byte

	// Continuation is the opaque token from the previous Decision of a
	// multi-turn strategy. Empty on the first call of an execution.
	Continuation string

	ViewportWidth  int
	ViewportHeight int
}

// Strategy is one way of asking the decision capability for the next step.
type Strategy interface {
	// Name identifies the strategy in logs and outcome records.
	Name() string

	// Next returns either one action to apply or a completion signal.
	Next(ctx context.Context, req Request) (*schemas.Decision, error)
}
