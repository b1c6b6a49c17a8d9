// api/schemas/actions.go
package schemas

// ActionType enumerates the input primitives an agent may apply to a
// session. The executor handles these exhaustively; anything else is an
// explicit "unrecognized" case that is logged and skipped, never a runtime
// type error.
type ActionType string

const (
	ActionClick      ActionType = "click"
	ActionTypeText   ActionType = "type"
	ActionScroll     ActionType = "scroll"
	ActionKeypress   ActionType = "keypress"
	ActionWait       ActionType = "wait"
	ActionScreenshot ActionType = "screenshot" // advisory; a frame is captured after every action anyway
)

// Action is one abstract input primitive decided by the model. The JSON
// shape is the wire contract shared with the decision capability and the
// event stream; all parameter fields are optional and only the ones relevant
// to Type are honored.
type Action struct {
	Type ActionType `json:"type"`

	// click
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Button string   `json:"button,omitempty"` // left, right, middle; defaults to left

	// type
	Text string `json:"text,omitempty"`

	// keypress
	Keys []string `json:"keys,omitempty"`

	// scroll (relative delta, pixels)
	ScrollX *float64 `json:"scrollX,omitempty"`
	ScrollY *float64 `json:"scrollY,omitempty"`

	// wait
	DurationMs *int `json:"durationMs,omitempty"`
}

// Decision is the structured answer of one decision-capability call: either
// exactly one next action, or a completion signal with a summary. A decision
// carrying neither is treated as completion downstream, since models may
// terminate by omission.
type Decision struct {
	Action   *Action `json:"action,omitempty"`
	Complete bool    `json:"complete,omitempty"`
	Summary  string  `json:"summary,omitempty"`

	// Reasoning is the model's stated justification, kept for diagnostics.
	Reasoning string `json:"reasoning,omitempty"`

	// Continuation is an opaque token a multi-turn strategy threads through
	// consecutive calls so it can re-query with only the latest observation.
	// Single-shot strategies leave it empty.
	Continuation string `json:"-"`
}

// Observation is one captured frame of the session's rendered state.
type Observation struct {
	Ref  string `json:"ref"`
	Data []byte `json:"-"` // PNG bytes; carried on the event stream base64-encoded, never persisted inline
}
