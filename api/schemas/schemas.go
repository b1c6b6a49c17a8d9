// api/schemas/schemas.go
package schemas

import (
	"time"
)

// Priority orders queued work. Higher tiers are always dequeued before lower
// ones; within a tier, enqueue order wins.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the scheduling rank of the tier. Lower rank is dequeued first.
// Unknown tiers rank as normal rather than erroring, matching admission
// behavior for specs written before a tier existed.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ExecutionStatus is the lifecycle state of one Execution.
// Transitions are one-directional: pending -> running -> {completed|failed},
// running -> paused (user-requested, no automatic resumption), and
// pending -> failed (quota rejection). There is no way back to pending.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the state machine permits moving from one
// status to another.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusPaused
	case StatusPaused:
		return to == StatusFailed
	default:
		return false
	}
}

// TriggerKind records what caused an Execution to be admitted.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerAPI       TriggerKind = "api"
)

// Schedule is an agent's recurring trigger cadence.
type Schedule string

const (
	ScheduleManual Schedule = "manual"
	Schedule15Min  Schedule = "15min"
	ScheduleHourly Schedule = "hourly"
	ScheduleDaily  Schedule = "daily"
	ScheduleWeekly Schedule = "weekly"
)

// Interval returns the cadence as a duration. ok is false for manual (or
// unknown) schedules, which are never auto-admitted.
func (s Schedule) Interval() (time.Duration, bool) {
	switch s {
	case Schedule15Min:
		return 15 * time.Minute, true
	case ScheduleHourly:
		return time.Hour, true
	case ScheduleDaily:
		return 24 * time.Hour, true
	case ScheduleWeekly:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// AgentSpec is the operator-authored description of an automation goal.
// It is immutable for the duration of any single Execution; CRUD on specs
// belongs to the repository collaborator, the core only reads them.
type AgentSpec struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Type           string   `json:"type"` // web_scraper, form_filler, data_monitor, social_media, custom
	TargetWebsite  string   `json:"targetWebsite,omitempty"`
	Instructions   string   `json:"instructions"`
	Schedule       Schedule `json:"schedule"`
	Priority       Priority `json:"priority"`
	Status         string   `json:"status"` // active, inactive, paused, error
	OrganizationID string   `json:"organizationId"`
	CreatedBy      string   `json:"createdBy,omitempty"`

	// Decision-loop configuration. Zero values fall back to the configured
	// service-wide defaults.
	MaxIterations int `json:"maxIterations,omitempty"`
	SettleMs      int `json:"settleMs,omitempty"`

	LastRun   *time.Time `json:"lastRun,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Execution is one concrete run of an AgentSpec.
type Execution struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agentId"`
	OrganizationID string          `json:"organizationId"`
	Status         ExecutionStatus `json:"status"`
	StartTime      *time.Time      `json:"startTime,omitempty"`
	EndTime        *time.Time      `json:"endTime,omitempty"`

	// Accumulated history, in the order it was generated.
	Actions         []Action `json:"actions,omitempty"`
	ObservationRefs []string `json:"observationRefs,omitempty"`

	// Result is set on completion; Error on failure. Never both.
	Result *ExecutionResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// ExecutionResult is the structured summary of a completed run.
type ExecutionResult struct {
	Actions         []Action `json:"actions"`
	ObservationRefs []string `json:"observationRefs"`
	Summary         string   `json:"summary"`
}

// Organization carries the quota counters the ledger enforces.
type Organization struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Plan     string `json:"plan"` // free, pro, enterprise
	APIQuota int    `json:"apiQuota"`
	APIUsed  int    `json:"apiUsed"`
}

// UsageRecord holds per-organization, per-period consumption counters.
// Counters only ever grow; a consumed unit is never refunded, including for
// failed runs, because the decision capability was still invoked.
type UsageRecord struct {
	OrganizationID  string    `json:"organizationId"`
	Period          time.Time `json:"period"`
	APICalls        int       `json:"apiCalls"`
	BrowserSessions int       `json:"browserSessions"`
	StorageUsedMB   int       `json:"storageUsed"`
}

// UsageDelta is an additive increment applied to a UsageRecord.
type UsageDelta struct {
	APICalls        int
	BrowserSessions int
	StorageUsedMB   int
}
