package events

import "time"

// Type names a progress transition.
type Type string

const (
	PlanStarted   Type = "plan_started"
	StepStarted   Type = "step_started"
	StepProgress  Type = "step_progress"
	StepSucceeded Type = "step_succeeded"
	StepFailed    Type = "step_failed"
	PlanCompleted Type = "plan_completed"

	// PlanFailed and PlanCancelled close a run that did not complete.
	PlanFailed    Type = "plan_failed"
	PlanCancelled Type = "plan_cancelled"

	// KeepAlive is delivered by the broadcaster, never by the engine.
	KeepAlive Type = "keep_alive"
)

// Event is a transient progress notification. It is never stored verbatim.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	PlanID    string    `json:"plan_id"`
	UserID    string    `json:"user_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	SkillID   string    `json:"skill_id,omitempty"`
	Percent   *int      `json:"percent,omitempty"`
	Label     string    `json:"label,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Percent returns a pointer suitable for Event.Percent, clamped to 0..100.
func Percent(p int) *int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}
