package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rahul/steward/internal/plan"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCollecting SessionStatus = "collecting"
	SessionConfirmed  SessionStatus = "confirmed"
	SessionRunning    SessionStatus = "running"
	SessionSucceeded  SessionStatus = "succeeded"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionSucceeded || s == SessionFailed || s == SessionCancelled
}

// CanTransition allows forward moves along collecting → confirmed → running →
// succeeded|failed, and a cancel from any non-terminal state. A confirmed
// session may also fail if its run never starts.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == SessionCancelled {
		return true
	}
	switch s {
	case SessionCollecting:
		return to == SessionConfirmed
	case SessionConfirmed:
		return to == SessionRunning || to == SessionFailed
	case SessionRunning:
		return to == SessionSucceeded || to == SessionFailed
	}
	return false
}

// Reply is a clarification answer given by the user while collecting.
type Reply struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session wraps one plan as it moves from drafted to executed.
type Session struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id,omitempty"`
	UserID      string        `json:"user_id"`
	WorkspaceID string        `json:"workspace_id,omitempty"`
	Status      SessionStatus `json:"status"`
	Plan        *plan.Plan    `json:"plan"`
	Replies     []Reply       `json:"replies,omitempty"`
	ToolRunID   string        `json:"tool_run_id,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Transition moves the session to status or returns ErrInvalidTransition
// leaving it untouched.
func (s *Session) Transition(to SessionStatus, now time.Time) error {
	if !s.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// Clone returns a copy that shares nothing mutable with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Plan = s.Plan.Clone()
	cp.Replies = append([]Reply(nil), s.Replies...)
	return &cp
}

// RunStatus is the state of a ToolRun or SubRun.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// SubRun records one step's execution attempts within a ToolRun.
type SubRun struct {
	StepID     string     `json:"step_id"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OutputRef  string     `json:"output_ref,omitempty"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	Error      string     `json:"error,omitempty"`
}

// ToolRun is the durable record of one plan execution attempt.
type ToolRun struct {
	ID         string                     `json:"id"`
	SessionID  string                     `json:"session_id"`
	PlanID     string                     `json:"plan_id"`
	Status     RunStatus                  `json:"status"`
	StartedAt  *time.Time                 `json:"started_at,omitempty"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
	SubRuns    []SubRun                   `json:"sub_runs"`
	Outputs    map[string]json.RawMessage `json:"outputs"`
	Metadata   map[string]string          `json:"metadata,omitempty"`
	Error      string                     `json:"error,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// NewToolRun creates a queued run for the session's plan.
func NewToolRun(sessionID, planID string, now time.Time) *ToolRun {
	return &ToolRun{
		ID:        plan.NewID("run"),
		SessionID: sessionID,
		PlanID:    planID,
		Status:    RunQueued,
		SubRuns:   []SubRun{},
		Outputs:   map[string]json.RawMessage{},
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (r *ToolRun) Clone() *ToolRun {
	if r == nil {
		return nil
	}
	cp := *r
	cp.SubRuns = append([]SubRun{}, r.SubRuns...)
	cp.Outputs = make(map[string]json.RawMessage, len(r.Outputs))
	for k, v := range r.Outputs {
		cp.Outputs[k] = append(json.RawMessage(nil), v...)
	}
	cp.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// Audit action tags.
const (
	ActionSessionCreated       = "session_created"
	ActionSessionEdited        = "session_edited"
	ActionSessionConfirmed     = "session_confirmed"
	ActionSessionCancelled     = "session_cancelled"
	ActionPlanStarted          = "plan_started"
	ActionStepStarted          = "step_started"
	ActionStepProgress         = "step_progress"
	ActionStepRetry            = "step_retry"
	ActionStepSucceeded        = "step_succeeded"
	ActionStepFailed           = "step_failed"
	ActionPlanCompleted        = "plan_completed"
	ActionPlanFailed           = "plan_failed"
	ActionPlanCancelled        = "plan_cancelled"
	ActionExecutionInterrupted = "execution_interrupted"
)

// AuditEvent is an immutable entry in a session's history.
type AuditEvent struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	StepID    string    `json:"step_id,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
