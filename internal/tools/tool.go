package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/rahul/steward/internal/plan"
)

// ExecutionContext is everything a handler may know about the run it serves.
type ExecutionContext struct {
	UserID      string            `json:"user_id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	SessionID   string            `json:"session_id"`
	PlanID      string            `json:"plan_id"`
	UserRoles   []string          `json:"user_roles,omitempty"`
	Channel     map[string]string `json:"channel,omitempty"`

	// Outputs holds the results of the steps that already succeeded, keyed
	// by step id.
	Outputs map[string]json.RawMessage `json:"-"`

	// Stop is closed when the user cancels the run. The engine never
	// interrupts a handler; a handler may watch Stop to abandon a long
	// sub-operation and return ErrCancelled.
	Stop <-chan struct{} `json:"-"`

	// Progress, when set, reports partial progress of the current step.
	Progress func(percent int, label string) `json:"-"`
}

// Report forwards partial progress if the engine asked for it.
func (ec ExecutionContext) Report(percent int, label string) {
	if ec.Progress != nil {
		ec.Progress(percent, label)
	}
}

// Cancelled reports whether the user asked the run to stop.
func (ec ExecutionContext) Cancelled() bool {
	if ec.Stop == nil {
		return false
	}
	select {
	case <-ec.Stop:
		return true
	default:
		return false
	}
}

// Handler defines the interface for all tools a plan step can invoke.
type Handler interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the step's args
	Execute(ctx context.Context, step plan.Step, ec ExecutionContext) (json.RawMessage, error)
}

// Kind classifies a handler failure for the retry policy.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindTransientIO Kind = "transient_io"
	KindTerminal    Kind = "terminal"
	KindCancelled   Kind = "cancelled"
)

// Transient reports whether a failure of this kind may be retried.
func (k Kind) Transient() bool {
	return k == KindTimeout || k == KindRateLimited || k == KindTransientIO
}

var (
	ErrTransient   = errors.New("transient tool failure")
	ErrTerminal    = errors.New("terminal tool failure")
	ErrCancelled   = errors.New("step cancelled")
	ErrUnknownTool = errors.New("unknown tool")
)

// Failure is a classified handler error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is lets errors.Is match ErrTransient, ErrTerminal and ErrCancelled against
// the failure kind.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTransient:
		return f.Kind.Transient()
	case ErrTerminal:
		return f.Kind == KindTerminal
	case ErrCancelled:
		return f.Kind == KindCancelled
	}
	return false
}

// Transient wraps err as a retryable failure.
func Transient(kind Kind, err error) error {
	if !kind.Transient() {
		kind = KindTransientIO
	}
	return &Failure{Kind: kind, Err: err}
}

// Terminal wraps err as a non-retryable failure.
func Terminal(err error) error {
	return &Failure{Kind: KindTerminal, Err: err}
}

// Classify maps any handler error to a Kind. Unclassified errors are terminal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTerminal
}

// Registry manages the set of available tool handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Handler),
	}
}

func (r *Registry) Register(t Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// List returns every handler sorted by name.
func (r *Registry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func decodeArgs(step plan.Step, v any) error {
	if len(step.Args) == 0 {
		return Terminal(fmt.Errorf("%s.%s: missing args", step.ToolID, step.Action))
	}
	if err := json.Unmarshal(step.Args, v); err != nil {
		return Terminal(fmt.Errorf("%s.%s: invalid args: %v", step.ToolID, step.Action, err))
	}
	return nil
}

func textOutput(fields map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, Terminal(err)
	}
	return b, nil
}
