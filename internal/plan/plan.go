package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Confidence grades how sure the drafter is about an assumption.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Assumption is something the drafter took for granted while building the plan.
type Assumption struct {
	Text       string     `json:"text" yaml:"text"`
	Confidence Confidence `json:"confidence" yaml:"confidence"`
	Source     string     `json:"source,omitempty" yaml:"source,omitempty"`
}

// Risk is a free-form caveat shown to the user before confirmation.
type Risk struct {
	Text     string `json:"text" yaml:"text"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Step represents a single unit of work bound to a tool action.
// Args is opaque to the engine; the tool handler validates it.
type Step struct {
	ID           string          `json:"id"`
	ToolID       string          `json:"tool_id"`
	Action       string          `json:"action"`
	Description  string          `json:"description"`
	Args         json.RawMessage `json:"args,omitempty"`
	RequiredRole string          `json:"required_role,omitempty"`
	Order        int             `json:"order"`
}

// Plan represents an ordered sequence of steps proposed for a user request.
type Plan struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	Steps             []Step        `json:"steps"`
	Assumptions       []Assumption  `json:"assumptions,omitempty"`
	Risks             []Risk        `json:"risks,omitempty"`
	Missing           []string      `json:"missing,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	EstimatedCost     float64       `json:"estimated_cost"`
}

var (
	ErrEmptyPlan     = errors.New("plan has no steps")
	ErrDuplicateStep = errors.New("duplicate step id")
)

// NewID returns a fresh identifier for plans and steps.
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Clone returns a deep copy. Sessions always own a clone so edits never leak
// between sessions drafted from the same plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		cp.Steps[i] = s
		if s.Args != nil {
			cp.Steps[i].Args = append(json.RawMessage(nil), s.Args...)
		}
	}
	cp.Assumptions = append([]Assumption(nil), p.Assumptions...)
	cp.Risks = append([]Risk(nil), p.Risks...)
	cp.Missing = append([]string(nil), p.Missing...)
	return &cp
}

// Normalize fills missing ids, sorts steps by Order and renumbers them so
// that Order is strictly increasing from 1.
func (p *Plan) Normalize() {
	if p.ID == "" {
		p.ID = NewID("plan")
	}
	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].Order < p.Steps[j].Order
	})
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = fmt.Sprintf("step_%d", i+1)
		}
		p.Steps[i].Order = i + 1
	}
}

// Validate checks the structure the engine relies on.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: missing id", i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.ToolID) == "" {
			return fmt.Errorf("step %s: missing tool id", s.ID)
		}
		if i > 0 && s.Order <= p.Steps[i-1].Order {
			return fmt.Errorf("step %s: order %d does not follow %d", s.ID, s.Order, p.Steps[i-1].Order)
		}
		if len(s.Args) > 0 && !json.Valid(s.Args) {
			return fmt.Errorf("step %s: args are not valid json", s.ID)
		}
	}
	return nil
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// RequiredRoles lists the distinct roles the plan needs, in step order.
func (p *Plan) RequiredRoles() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range p.Steps {
		if s.RequiredRole == "" || seen[s.RequiredRole] {
			continue
		}
		seen[s.RequiredRole] = true
		out = append(out, s.RequiredRole)
	}
	return out
}
