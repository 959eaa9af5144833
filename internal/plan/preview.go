package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Actions a caller may take on a previewed plan.
const (
	ActionConfirm = "confirm"
	ActionEdit    = "edit"
	ActionDryRun  = "dryrun"
	ActionCancel  = "cancel"
)

// DefaultActions is the CTA list offered with every preview.
var DefaultActions = []string{ActionConfirm, ActionEdit, ActionDryRun, ActionCancel}

// PreviewStep is the user-facing view of a step.
type PreviewStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	ToolID      string `json:"tool_id"`
	Action      string `json:"action"`
	Status      string `json:"status"`
	Verdict     string `json:"verdict,omitempty"`
}

// Preview is returned to the caller before confirmation.
type Preview struct {
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	Steps             []PreviewStep `json:"steps"`
	Missing           []string      `json:"missing"`
	Assumptions       []Assumption  `json:"assumptions"`
	Risks             []Risk        `json:"risks"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	TotalCost         float64       `json:"total_cost"`
	CTAs              []string      `json:"ctas"`
}

// BuildPreview renders p for display. status is applied to every step.
func BuildPreview(p *Plan, status string) Preview {
	pv := Preview{
		Title:             p.Title,
		Description:       p.Description,
		Steps:             make([]PreviewStep, 0, len(p.Steps)),
		Missing:           append([]string{}, p.Missing...),
		Assumptions:       append([]Assumption{}, p.Assumptions...),
		Risks:             append([]Risk{}, p.Risks...),
		EstimatedDuration: p.EstimatedDuration,
		TotalCost:         p.EstimatedCost,
		CTAs:              append([]string(nil), DefaultActions...),
	}
	for _, s := range p.Steps {
		pv.Steps = append(pv.Steps, PreviewStep{
			ID:          s.ID,
			Description: s.Description,
			ToolID:      s.ToolID,
			Action:      s.Action,
			Status:      status,
		})
	}
	return pv
}

// StepPatch edits one step. Nil fields are left untouched.
type StepPatch struct {
	ID           string          `json:"id"`
	Description  *string         `json:"description,omitempty"`
	Action       *string         `json:"action,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	RequiredRole *string         `json:"required_role,omitempty"`
	Remove       bool            `json:"remove,omitempty"`
}

// Patch is an edit applied to a session's plan before confirmation.
type Patch struct {
	Title       *string     `json:"title,omitempty"`
	Steps       []StepPatch `json:"steps,omitempty"`
	Append      []Step      `json:"append,omitempty"`
	ResolveMiss []string    `json:"resolve_missing,omitempty"`
}

var ErrUnknownStep = errors.New("unknown step")

// Apply mutates p in place. The caller must own p (see Clone).
func (patch Patch) Apply(p *Plan) error {
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	removed := map[string]bool{}
	for _, sp := range patch.Steps {
		s, ok := p.Step(sp.ID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStep, sp.ID)
		}
		if sp.Remove {
			removed[sp.ID] = true
			continue
		}
		if sp.Description != nil {
			s.Description = *sp.Description
		}
		if sp.Action != nil {
			s.Action = *sp.Action
		}
		if sp.Args != nil {
			s.Args = append(json.RawMessage(nil), sp.Args...)
		}
		if sp.RequiredRole != nil {
			s.RequiredRole = *sp.RequiredRole
		}
	}
	if len(removed) > 0 {
		kept := p.Steps[:0]
		for _, s := range p.Steps {
			if !removed[s.ID] {
				kept = append(kept, s)
			}
		}
		p.Steps = kept
	}
	last := 0
	if n := len(p.Steps); n > 0 {
		last = p.Steps[n-1].Order
	}
	for i, s := range patch.Append {
		if s.ID == "" {
			s.ID = NewID("step")
		}
		s.Order = last + i + 1
		p.Steps = append(p.Steps, s)
	}
	if len(patch.ResolveMiss) > 0 {
		drop := map[string]bool{}
		for _, m := range patch.ResolveMiss {
			drop[m] = true
		}
		var left []string
		for _, m := range p.Missing {
			if !drop[m] {
				left = append(left, m)
			}
		}
		p.Missing = left
	}
	p.Normalize()
	return p.Validate()
}
