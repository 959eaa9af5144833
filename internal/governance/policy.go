package governance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/rahul/steward/internal/plan"
)

var (
	ErrInsufficientRole = errors.New("insufficient role")
	ErrPolicyDenied     = errors.New("denied by policy")
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a step to be evaluated.
type Request struct {
	UserID       string
	Tool         string
	Action       string
	Arguments    string
	RequiredRole string
	Roles        []string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
	Err    error // ErrInsufficientRole or ErrPolicyDenied when denied
}

// Verdict is the evaluation of one plan step.
type Verdict struct {
	StepID string
	Result
}

// Built-in roles, strongest first.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// PolicyEngine evaluates steps against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine checks role coverage, then tool and argument deny rules.
type DefaultPolicyEngine struct {
	DeniedTools map[string]bool
	DeniedRegex []*regexp.Regexp

	// Implies maps a role to the roles it also grants.
	Implies map[string][]string
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedTools: make(map[string]bool),
		DeniedRegex: make([]*regexp.Regexp, 0),
		Implies: map[string][]string{
			RoleOwner:  {RoleAdmin, RoleEditor, RoleViewer},
			RoleAdmin:  {RoleEditor, RoleViewer},
			RoleEditor: {RoleViewer},
		},
	}
}

func (e *DefaultPolicyEngine) DenyTool(name string) {
	e.DeniedTools[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

// HasRole reports whether roles grant required, directly or by implication.
// An empty requirement is always met.
func (e *DefaultPolicyEngine) HasRole(roles []string, required string) bool {
	if required == "" {
		return true
	}
	for _, r := range roles {
		if r == required || slices.Contains(e.Implies[r], required) {
			return true
		}
	}
	return false
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if !e.HasRole(req.Roles, req.RequiredRole) {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Step requires role '%s'", req.RequiredRole),
			Err:    ErrInsufficientRole,
		}, nil
	}

	if e.DeniedTools[req.Tool] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Tool '%s' is restricted by system policy", req.Tool),
			Err:    ErrPolicyDenied,
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
				Err:    ErrPolicyDenied,
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

// CheckPlan evaluates every step of p for the acting user. It returns all
// verdicts and, if any step is denied, an error wrapping the first denial.
func CheckPlan(ctx context.Context, pe PolicyEngine, p *plan.Plan, userID string, roles []string) ([]Verdict, error) {
	verdicts := make([]Verdict, 0, len(p.Steps))
	var firstErr error
	for _, s := range p.Steps {
		res, err := pe.Evaluate(ctx, Request{
			UserID:       userID,
			Tool:         s.ToolID,
			Action:       s.Action,
			Arguments:    string(s.Args),
			RequiredRole: s.RequiredRole,
			Roles:        roles,
		})
		if err != nil {
			return verdicts, fmt.Errorf("evaluate step %s: %w", s.ID, err)
		}
		verdicts = append(verdicts, Verdict{StepID: s.ID, Result: res})
		if res.Effect == EffectDeny && firstErr == nil {
			cause := res.Err
			if cause == nil {
				cause = ErrPolicyDenied
			}
			firstErr = fmt.Errorf("%w: step %s: %s", cause, s.ID, res.Reason)
		}
	}
	return verdicts, firstErr
}
