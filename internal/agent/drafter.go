package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rahul/steward/internal/plan"
)

// ErrUnsupportedIntent means no plan could be drafted for the request.
var ErrUnsupportedIntent = errors.New("unsupported intent")

// Request is what a drafter sees of an inbound command.
type Request struct {
	Text      string
	UserID    string
	SessionID string
	ProjectID string
	ChatID    string
	Roles     []string
	// History holds earlier turns of the conversation, oldest first.
	History []string
}

// Drafter turns free text into a plan.
type Drafter interface {
	Draft(ctx context.Context, req Request) (*plan.Plan, error)
}

// Chain asks each drafter in turn and returns the first plan produced.
type Chain struct {
	Drafters []Drafter
	Logger   *slog.Logger
}

func NewChain(logger *slog.Logger, drafters ...Drafter) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{Drafters: drafters, Logger: logger.With("component", "drafter")}
}

// Draft returns ErrUnsupportedIntent only when every drafter declined.
// Drafter errors other than ErrUnsupportedIntent are logged and treated as a
// decline.
func (c *Chain) Draft(ctx context.Context, req Request) (*plan.Plan, error) {
	var lastErr error
	for _, d := range c.Drafters {
		p, err := d.Draft(ctx, req)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrUnsupportedIntent) {
			c.Logger.Warn("drafter failed", "drafter", fmt.Sprintf("%T", d), "error", err)
		}
		lastErr = err
	}
	if lastErr == nil || errors.Is(lastErr, ErrUnsupportedIntent) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedIntent, req.Text)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedIntent, lastErr)
}
