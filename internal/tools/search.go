package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools/duckduckgo"

	"github.com/rahul/steward/internal/plan"
)

// Searcher is the subset of a langchaingo tool the search handler needs.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

type SearchHandler struct {
	client Searcher
}

func NewSearchHandler() (*SearchHandler, error) {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchHandler{client: ddg}, nil
}

// NewSearchHandlerWith wraps any Searcher.
func NewSearchHandlerWith(s Searcher) *SearchHandler {
	return &SearchHandler{client: s}
}

func (s *SearchHandler) Name() string {
	return "search"
}

func (s *SearchHandler) Description() string {
	return "Search the web using DuckDuckGo for real-time information. Action: 'query'."
}

func (s *SearchHandler) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to look up",
			},
		},
		"required": []string{"query"},
	}
}

func (s *SearchHandler) Execute(ctx context.Context, step plan.Step, _ ExecutionContext) (json.RawMessage, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(step, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, Terminal(fmt.Errorf("search: empty query"))
	}

	res, err := s.client.Call(ctx, args.Query)
	if err != nil {
		if Classify(err) == KindTimeout {
			return nil, Transient(KindTimeout, err)
		}
		if strings.Contains(strings.ToLower(err.Error()), "rate") {
			return nil, Transient(KindRateLimited, err)
		}
		return nil, Transient(KindTransientIO, fmt.Errorf("search failed: %w", err))
	}
	return textOutput(map[string]any{"query": args.Query, "results": res})
}
