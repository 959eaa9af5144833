package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rahul/steward/internal/plan"
)

const maxScrapeChars = 50000

type ScraperHandler struct {
	UserAgent string
	Client    *http.Client
}

func NewScraperHandler() *ScraperHandler {
	return &ScraperHandler{
		UserAgent: "Mozilla/5.0 (compatible; steward/1.0)",
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ScraperHandler) Name() string {
	return "scraper"
}

func (s *ScraperHandler) Description() string {
	return "Fetch a webpage URL and extract the main content as clean, sanitized text. Action: 'fetch'."
}

func (s *ScraperHandler) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The full URL of the webpage to scrape (e.g., https://example.com/listing)",
			},
		},
		"required": []string{"url"},
	}
}

func (s *ScraperHandler) Execute(ctx context.Context, step plan.Step, ec ExecutionContext) (json.RawMessage, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(step, &args); err != nil {
		return nil, err
	}
	parsedURL, err := url.Parse(args.URL)
	if err != nil || parsedURL.Host == "" {
		return nil, Terminal(fmt.Errorf("invalid url %q", args.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return nil, Terminal(fmt.Errorf("failed to create request: %v", err))
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		if Classify(err) == KindTimeout {
			return nil, Transient(KindTimeout, err)
		}
		return nil, Transient(KindTransientIO, fmt.Errorf("failed to fetch URL: %w", err))
	}
	defer resp.Body.Close()

	if err := statusFailure(resp.StatusCode); err != nil {
		return nil, err
	}

	ec.Report(50, "fetched")

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return nil, Terminal(fmt.Errorf("failed to parse article: %v", err))
	}

	content := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	truncated := false
	if len(content) > maxScrapeChars {
		content = content[:maxScrapeChars]
		truncated = true
	}
	return textOutput(map[string]any{
		"url":       args.URL,
		"title":     article.Title,
		"excerpt":   article.Excerpt,
		"content":   content,
		"truncated": truncated,
	})
}

// statusFailure classifies non-2xx responses.
func statusFailure(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return Transient(KindRateLimited, fmt.Errorf("status code %d", code))
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Transient(KindTimeout, fmt.Errorf("status code %d", code))
	case code >= 500:
		return Transient(KindTransientIO, fmt.Errorf("status code %d", code))
	default:
		return Terminal(fmt.Errorf("status code %d", code))
	}
}
