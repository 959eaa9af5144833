package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/rahul/steward/internal/plan"
)

const maxRenderChars = 50000

// BrowserHandler renders JavaScript-heavy pages with headless Chrome.
// One browser is shared by all runs and started lazily.
type BrowserHandler struct {
	OutputDir string
	Timeout   time.Duration

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserHandler(outputDir string) *BrowserHandler {
	return &BrowserHandler{OutputDir: outputDir, Timeout: 60 * time.Second}
}

func (b *BrowserHandler) Name() string {
	return "browser"
}

func (b *BrowserHandler) Description() string {
	return "Render a page in headless Chrome. Actions: 'render' returns the page HTML, 'screenshot' stores a PNG in the workspace."
}

func (b *BrowserHandler) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to open",
			},
			"wait_selector": map[string]any{
				"type":        "string",
				"description": "CSS selector to wait for before capturing",
			},
		},
		"required": []string{"url"},
	}
}

func (b *BrowserHandler) browser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return b.browserCtx, nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	if err := chromedp.Run(b.browserCtx); err != nil {
		b.cleanup()
		return nil, err
	}
	return b.browserCtx, nil
}

func (b *BrowserHandler) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close stops the shared browser.
func (b *BrowserHandler) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

func (b *BrowserHandler) Execute(ctx context.Context, step plan.Step, ec ExecutionContext) (json.RawMessage, error) {
	var args struct {
		URL          string `json:"url"`
		WaitSelector string `json:"wait_selector"`
	}
	if err := decodeArgs(step, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, Terminal(fmt.Errorf("browser: url is required"))
	}

	browserCtx, err := b.browser()
	if err != nil {
		return nil, Transient(KindTransientIO, fmt.Errorf("failed to initialize browser: %w", err))
	}

	// A fresh tab per step keeps concurrent sessions apart.
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	actionCtx, cancel := context.WithTimeout(tabCtx, b.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if ec.Stop != nil {
		go func() {
			select {
			case <-ec.Stop:
				cancel()
			case <-actionCtx.Done():
			}
		}()
	}
	ec.Report(10, "opening "+args.URL)

	actions := []chromedp.Action{chromedp.Navigate(args.URL)}
	if args.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(args.WaitSelector, chromedp.ByQuery))
	}

	switch step.Action {
	case "render":
		var html string
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}))
		if err := chromedp.Run(actionCtx, actions...); err != nil {
			return nil, browserFailure(err, ec)
		}
		truncated := len(html) > maxRenderChars
		if truncated {
			html = html[:maxRenderChars]
		}
		return textOutput(map[string]any{"url": args.URL, "html": html, "truncated": truncated})

	case "screenshot":
		var buf []byte
		actions = append(actions, chromedp.FullScreenshot(&buf, 90))
		if err := chromedp.Run(actionCtx, actions...); err != nil {
			return nil, browserFailure(err, ec)
		}
		dir := filepath.Join(b.OutputDir, ec.SessionID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, Transient(KindTransientIO, err)
		}
		path := filepath.Join(dir, step.ID+".png")
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			return nil, Transient(KindTransientIO, err)
		}
		return textOutput(map[string]any{"url": args.URL, "path": path, "bytes": len(buf)})

	default:
		return nil, Terminal(fmt.Errorf("browser: unknown action %q", step.Action))
	}
}

func browserFailure(err error, ec ExecutionContext) error {
	if ec.Cancelled() {
		return &Failure{Kind: KindCancelled, Err: err}
	}
	if Classify(err) == KindTimeout {
		return Transient(KindTimeout, err)
	}
	return Transient(KindTransientIO, fmt.Errorf("browser action failed: %w", err))
}
