package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"

	"github.com/rahul/steward/internal/agent"
	"github.com/rahul/steward/internal/api"
	"github.com/rahul/steward/internal/engine"
	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/gateway"
	"github.com/rahul/steward/internal/governance"
	"github.com/rahul/steward/internal/observability"
	"github.com/rahul/steward/internal/retry"
	"github.com/rahul/steward/internal/session"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/telemetry"
	"github.com/rahul/steward/internal/tools"
	"github.com/rahul/steward/pkg/config"
)

// backend is what the persistence layer offers the rest of the process.
type backend interface {
	store.Gateway
	store.HistoryStore
}

func main() {
	cfgPath := flag.String("config", "", "path to a JSON or YAML config file (defaults and environment only when empty)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	term := observability.NewTerminal(os.Stdout)
	var out io.Writer = os.Stderr
	if term.Interactive() {
		term.PrintBanner(cfg.App.Name, cfg.App.ListenAddr)
		term.Initialize()
		// Route all log output through the terminal mutex so it never
		// interrupts the status line's cursor save/restore sequence.
		out = term.Writer(os.Stdout)
	}
	logger := observability.NewLogger(cfg.App.LogLevel, out)
	slog.SetDefault(logger)

	err = run(cfg, logger, term)
	if term.Interactive() {
		term.Cleanup()
	}
	if err != nil {
		logger.Error("steward stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, term *observability.Terminal) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	browser := tools.NewBrowserHandler(filepath.Join(cfg.App.Workspace, "captures"))
	defer browser.Close()
	registry := newRegistry(cfg, browser, logger)

	policy := governance.NewDefaultPolicyEngine()
	// Default safety rules: block destructive arguments
	for _, pattern := range []string{`rm\s+-rf`, `mkfs`, `shutdown`, `reboot`} {
		_ = policy.DenyArguments(pattern)
	}

	broadcaster := events.NewBroadcaster(events.Options{
		KeepAlive:   cfg.Broadcaster.KeepAlive.Std(),
		IdleTimeout: cfg.Broadcaster.IdleTimeout.Std(),
		Buffer:      cfg.Broadcaster.SubscriberBuffer,
		Logger:      logger,
	})
	defer broadcaster.Close()

	agg := telemetry.NewAggregator(cfg.Telemetry.Window)
	agg.PendingTTL = cfg.Telemetry.PendingTTL.Std()
	backoff := retry.DefaultPolicy()
	backoff.MaxRetries = cfg.Execution.MaxRetries
	backoff.BaseWait = cfg.Execution.RetryBaseWait.Std()
	backoff.MaxWait = cfg.Execution.RetryMaxWait.Std()

	eng := engine.New(registry, db, engine.Options{
		Publisher:   broadcaster,
		Telemetry:   agg,
		Retry:       backoff,
		EventBuffer: cfg.Execution.EventBuffer,
		Logger:      logger,
	})

	templates, drafters, err := newDrafters(cfg, registry, db, logger)
	if err != nil {
		return err
	}

	ctrl := session.NewController(agent.NewChain(logger, drafters...), eng, db, session.Options{
		Policy:    policy,
		Telemetry: agg,
		History:   db,
		Retry:     backoff,
		Logger:    logger,
	})

	board := observability.NewStatusBoard()
	if n, err := ctrl.Recover(ctx); err != nil {
		logger.Warn("session recovery incomplete", "error", err)
	} else if n > 0 {
		board.Note(fmt.Sprintf("recovered %d sessions", n))
	}

	server := &api.Server{
		Logger:    logger,
		Sessions:  ctrl,
		Events:    broadcaster,
		Telemetry: agg,
		AuthToken: cfg.App.AuthToken,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http api listening", "addr", cfg.App.ListenAddr)
		return server.Serve(gctx, cfg.App.ListenAddr)
	})

	g.Go(func() error {
		broadcaster.Run(gctx)
		return nil
	})

	if templates != nil && cfg.Planner.WatchTemplates {
		g.Go(func() error { return templates.Watch(gctx) })
	}

	var routers []*gateway.Router
	for _, m := range newMessengers(cfg, logger) {
		gc, _ := cfg.GetGatewayConfig(m.Name())
		router := gateway.NewRouter(ctrl, broadcaster, gateway.RouterOptions{
			ProgressRate: gc.ProgressRate,
			Logger:       logger,
		})
		routers = append(routers, router)
		g.Go(func() error {
			if err := m.Start(gctx, router.Bind(m)); err != nil {
				logger.Error("gateway stopped", "gateway", m.Name(), "error", err)
				board.Note(m.Name() + " gateway down")
			}
			return nil
		})
	}

	// Live status line (1-second updates)
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				snap := agg.Snapshot()
				board.Update(ctrl.Active(), snap[telemetry.TimeToFirstStatus].P95, snap[telemetry.TimeToPlanComplete].P95)
				if term.Interactive() {
					term.PrintLiveStatus(board)
				}
			}
		}
	})

	runErr := g.Wait()

	logger.Info("shutting down", "active_runs", ctrl.Active())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs did not drain", "error", err)
	}
	for _, r := range routers {
		r.Wait()
	}
	return runErr
}

func openStore(cfg *config.Config) (backend, error) {
	if cfg.Memory.Type == "memory" {
		return store.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.Memory.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := store.NewSQLiteStore(cfg.Memory.Path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func newRegistry(cfg *config.Config, browser *tools.BrowserHandler, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(tools.NewScraperHandler())
	registry.Register(tools.NewWorkspaceHandler(cfg.App.Workspace))
	registry.Register(browser)

	search, err := tools.NewSearchHandler()
	if err != nil {
		logger.Warn("search tool unavailable", "error", err)
	} else {
		registry.Register(search)
	}
	return registry
}

// newDrafters returns templates first and the language model second. The
// template drafter is also returned so it can be watched.
func newDrafters(cfg *config.Config, registry *tools.Registry, history store.HistoryStore, logger *slog.Logger) (*agent.TemplateDrafter, []agent.Drafter, error) {
	var drafters []agent.Drafter

	var templates *agent.TemplateDrafter
	if cfg.Planner.Templates != "" {
		td, err := agent.NewTemplateDrafter(cfg.Planner.Templates, logger)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("no plan templates found", "path", cfg.Planner.Templates)
		case err != nil:
			return nil, nil, err
		default:
			templates = td
			drafters = append(drafters, td)
		}
	}

	name, pc := cfg.GetDefaultProvider()
	if name == "" {
		logger.Warn("no language model provider enabled, only templates can draft plans")
		return templates, drafters, nil
	}

	var llm llms.Model
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pc.APIKey),
			openai.WithModel(pc.Model),
		}
		if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", name, err)
		}
		llm = model
	default:
		return nil, nil, fmt.Errorf("provider %s is not supported", name)
	}

	prompts := agent.NewPromptManager(cfg.Planner.Prompts)
	drafters = append(drafters, agent.NewPlannerBrain(llm, registry, history, prompts, logger))
	return templates, drafters, nil
}

func newMessengers(cfg *config.Config, logger *slog.Logger) []gateway.Messenger {
	var out []gateway.Messenger
	if gc, ok := cfg.GetGatewayConfig("telegram"); ok {
		tg, err := gateway.NewTelegramGateway(gc.Token, logger)
		if err != nil {
			logger.Error("telegram gateway disabled", "error", err)
		} else {
			out = append(out, tg)
		}
	}
	if gc, ok := cfg.GetGatewayConfig("discord"); ok {
		dg, err := gateway.NewDiscordGateway(gc.Token, logger)
		if err != nil {
			logger.Error("discord gateway disabled", "error", err)
		} else {
			out = append(out, dg)
		}
	}
	return out
}
