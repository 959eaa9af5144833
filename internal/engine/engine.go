package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/retry"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/telemetry"
	"github.com/rahul/steward/internal/tools"
)

var (
	ErrAlreadyCompleted = errors.New("tool run already completed")
	ErrAlreadyRunning   = errors.New("session already has a live run")
)

const DefaultEventBuffer = 64

// Publisher receives progress events. *events.Broadcaster satisfies it.
type Publisher interface {
	Publish(userID, sessionID string, ev events.Event) int
}

// Options wires the engine's collaborators. Publisher and Telemetry may be nil.
type Options struct {
	Publisher   Publisher
	Telemetry   *telemetry.Aggregator
	Retry       retry.Policy
	EventBuffer int
	Logger      *slog.Logger
}

// Engine runs plans step by step against registered tool handlers.
type Engine struct {
	Registry  *tools.Registry
	Gateway   store.Gateway
	Publisher Publisher
	Telemetry *telemetry.Aggregator
	Retry     retry.Policy

	buffer int
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	live map[string]string // session id -> run id
}

func New(registry *tools.Registry, gateway store.Gateway, opts Options) *Engine {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Engine{
		Registry:  registry,
		Gateway:   gateway,
		Publisher: opts.Publisher,
		Telemetry: opts.Telemetry,
		Retry:     opts.Retry,
		buffer:    opts.EventBuffer,
		logger:    opts.Logger.With("component", "engine"),
		now:       time.Now,
		live:      map[string]string{},
	}
}

// Running reports whether the session has a live run.
func (e *Engine) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[sessionID]
	return ok
}

func (e *Engine) acquire(sessionID, runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.live[sessionID]; ok {
		return false
	}
	e.live[sessionID] = runID
	return true
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.live, sessionID)
	e.mu.Unlock()
}

// Execute runs p to a terminal state and returns the finished run. Steps run
// strictly in order; a terminal failure aborts the rest. The user's stop
// signal (ec.Stop) is honoured at step boundaries and during retry backoff.
//
// The returned error is nil whenever the run reached a terminal state and was
// persisted, even if the run itself failed. It is ErrAlreadyCompleted or
// ErrAlreadyRunning when the run was rejected without side effects, and wraps
// store.ErrPersistence when the final record could not be written.
func (e *Engine) Execute(ctx context.Context, ec tools.ExecutionContext, p *plan.Plan, run *store.ToolRun) (*store.ToolRun, error) {
	if run.Status.Terminal() {
		return run, ErrAlreadyCompleted
	}
	if !e.acquire(ec.SessionID, run.ID) {
		return run, ErrAlreadyRunning
	}
	defer e.release(ec.SessionID)

	x := &execution{
		e:      e,
		ec:     ec,
		plan:   p,
		run:    run,
		logger: e.logger.With("session_id", ec.SessionID, "plan_id", p.ID, "run_id", run.ID),
	}
	return x.execute(ctx)
}

// execution is the state of one Execute call. It is confined to the engine
// goroutine; the sink only sees copies.
type execution struct {
	e      *Engine
	ec     tools.ExecutionContext
	plan   *plan.Plan
	run    *store.ToolRun
	logger *slog.Logger
	sink   *sink
}

func (x *execution) execute(ctx context.Context) (*store.ToolRun, error) {
	start := x.e.now()
	x.sink = newSink(ctx, x.e, x.ec, x.logger)
	if x.run.Outputs == nil {
		x.run.Outputs = map[string]json.RawMessage{}
	}
	x.run.Status = store.RunRunning
	x.run.StartedAt = &start
	x.run.UpdatedAt = start

	x.emit(record{
		event:    events.Event{Type: events.PlanStarted, Message: x.plan.Title},
		action:   store.ActionPlanStarted,
		status:   string(store.RunRunning),
		snapshot: true,
	})

	steps := append([]plan.Step(nil), x.plan.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	final := store.RunSucceeded
	var finalErr string
	for i, step := range steps {
		if x.ec.Cancelled() {
			final = store.RunCancelled
			finalErr = fmt.Sprintf("cancelled before step %s", step.ID)
			break
		}
		status, err := x.runStep(ctx, i, len(steps), step)
		if status == store.RunSucceeded {
			continue
		}
		final = status
		if err != nil {
			finalErr = fmt.Sprintf("step %s: %v", step.ID, err)
		}
		break
	}
	if final == store.RunSucceeded && x.ec.Cancelled() {
		// Stop arrived while the last step was in flight.
		final = store.RunCancelled
		finalErr = "cancelled during the last step"
	}

	return x.finish(ctx, start, final, finalErr)
}

// runStep executes one step, retrying transient failures on the same SubRun.
func (x *execution) runStep(ctx context.Context, index, total int, step plan.Step) (store.RunStatus, error) {
	policy := x.e.Retry
	x.run.SubRuns = append(x.run.SubRuns, store.SubRun{
		StepID:     step.ID,
		Status:     store.RunRunning,
		StartedAt:  x.e.now(),
		MaxRetries: policy.MaxRetries,
	})
	sub := &x.run.SubRuns[len(x.run.SubRuns)-1]

	x.emit(record{
		event: events.Event{
			Type:    events.StepStarted,
			StepID:  step.ID,
			SkillID: step.ToolID,
			Percent: events.Percent(index * 100 / total),
			Label:   step.Action,
			Message: step.Description,
		},
		action: store.ActionStepStarted,
		status: string(store.RunRunning),
	})

	handler, err := x.e.Registry.Get(step.ToolID)
	if err != nil {
		return x.stepFailed(sub, step, store.RunFailed, err)
	}
	args, err := plan.ResolveRefs(step.Args, x.run.Outputs)
	if err != nil {
		return x.stepFailed(sub, step, store.RunFailed, err)
	}
	step.Args = args

	for {
		began := x.e.now()
		out, err := x.invoke(ctx, handler, step)
		if err == nil {
			return x.stepSucceeded(sub, step, out, x.e.now().Sub(began))
		}

		kind := tools.Classify(err)
		switch {
		case kind == tools.KindCancelled:
			return x.stepFailed(sub, step, store.RunCancelled, err)
		case !kind.Transient():
			return x.stepFailed(sub, step, store.RunFailed, err)
		case sub.RetryCount >= policy.MaxRetries:
			return x.stepFailed(sub, step, store.RunFailed, fmt.Errorf("retries exhausted after %d attempts: %w", sub.RetryCount+1, err))
		}

		sub.RetryCount++
		wait := policy.Backoff(sub.RetryCount)
		x.logger.Warn("transient step failure, retrying", "step_id", step.ID, "kind", kind, "attempt", sub.RetryCount, "wait", wait, "error", err)
		x.emit(record{
			event: events.Event{
				Type:    events.StepProgress,
				StepID:  step.ID,
				SkillID: step.ToolID,
				Label:   "retry",
				Message: fmt.Sprintf("retrying in %s", wait.Round(time.Millisecond)),
				Error:   err.Error(),
				Attempt: sub.RetryCount,
			},
			action: store.ActionStepRetry,
			status: string(kind),
			err:    err.Error(),
		})
		if !retry.Sleep(ctx, wait, x.ec.Stop) {
			if x.ec.Cancelled() {
				return x.stepFailed(sub, step, store.RunCancelled, tools.ErrCancelled)
			}
			return x.stepFailed(sub, step, store.RunFailed, fmt.Errorf("retry interrupted: %w", ctx.Err()))
		}
	}
}

// invoke calls the handler, turning a panic into a terminal failure.
func (x *execution) invoke(ctx context.Context, h tools.Handler, step plan.Step) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("tool handler panicked", "step_id", step.ID, "tool", step.ToolID, "panic", r)
			out, err = nil, tools.Terminal(fmt.Errorf("handler panic: %v", r))
		}
	}()

	ec := x.ec
	ec.Outputs = make(map[string]json.RawMessage, len(x.run.Outputs))
	for k, v := range x.run.Outputs {
		ec.Outputs[k] = v
	}
	progress := &progressReporter{x: x, step: step}
	defer progress.stop()
	ec.Progress = progress.report

	return h.Execute(ctx, step, ec)
}

func (x *execution) stepSucceeded(sub *store.SubRun, step plan.Step, out json.RawMessage, took time.Duration) (store.RunStatus, error) {
	now := x.e.now()
	sub.Status = store.RunSucceeded
	sub.FinishedAt = &now
	sub.OutputRef = x.run.ID + "/" + step.ID
	x.run.Outputs[step.ID] = out
	x.run.UpdatedAt = now

	x.emit(record{
		event: events.Event{
			Type:     events.StepSucceeded,
			StepID:   step.ID,
			SkillID:  step.ToolID,
			Percent:  events.Percent(100 * len(x.run.SubRuns) / max(len(x.plan.Steps), 1)),
			Label:    step.Action,
			Message:  step.Description,
			Attempt:  sub.RetryCount,
			Duration: took.Round(time.Millisecond).String(),
		},
		action:   store.ActionStepSucceeded,
		status:   string(store.RunSucceeded),
		snapshot: true,
	})
	return store.RunSucceeded, nil
}

func (x *execution) stepFailed(sub *store.SubRun, step plan.Step, status store.RunStatus, err error) (store.RunStatus, error) {
	now := x.e.now()
	sub.Status = status
	sub.FinishedAt = &now
	sub.Error = err.Error()
	x.run.UpdatedAt = now

	x.logger.Warn("step did not succeed", "step_id", step.ID, "status", status, "error", err)
	x.emit(record{
		event: events.Event{
			Type:    events.StepFailed,
			StepID:  step.ID,
			SkillID: step.ToolID,
			Label:   step.Action,
			Message: step.Description,
			Error:   err.Error(),
			Attempt: sub.RetryCount,
		},
		action:   store.ActionStepFailed,
		status:   string(status),
		err:      err.Error(),
		snapshot: true,
	})
	return status, err
}

// finish closes the run, drains the sink and persists the final record.
func (x *execution) finish(ctx context.Context, start time.Time, status store.RunStatus, errMsg string) (*store.ToolRun, error) {
	now := x.e.now()
	x.run.Status = status
	x.run.FinishedAt = &now
	x.run.UpdatedAt = now
	x.run.Error = errMsg
	took := now.Sub(start).Round(time.Millisecond).String()

	rec := record{
		event:  events.Event{Duration: took, Error: errMsg, Message: x.plan.Title},
		status: string(status),
		err:    errMsg,
	}
	switch status {
	case store.RunSucceeded:
		rec.event.Type, rec.action = events.PlanCompleted, store.ActionPlanCompleted
		rec.event.Percent = events.Percent(100)
	case store.RunCancelled:
		rec.event.Type, rec.action = events.PlanCancelled, store.ActionPlanCancelled
	default:
		rec.event.Type, rec.action = events.PlanFailed, store.ActionPlanFailed
	}
	x.emit(rec)
	x.sink.close()

	final := x.run.Clone()
	err := x.e.Retry.Do(ctx, nil, func() error {
		return x.e.Gateway.AddToolRun(ctx, final)
	})
	if err != nil {
		x.logger.Error("failed to persist final tool run", "status", status, "error", err)
		return x.run, fmt.Errorf("%w: final tool run %s: %v", store.ErrPersistence, x.run.ID, err)
	}
	x.logger.Info("plan finished", "status", status, "steps", len(x.run.SubRuns), "duration", took)
	return x.run, nil
}

func (x *execution) emit(rec record) {
	ts := x.e.now()
	rec.event.SessionID = x.ec.SessionID
	rec.event.PlanID = x.plan.ID
	rec.event.UserID = x.ec.UserID
	rec.event.Timestamp = ts
	if rec.snapshot {
		rec.run = x.run.Clone()
	}
	x.sink.push(rec)
}

// progressReporter lets a handler report partial progress while its step is
// in flight. Reports after the step returned are discarded.
type progressReporter struct {
	x    *execution
	step plan.Step

	mu   sync.Mutex
	done bool
}

func (p *progressReporter) report(percent int, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.x.emit(record{
		event: events.Event{
			Type:    events.StepProgress,
			StepID:  p.step.ID,
			SkillID: p.step.ToolID,
			Percent: events.Percent(percent),
			Label:   label,
			Message: p.step.Description,
		},
		action: store.ActionStepProgress,
		status: string(store.RunRunning),
		msg:    label,
	})
}

func (p *progressReporter) stop() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}
