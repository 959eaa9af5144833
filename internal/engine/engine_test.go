package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/retry"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/telemetry"
	"github.com/rahul/steward/internal/tools"
)

// funcHandler adapts a function to tools.Handler.
type funcHandler struct {
	name string
	fn   func(ctx context.Context, step plan.Step, ec tools.ExecutionContext) (json.RawMessage, error)
}

func (h funcHandler) Name() string               { return h.name }
func (h funcHandler) Description() string        { return "test handler " + h.name }
func (h funcHandler) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (h funcHandler) Execute(ctx context.Context, step plan.Step, ec tools.ExecutionContext) (json.RawMessage, error) {
	return h.fn(ctx, step, ec)
}

func ok(out string) funcHandler {
	return funcHandler{name: "ok", fn: func(context.Context, plan.Step, tools.ExecutionContext) (json.RawMessage, error) {
		return json.RawMessage(out), nil
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_, _ string, ev events.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return 1
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(t events.Type) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}

type harness struct {
	engine   *Engine
	registry *tools.Registry
	store    *store.MemoryStore
	rec      *recorder
}

func newHarness(t *testing.T, handlers ...tools.Handler) *harness {
	t.Helper()
	reg := tools.NewRegistry()
	for _, h := range handlers {
		reg.Register(h)
	}
	mem := store.NewMemoryStore()
	rec := &recorder{}
	e := New(reg, mem, Options{
		Publisher: rec,
		Retry:     retry.Policy{MaxRetries: 3, BaseWait: time.Millisecond, MaxWait: 2 * time.Millisecond},
	})
	return &harness{engine: e, registry: reg, store: mem, rec: rec}
}

func makePlan(steps ...plan.Step) *plan.Plan {
	p := &plan.Plan{ID: "plan_1", Title: "test plan", Steps: steps}
	p.Normalize()
	return p
}

func execCtx(stop <-chan struct{}) tools.ExecutionContext {
	return tools.ExecutionContext{UserID: "u1", SessionID: "s1", PlanID: "plan_1", Stop: stop}
}

func (h *harness) run(t *testing.T, p *plan.Plan, stop <-chan struct{}) (*store.ToolRun, error) {
	t.Helper()
	run := store.NewToolRun("s1", p.ID, time.Now())
	return h.engine.Execute(context.Background(), execCtx(stop), p, run)
}

func TestSingleStepScenario(t *testing.T) {
	h := newHarness(t, funcHandler{name: "feasibility", fn: func(_ context.Context, step plan.Step, _ tools.ExecutionContext) (json.RawMessage, error) {
		assert.Equal(t, "run_sensitivity", step.Action)
		return json.RawMessage(`{"npv":120000}`), nil
	}})
	p := makePlan(plan.Step{ToolID: "feasibility", Action: "run_sensitivity"})

	run, err := h.run(t, p, nil)
	require.NoError(t, err)

	assert.Equal(t, []events.Type{events.PlanStarted, events.StepStarted, events.StepSucceeded, events.PlanCompleted}, h.rec.types())
	assert.Equal(t, store.RunSucceeded, run.Status)
	require.Len(t, run.SubRuns, 1)
	assert.Equal(t, store.RunSucceeded, run.SubRuns[0].Status)
	assert.Equal(t, run.ID+"/step_1", run.SubRuns[0].OutputRef)
	assert.JSONEq(t, `{"npv":120000}`, string(run.Outputs["step_1"]))

	runs, err := h.store.GetToolRunsBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunSucceeded, runs[0].Status)
	assert.False(t, h.engine.Running("s1"))
}

func TestAllStepsSucceed(t *testing.T) {
	h := newHarness(t, ok(`{}`))
	p := makePlan(
		plan.Step{ToolID: "ok", Action: "a"},
		plan.Step{ToolID: "ok", Action: "b"},
		plan.Step{ToolID: "ok", Action: "c"},
	)
	run, err := h.run(t, p, nil)
	require.NoError(t, err)

	require.Len(t, run.SubRuns, 3)
	for _, sub := range run.SubRuns {
		assert.Equal(t, store.RunSucceeded, sub.Status)
	}
	assert.Equal(t, 1, h.rec.count(events.PlanStarted))
	assert.Equal(t, 1, h.rec.count(events.PlanCompleted))
	types := h.rec.types()
	assert.Equal(t, events.PlanStarted, types[0])
	assert.Equal(t, events.PlanCompleted, types[len(types)-1])

	for i := 1; i < len(run.SubRuns); i++ {
		prev, next := run.SubRuns[i-1], run.SubRuns[i]
		require.NotNil(t, prev.FinishedAt)
		assert.False(t, next.StartedAt.Before(*prev.FinishedAt), "step %d started before step %d finished", i+1, i)
	}
}

func TestTerminalFailureAbortsRemainingSteps(t *testing.T) {
	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("fail at step %d", k), func(t *testing.T) {
			failing := fmt.Sprintf("step_%d", k)
			h := newHarness(t, funcHandler{name: "calc", fn: func(_ context.Context, step plan.Step, _ tools.ExecutionContext) (json.RawMessage, error) {
				if step.ID == failing {
					return nil, tools.Terminal(errors.New("model rejected inputs"))
				}
				return json.RawMessage(`{}`), nil
			}})
			p := makePlan(
				plan.Step{ToolID: "calc", Action: "x"},
				plan.Step{ToolID: "calc", Action: "y"},
				plan.Step{ToolID: "calc", Action: "z"},
			)
			run, err := h.run(t, p, nil)
			require.NoError(t, err)

			assert.Equal(t, store.RunFailed, run.Status)
			require.Len(t, run.SubRuns, k)
			assert.Equal(t, store.RunFailed, run.SubRuns[k-1].Status)
			assert.Contains(t, run.SubRuns[k-1].Error, "model rejected inputs")
			assert.Equal(t, 0, h.rec.count(events.PlanCompleted))
			assert.Equal(t, 1, h.rec.count(events.StepFailed))
			assert.Equal(t, 1, h.rec.count(events.PlanFailed))
		})
	}
}

func TestTransientFailureRetriesOnSameSubRun(t *testing.T) {
	const failures = 2
	attempts := 0
	h := newHarness(t, funcHandler{name: "flaky", fn: func(context.Context, plan.Step, tools.ExecutionContext) (json.RawMessage, error) {
		attempts++
		if attempts <= failures {
			return nil, tools.Transient(tools.KindRateLimited, errors.New("429"))
		}
		return json.RawMessage(`"done"`), nil
	}})
	run, err := h.run(t, makePlan(plan.Step{ToolID: "flaky", Action: "go"}), nil)
	require.NoError(t, err)

	require.Len(t, run.SubRuns, 1)
	assert.Equal(t, store.RunSucceeded, run.SubRuns[0].Status)
	assert.Equal(t, failures, run.SubRuns[0].RetryCount)
	assert.Equal(t, failures, h.rec.count(events.StepProgress))

	audit, err := h.store.GetAuditEventsBySession(context.Background(), "s1")
	require.NoError(t, err)
	retries := 0
	for _, ev := range audit {
		if ev.Action == store.ActionStepRetry {
			retries++
		}
	}
	assert.Equal(t, failures, retries)
}

func TestRetriesExhaustedBecomesTerminal(t *testing.T) {
	h := newHarness(t, funcHandler{name: "down", fn: func(context.Context, plan.Step, tools.ExecutionContext) (json.RawMessage, error) {
		return nil, tools.Transient(tools.KindTimeout, context.DeadlineExceeded)
	}})
	run, err := h.run(t, makePlan(plan.Step{ToolID: "down", Action: "go"}, plan.Step{ToolID: "down", Action: "never"}), nil)
	require.NoError(t, err)

	assert.Equal(t, store.RunFailed, run.Status)
	require.Len(t, run.SubRuns, 1)
	assert.Equal(t, 3, run.SubRuns[0].RetryCount)
	assert.Equal(t, run.SubRuns[0].MaxRetries, run.SubRuns[0].RetryCount)
	assert.Contains(t, run.SubRuns[0].Error, "retries exhausted")
}

func TestCancelBetweenSteps(t *testing.T) {
	stop := make(chan struct{})
	h := newHarness(t, funcHandler{name: "slow", fn: func(_ context.Context, step plan.Step, _ tools.ExecutionContext) (json.RawMessage, error) {
		if step.ID == "step_1" {
			close(stop) // the user cancels while step 1 is in flight
		}
		return json.RawMessage(`{}`), nil
	}})
	p := makePlan(plan.Step{ToolID: "slow", Action: "a"}, plan.Step{ToolID: "slow", Action: "b"}, plan.Step{ToolID: "slow", Action: "c"})

	run, err := h.run(t, p, stop)
	require.NoError(t, err)

	assert.Equal(t, store.RunCancelled, run.Status)
	require.Len(t, run.SubRuns, 1)
	assert.Equal(t, store.RunSucceeded, run.SubRuns[0].Status)
	assert.Equal(t, 1, h.rec.count(events.PlanCancelled))
	assert.Equal(t, 0, h.rec.count(events.PlanCompleted))
	assert.Equal(t, 0, h.rec.count(events.PlanFailed))
}

func TestCancelDuringLastStep(t *testing.T) {
	stop := make(chan struct{})
	h := newHarness(t, funcHandler{name: "slow", fn: func(_ context.Context, step plan.Step, _ tools.ExecutionContext) (json.RawMessage, error) {
		if step.ID == "step_2" {
			close(stop)
		}
		return json.RawMessage(`{}`), nil
	}})
	p := makePlan(plan.Step{ToolID: "slow", Action: "a"}, plan.Step{ToolID: "slow", Action: "b"})

	run, err := h.run(t, p, stop)
	require.NoError(t, err)

	assert.Equal(t, store.RunCancelled, run.Status)
	require.Len(t, run.SubRuns, 2)
	assert.Equal(t, store.RunSucceeded, run.SubRuns[1].Status)
	assert.Equal(t, 1, h.rec.count(events.PlanCancelled))
	assert.Equal(t, 0, h.rec.count(events.PlanCompleted))
}

func TestZeroRetryPolicyDefaults(t *testing.T) {
	e := New(tools.NewRegistry(), store.NewMemoryStore(), Options{})
	assert.Equal(t, retry.DefaultPolicy(), e.Retry)
	assert.Equal(t, 3, e.Retry.MaxRetries)
}

func TestHandlerObservesCancellation(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	h := newHarness(t, funcHandler{name: "watcher", fn: func(_ context.Context, _ plan.Step, ec tools.ExecutionContext) (json.RawMessage, error) {
		if ec.Cancelled() {
			return nil, tools.ErrCancelled
		}
		return json.RawMessage(`{}`), nil
	}})
	// Stop is closed before the run begins, so the first boundary check wins.
	run, err := h.run(t, makePlan(plan.Step{ToolID: "watcher", Action: "a"}), stop)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	assert.Empty(t, run.SubRuns)

	stop2 := make(chan struct{})
	h2 := newHarness(t, funcHandler{name: "watcher", fn: func(_ context.Context, _ plan.Step, ec tools.ExecutionContext) (json.RawMessage, error) {
		close(stop2)
		if ec.Cancelled() {
			return nil, tools.ErrCancelled
		}
		return json.RawMessage(`{}`), nil
	}})
	run, err = h2.run(t, makePlan(plan.Step{ToolID: "watcher", Action: "a"}), stop2)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	require.Len(t, run.SubRuns, 1)
	assert.Equal(t, store.RunCancelled, run.SubRuns[0].Status)
}

func TestAlreadyCompleted(t *testing.T) {
	h := newHarness(t, ok(`{}`))
	p := makePlan(plan.Step{ToolID: "ok", Action: "a"})
	run := store.NewToolRun("s1", p.ID, time.Now())
	run.Status = store.RunSucceeded

	got, err := h.engine.Execute(context.Background(), execCtx(nil), p, run)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Empty(t, got.SubRuns)
	assert.Empty(t, h.rec.types())

	runs, err := h.store.GetToolRunsBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOneLiveRunPerSession(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, funcHandler{name: "block", fn: func(context.Context, plan.Step, tools.ExecutionContext) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`{}`), nil
	}})
	p := makePlan(plan.Step{ToolID: "block", Action: "a"})

	done := make(chan error, 1)
	go func() {
		_, err := h.run(t, p, nil)
		done <- err
	}()
	<-entered
	assert.True(t, h.engine.Running("s1"))

	_, err := h.engine.Execute(context.Background(), execCtx(nil), p, store.NewToolRun("s1", p.ID, time.Now()))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.engine.Running("s1"))
}

func TestHandlerPanicIsTerminal(t *testing.T) {
	h := newHarness(t, funcHandler{name: "boom", fn: func(context.Context, plan.Step, tools.ExecutionContext) (json.RawMessage, error) {
		panic("nil map")
	}})
	run, err := h.run(t, makePlan(plan.Step{ToolID: "boom", Action: "a"}), nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	require.Len(t, run.SubRuns, 1)
	assert.Equal(t, 0, run.SubRuns[0].RetryCount)
	assert.Contains(t, run.SubRuns[0].Error, "handler panic")
}

func TestUnknownToolFailsStep(t *testing.T) {
	h := newHarness(t)
	run, err := h.run(t, makePlan(plan.Step{ToolID: "missing", Action: "a"}), nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	require.Len(t, run.SubRuns, 1)
	assert.Contains(t, run.SubRuns[0].Error, "unknown tool")
}

func TestOutputsFlowToLaterSteps(t *testing.T) {
	h := newHarness(t, funcHandler{name: "calc", fn: func(_ context.Context, step plan.Step, ec tools.ExecutionContext) (json.RawMessage, error) {
		if step.ID == "step_1" {
			return json.RawMessage(`{"npv":42}`), nil
		}
		assert.Contains(t, ec.Outputs, "step_1")
		return step.Args, nil
	}})
	p := makePlan(
		plan.Step{ToolID: "calc", Action: "run"},
		plan.Step{ToolID: "calc", Action: "report", Args: json.RawMessage(`{"input":{"$ref":"step_1"},"format":"pdf"}`)},
	)
	run, err := h.run(t, p, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"input":{"npv":42},"format":"pdf"}`, string(run.Outputs["step_2"]))
}

func TestHandlerProgressIsPublished(t *testing.T) {
	h := newHarness(t, funcHandler{name: "long", fn: func(_ context.Context, _ plan.Step, ec tools.ExecutionContext) (json.RawMessage, error) {
		ec.Report(50, "halfway")
		return json.RawMessage(`{}`), nil
	}})
	_, err := h.run(t, makePlan(plan.Step{ToolID: "long", Action: "a"}), nil)
	require.NoError(t, err)

	assert.Equal(t, []events.Type{events.PlanStarted, events.StepStarted, events.StepProgress, events.StepSucceeded, events.PlanCompleted}, h.rec.types())
	h.rec.mu.Lock()
	progress := h.rec.events[2]
	h.rec.mu.Unlock()
	require.NotNil(t, progress.Percent)
	assert.Equal(t, 50, *progress.Percent)
	assert.Equal(t, "halfway", progress.Label)
}

func TestAuditTrailFollowsStepOrder(t *testing.T) {
	h := newHarness(t, ok(`{}`))
	_, err := h.run(t, makePlan(plan.Step{ToolID: "ok", Action: "a"}, plan.Step{ToolID: "ok", Action: "b"}), nil)
	require.NoError(t, err)

	audit, err := h.store.GetAuditEventsBySession(context.Background(), "s1")
	require.NoError(t, err)
	var actions []string
	for _, ev := range audit {
		actions = append(actions, ev.Action)
		assert.Equal(t, "u1", ev.UserID)
	}
	assert.Equal(t, []string{
		store.ActionPlanStarted,
		store.ActionStepStarted, store.ActionStepSucceeded,
		store.ActionStepStarted, store.ActionStepSucceeded,
		store.ActionPlanCompleted,
	}, actions)
}

func TestNoSubscribersDoesNotBlock(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(ok(`{}`))
	b := events.NewBroadcaster(events.Options{Buffer: 1})
	e := New(reg, store.NewMemoryStore(), Options{Publisher: b})

	p := makePlan(plan.Step{ToolID: "ok", Action: "a"}, plan.Step{ToolID: "ok", Action: "b"})
	done := make(chan *store.ToolRun, 1)
	go func() {
		run, _ := e.Execute(context.Background(), execCtx(nil), p, store.NewToolRun("s1", p.ID, time.Now()))
		done <- run
	}()
	select {
	case run := <-done:
		assert.Equal(t, store.RunSucceeded, run.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("execution blocked on the broadcaster")
	}
}

// flakyStore fails selected writes.
type flakyStore struct {
	*store.MemoryStore
	finalErr bool
	auditErr bool
}

func (f *flakyStore) AddToolRun(ctx context.Context, run *store.ToolRun) error {
	if f.finalErr && run.Status.Terminal() {
		return errors.New("disk full")
	}
	return f.MemoryStore.AddToolRun(ctx, run)
}

func (f *flakyStore) AddAuditEvent(ctx context.Context, ev store.AuditEvent) error {
	if f.auditErr {
		return errors.New("disk full")
	}
	return f.MemoryStore.AddAuditEvent(ctx, ev)
}

func TestFinalPersistFailureIsReported(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(ok(`{}`))
	gw := &flakyStore{MemoryStore: store.NewMemoryStore(), finalErr: true}
	e := New(reg, gw, Options{Retry: retry.Policy{MaxRetries: 1, BaseWait: time.Millisecond}})

	p := makePlan(plan.Step{ToolID: "ok", Action: "a"})
	run, err := e.Execute(context.Background(), execCtx(nil), p, store.NewToolRun("s1", p.ID, time.Now()))
	assert.ErrorIs(t, err, store.ErrPersistence)
	assert.Equal(t, store.RunSucceeded, run.Status)
}

func TestAuditFailureDoesNotStopRun(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(ok(`{}`))
	gw := &flakyStore{MemoryStore: store.NewMemoryStore(), auditErr: true}
	e := New(reg, gw, Options{Retry: retry.Policy{MaxRetries: 1, BaseWait: time.Millisecond}})

	p := makePlan(plan.Step{ToolID: "ok", Action: "a"}, plan.Step{ToolID: "ok", Action: "b"})
	run, err := e.Execute(context.Background(), execCtx(nil), p, store.NewToolRun("s1", p.ID, time.Now()))
	require.NoError(t, err)
	require.Len(t, run.SubRuns, 2)
	assert.Equal(t, store.RunSucceeded, run.Status)

	audit, err := gw.GetAuditEventsBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestTelemetryCheckpoints(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(ok(`{}`))
	agg := telemetry.NewAggregator(10)
	e := New(reg, store.NewMemoryStore(), Options{Telemetry: agg})

	p := makePlan(plan.Step{ToolID: "ok", Action: "a"})
	agg.Mark(p.ID, telemetry.RequestSent, time.Now())
	_, err := e.Execute(context.Background(), execCtx(nil), p, store.NewToolRun("s1", p.ID, time.Now()))
	require.NoError(t, err)

	snap := agg.Snapshot()
	assert.Equal(t, 1, snap[telemetry.TimeToFirstStatus].Count)
	assert.Equal(t, 1, snap[telemetry.TimeToPlanComplete].Count)
}
