package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/steward/internal/plan"
)

func gateways(t *testing.T) map[string]Gateway {
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "steward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Gateway{
		"sqlite": sq,
		"memory": NewMemoryStore(),
	}
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:     id,
		UserID: "u1",
		Status: SessionCollecting,
		Plan: &plan.Plan{ID: "plan_1", Title: "t", Steps: []plan.Step{
			{ID: "s1", ToolID: "feasibility", Action: "run_sensitivity", Order: 1},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestGatewaySessions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, gw := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			s := newSession("s1", now)
			require.NoError(t, gw.AddSession(ctx, s))

			require.NoError(t, s.Transition(SessionConfirmed, now))
			require.NoError(t, s.Transition(SessionRunning, now))
			require.NoError(t, gw.AddSession(ctx, s))

			got, err := gw.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, SessionRunning, got.Status)
			assert.Equal(t, "run_sensitivity", got.Plan.Steps[0].Action)

			running, err := gw.ListSessionsByStatus(ctx, SessionRunning, SessionConfirmed)
			require.NoError(t, err)
			assert.Len(t, running, 1)

			_, err = gw.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGatewayToolRunsAndAudit(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, gw := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			run := NewToolRun("s1", "plan_1", base)
			require.NoError(t, gw.AddToolRun(ctx, run))

			run.Status = RunSucceeded
			run.SubRuns = append(run.SubRuns, SubRun{StepID: "a", Status: RunSucceeded, StartedAt: base, MaxRetries: 3})
			run.Outputs["a"] = []byte(`{"ok":true}`)
			require.NoError(t, gw.AddToolRun(ctx, run))

			runs, err := gw.GetToolRunsBySession(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, RunSucceeded, runs[0].Status)
			assert.Len(t, runs[0].SubRuns, 1)
			assert.JSONEq(t, `{"ok":true}`, string(runs[0].Outputs["a"]))

			actions := []string{ActionPlanStarted, ActionStepStarted, ActionStepSucceeded, ActionPlanCompleted}
			for i, a := range actions {
				require.NoError(t, gw.AddAuditEvent(ctx, AuditEvent{
					SessionID: "s1",
					Action:    a,
					Status:    "ok",
					Timestamp: base.Add(time.Duration(i) * time.Millisecond),
				}))
			}
			require.NoError(t, gw.AddAuditEvent(ctx, AuditEvent{SessionID: "other", Action: ActionPlanStarted, Timestamp: base}))

			events, err := gw.GetAuditEventsBySession(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, events, len(actions))
			for i, ev := range events {
				assert.Equal(t, actions[i], ev.Action)
			}
		})
	}
}

func TestSessionTransitions(t *testing.T) {
	now := time.Now()
	s := newSession("s", now)

	assert.ErrorIs(t, s.Transition(SessionRunning, now), ErrInvalidTransition)
	require.NoError(t, s.Transition(SessionConfirmed, now))
	require.NoError(t, s.Transition(SessionRunning, now))
	assert.ErrorIs(t, s.Transition(SessionCollecting, now), ErrInvalidTransition)
	require.NoError(t, s.Transition(SessionCancelled, now))
	assert.ErrorIs(t, s.Transition(SessionCancelled, now), ErrInvalidTransition)
	assert.True(t, s.Status.Terminal())
}

func TestHistory(t *testing.T) {
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer sq.Close()

	for _, h := range []HistoryStore{sq, NewMemoryStore()} {
		require.NoError(t, h.AddMessage("chat", "human", "run feasibility"))
		require.NoError(t, h.AddMessage("chat", "ai", "here is the plan"))
		hist, err := h.GetHistory("chat", 5)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, llms.ChatMessageTypeHuman, hist[0].Role)
		assert.Equal(t, llms.ChatMessageTypeAI, hist[1].Role)
	}
}
