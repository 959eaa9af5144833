package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/telemetry"
	"github.com/rahul/steward/internal/tools"
)

// record is one transition pushed by the engine: the progress event, the
// audit entry derived from it and, optionally, a run snapshot to persist.
type record struct {
	event    events.Event
	action   string
	status   string
	msg      string
	err      string
	snapshot bool
	run      *store.ToolRun
}

func (r record) audit() store.AuditEvent {
	msg := r.msg
	if msg == "" {
		msg = r.event.Message
	}
	return store.AuditEvent{
		SessionID: r.event.SessionID,
		StepID:    r.event.StepID,
		Status:    r.status,
		Message:   msg,
		Error:     r.err,
		UserID:    r.event.UserID,
		Action:    r.action,
		Timestamp: r.event.Timestamp,
	}
}

// sink is the single consumer of a run's records. It publishes each event,
// then writes the audit entry and any snapshot, so audit order always matches
// step order. Non-final writes are retried and then logged; they never stop
// the run.
type sink struct {
	e      *Engine
	ec     tools.ExecutionContext
	logger *slog.Logger

	ch   chan record
	wg   sync.WaitGroup
	once sync.Once
}

func newSink(ctx context.Context, e *Engine, ec tools.ExecutionContext, logger *slog.Logger) *sink {
	s := &sink{
		e:      e,
		ec:     ec,
		logger: logger,
		ch:     make(chan record, e.buffer),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

func (s *sink) push(rec record) { s.ch <- rec }

// close waits until every pushed record has been handled.
func (s *sink) close() {
	s.once.Do(func() { close(s.ch) })
	s.wg.Wait()
}

func (s *sink) loop(ctx context.Context) {
	defer s.wg.Done()
	first := true
	for rec := range s.ch {
		if s.e.Publisher != nil {
			s.e.Publisher.Publish(s.ec.UserID, s.ec.SessionID, rec.event)
		}
		s.observe(rec.event, first)
		first = false

		audit := rec.audit()
		if err := s.e.Retry.Do(ctx, nil, func() error {
			return s.e.Gateway.AddAuditEvent(ctx, audit)
		}); err != nil {
			s.logger.Error("failed to write audit event", "action", audit.Action, "step_id", audit.StepID, "error", err)
		}
		if rec.run != nil {
			if err := s.e.Retry.Do(ctx, nil, func() error {
				return s.e.Gateway.AddToolRun(ctx, rec.run)
			}); err != nil {
				s.logger.Error("failed to persist tool run snapshot", "status", rec.run.Status, "error", err)
			}
		}
	}
}

func (s *sink) observe(ev events.Event, first bool) {
	agg := s.e.Telemetry
	if agg == nil {
		return
	}
	if first {
		agg.Mark(ev.PlanID, telemetry.FirstStatusEmitted, ev.Timestamp)
	}
	switch ev.Type {
	case events.PlanCompleted:
		agg.Mark(ev.PlanID, telemetry.PlanCompleted, ev.Timestamp)
	case events.PlanFailed, events.PlanCancelled:
		agg.Forget(ev.PlanID)
	}
}
