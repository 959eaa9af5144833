package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/session"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/telemetry"
)

// Sessions is the controller surface exposed over HTTP.
type Sessions interface {
	HandleNewRequest(ctx context.Context, cmd session.Command) (*session.Draft, error)
	HandleConfirm(ctx context.Context, sessionID string, actor session.Actor) (*session.Ack, error)
	HandleCancel(ctx context.Context, sessionID string, actor session.Actor) (*store.Session, error)
	HandleEdit(ctx context.Context, sessionID string, actor session.Actor, patch plan.Patch) (*plan.Preview, error)
	HandleReply(ctx context.Context, sessionID string, actor session.Actor, text string) (*store.Session, error)
	HandleDryRun(ctx context.Context, sessionID string, actor session.Actor) (*plan.Preview, error)
	Get(ctx context.Context, sessionID string) (*store.Session, error)
	AuditTrail(ctx context.Context, sessionID string) ([]store.AuditEvent, error)
	ToolRuns(ctx context.Context, sessionID string) ([]*store.ToolRun, error)
}

// EditRequest carries the acting user and the patch to apply.
type EditRequest struct {
	session.Actor
	Patch plan.Patch `json:"patch"`
}

// ReplyRequest answers an open question on a collecting session.
type ReplyRequest struct {
	session.Actor
	Text string `json:"text"`
}

type Server struct {
	Logger    *slog.Logger
	Sessions  Sessions
	Events    *events.Broadcaster
	Telemetry *telemetry.Aggregator
	AuthToken string
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	mux.HandleFunc("POST /v1/requests", s.handleNewRequest)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/sessions/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/sessions/{id}/edit", s.handleEdit)
	mux.HandleFunc("POST /v1/sessions/{id}/reply", s.handleReply)
	mux.HandleFunc("POST /v1/sessions/{id}/dryrun", s.handleDryRun)
	mux.HandleFunc("GET /v1/sessions/{id}/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/sessions/{id}/toolruns", s.handleToolRuns)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/telemetry", s.handleTelemetry)

	var h http.Handler = mux
	h = CORSMiddleware()(h)
	h = AuthMiddleware(s.AuthToken)(h)
	h = LoggingMiddleware(s.Logger)(h)
	h = RecoverMiddleware(s.Logger)(h)
	return h
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", session.ErrBadCommand, err)
	}
	return nil
}

func (s *Server) handleNewRequest(w http.ResponseWriter, r *http.Request) {
	var cmd session.Command
	if err := decode(r, &cmd); err != nil {
		writeErr(w, err)
		return
	}
	draft, err := s.Sessions.HandleNewRequest(r.Context(), cmd)
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, draft)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var actor session.Actor
	if err := decode(r, &actor); err != nil {
		writeErr(w, err)
		return
	}
	ack, err := s.Sessions.HandleConfirm(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var actor session.Actor
	if err := decode(r, &actor); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.Sessions.HandleCancel(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	pv, err := s.Sessions.HandleEdit(r.Context(), r.PathValue("id"), req.Actor, req.Patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pv)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.Sessions.HandleReply(r.Context(), r.PathValue("id"), req.Actor, req.Text)
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	var actor session.Actor
	if err := decode(r, &actor); err != nil {
		writeErr(w, err)
		return
	}
	pv, err := s.Sessions.HandleDryRun(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pv)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.Sessions.AuditTrail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, trail)
}

func (s *Server) handleToolRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Sessions.ToolRuns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.Telemetry == nil {
		WriteJSON(w, http.StatusOK, map[string]telemetry.Stats{})
		return
	}
	WriteJSON(w, http.StatusOK, s.Telemetry.Snapshot())
}

// handleStream relays progress for one (user, session) pair as server-sent
// events. The stream ends after the run's final event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub, err := s.Events.Subscribe(q.Get("user_id"), q.Get("session_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			sub.Touch()
			if ev.Type == events.KeepAlive {
				_, _ = io.WriteString(w, ": keep-alive\n\n")
				flusher.Flush()
				continue
			}
			if err := writeSSE(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()
			switch ev.Type {
			case events.PlanCompleted, events.PlanFailed, events.PlanCancelled:
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return nil
}
