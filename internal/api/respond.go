package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rahul/steward/internal/agent"
	"github.com/rahul/steward/internal/engine"
	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/governance"
	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/session"
	"github.com/rahul/steward/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{Error: msg})
}

// StatusFor maps a domain error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, engine.ErrAlreadyCompleted),
		errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, governance.ErrInsufficientRole),
		errors.Is(err, governance.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, agent.ErrUnsupportedIntent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrBadCommand),
		errors.Is(err, session.ErrInvalidEdit),
		errors.Is(err, plan.ErrUnknownStep),
		errors.Is(err, plan.ErrEmptyPlan),
		errors.Is(err, plan.ErrDuplicateStep),
		errors.Is(err, events.ErrMissingKey):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrShuttingDown),
		errors.Is(err, events.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	WriteError(w, StatusFor(err), err.Error())
}
