package store

import (
	"context"
	"errors"

	"github.com/tmc/langchaingo/llms"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrPersistence = errors.New("persistence failure")
)

// Gateway is the append-only persistence surface used by the controller and
// the engine. Every call succeeds or fails as a whole.
type Gateway interface {
	// AddSession records the latest snapshot of a session.
	AddSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error)

	// AddToolRun records the latest snapshot of a tool run.
	AddToolRun(ctx context.Context, run *ToolRun) error
	GetToolRunsBySession(ctx context.Context, sessionID string) ([]*ToolRun, error)

	AddAuditEvent(ctx context.Context, ev AuditEvent) error
	GetAuditEventsBySession(ctx context.Context, sessionID string) ([]AuditEvent, error)

	Close() error
}

// HistoryStore keeps the conversation that led to a session so drafters can
// use it as context.
type HistoryStore interface {
	AddMessage(chatID string, role string, content string) error
	GetHistory(chatID string, limit int) ([]llms.MessageContent, error)
}

func toMessage(role, content string) llms.MessageContent {
	var msgRole llms.ChatMessageType
	switch role {
	case "human":
		msgRole = llms.ChatMessageTypeHuman
	case "ai":
		msgRole = llms.ChatMessageTypeAI
	case "system":
		msgRole = llms.ChatMessageTypeSystem
	default:
		msgRole = llms.ChatMessageTypeHuman
	}
	return llms.MessageContent{
		Role:  msgRole,
		Parts: []llms.ContentPart{llms.TextPart(content)},
	}
}
