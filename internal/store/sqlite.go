package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/tmc/langchaingo/llms"
)

// Fixed-width so text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists sessions, tool runs, audit events and conversation
// history in a single SQLite database.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The pure-Go driver serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT,
			role TEXT,
			content TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE TABLE IF NOT EXISTS tool_runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_runs_session ON tool_runs(session_id);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			step_id TEXT,
			status TEXT,
			message TEXT,
			error TEXT,
			user_id TEXT,
			action TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, timestamp);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &SQLiteStore{DB: db}, nil
}

func (h *SQLiteStore) Close() error {
	return h.DB.Close()
}

func (h *SQLiteStore) AddSession(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	query := `INSERT INTO sessions (id, user_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`
	_, err = h.DB.ExecContext(ctx, query, s.ID, s.UserID, string(s.Status), string(data),
		s.CreatedAt.UTC().Format(tsLayout), s.UpdatedAt.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("%w: add session %s: %v", ErrPersistence, s.ID, err)
	}
	return nil
}

func (h *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var data string
	err := h.DB.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (h *SQLiteStore) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	query := `SELECT data FROM sessions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`
	rows, err := h.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var s Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (h *SQLiteStore) AddToolRun(ctx context.Context, run *ToolRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	query := `INSERT INTO tool_runs (id, session_id, plan_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`
	_, err = h.DB.ExecContext(ctx, query, run.ID, run.SessionID, run.PlanID, string(run.Status), string(data),
		run.CreatedAt.UTC().Format(tsLayout), run.UpdatedAt.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("%w: add tool run %s: %v", ErrPersistence, run.ID, err)
	}
	return nil
}

func (h *SQLiteStore) GetToolRunsBySession(ctx context.Context, sessionID string) ([]*ToolRun, error) {
	rows, err := h.DB.QueryContext(ctx, `SELECT data FROM tool_runs WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ToolRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run ToolRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

func (h *SQLiteStore) AddAuditEvent(ctx context.Context, ev AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	query := `INSERT INTO audit_events (session_id, step_id, status, message, error, user_id, action, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.DB.ExecContext(ctx, query, ev.SessionID, ev.StepID, ev.Status, ev.Message, ev.Error,
		ev.UserID, ev.Action, ev.Timestamp.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("%w: add audit event: %v", ErrPersistence, err)
	}
	return nil
}

func (h *SQLiteStore) GetAuditEventsBySession(ctx context.Context, sessionID string) ([]AuditEvent, error) {
	query := `SELECT id, session_id, step_id, status, message, error, user_id, action, timestamp
		FROM audit_events WHERE session_id = ? ORDER BY timestamp, id`
	rows, err := h.DB.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var stepID, status, message, errText, userID sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &stepID, &status, &message, &errText, &userID, &ev.Action, &ts); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		ev.Status = status.String
		ev.Message = message.String
		ev.Error = errText.String
		ev.UserID = userID.String
		if ev.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (h *SQLiteStore) AddMessage(chatID string, role string, content string) error {
	query := `INSERT INTO messages (chat_id, role, content) VALUES (?, ?, ?)`
	_, err := h.DB.Exec(query, chatID, role, content)
	return err
}

func (h *SQLiteStore) GetHistory(chatID string, limit int) ([]llms.MessageContent, error) {
	query := `SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.Query(query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		history = append(history, toMessage(role, content))
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	return history, rows.Err()
}
