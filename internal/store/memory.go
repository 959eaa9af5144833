package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// MemoryStore is an in-process Gateway used by tests and by the "memory"
// storage type. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	runs     map[string]*ToolRun
	runOrder []string
	audit    map[string][]AuditEvent
	messages map[string][]llms.MessageContent
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*Session{},
		runs:     map[string]*ToolRun{},
		audit:    map[string][]AuditEvent{},
		messages: map[string][]llms.MessageContent{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) AddSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, statuses ...SessionStatus) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := map[SessionStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Session
	for _, s := range m.sessions {
		if len(want) == 0 || want[s.Status] {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AddToolRun(_ context.Context, run *ToolRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.runOrder = append(m.runOrder, run.ID)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) GetToolRunsBySession(_ context.Context, sessionID string) ([]*ToolRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ToolRun
	for _, id := range m.runOrder {
		if r := m.runs[id]; r.SessionID == sessionID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) AddAuditEvent(_ context.Context, ev AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ev.ID = m.seq
	m.audit[ev.SessionID] = append(m.audit[ev.SessionID], ev)
	return nil
}

func (m *MemoryStore) GetAuditEventsBySession(_ context.Context, sessionID string) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]AuditEvent(nil), m.audit[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryStore) AddMessage(chatID string, role string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[chatID] = append(m.messages[chatID], toMessage(role, content))
	return nil
}

func (m *MemoryStore) GetHistory(chatID string, limit int) ([]llms.MessageContent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]llms.MessageContent(nil), msgs...), nil
}
