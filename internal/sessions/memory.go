package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxMessagesPerSession bounds stored history per session. When exceeded,
// the oldest messages are trimmed; overflow recovery keeps the effective
// prompt far smaller than this anyway.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store for single-process runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]models.Message
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]models.Message{},
	}
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[id]; ok {
		clone := *session
		return &clone, nil
	}

	now := time.Now()
	session := &models.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	m.sessions[session.ID] = session
	clone := *session
	return &clone, nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, id string, msgs ...models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	for i := range msgs {
		clone := *msgs[i].Clone()
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		clone.SessionID = id
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
		m.messages[id] = append(m.messages[id], clone)
	}
	if history := m.messages[id]; len(history) > maxMessagesPerSession {
		trimmed := make([]models.Message, maxMessagesPerSession)
		copy(trimmed, history[len(history)-maxMessagesPerSession:])
		m.messages[id] = trimmed
	}
	session.UpdatedAt = now
	return nil
}

// History implements Store.
func (m *MemoryStore) History(ctx context.Context, id string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	history := m.messages[id]
	out := make([]models.Message, len(history))
	for i := range history {
		out[i] = *history[i].Clone()
	}
	return out, nil
}

// SetModelOverride implements Store.
func (m *MemoryStore) SetModelOverride(ctx context.Context, id, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.ModelOverride = model
	session.UpdatedAt = time.Now()
	return nil
}

// ModelOverride implements Store.
func (m *MemoryStore) ModelOverride(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	return session.ModelOverride, nil
}

// RecordUsage implements Store.
func (m *MemoryStore) RecordUsage(ctx context.Context, id string, usage models.Usage, costUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Usage.Add(usage)
	session.CostUSD += costUSD
	session.UpdatedAt = time.Now()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// Len implements Store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
