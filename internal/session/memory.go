package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository implements Repository with in-process maps. Used by tests.
type MemoryRepository struct {
	mu              sync.RWMutex
	sessions        map[string]*Session
	messages        map[string][]*Message
	classifications map[string]*Classification
	clarifyTurns    map[string][]*ClarifyTurn
	summaries       map[string]*Summary
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:        make(map[string]*Session),
		messages:        make(map[string][]*Message),
		classifications: make(map[string]*Classification),
		clarifyTurns:    make(map[string][]*ClarifyTurn),
		summaries:       make(map[string]*Summary),
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Stage == "" {
		s.Stage = StageNew
	}
	copied := *s
	r.sessions[s.ID] = &copied
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, userID string) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			copied := *s
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) UpdateSessionStage(_ context.Context, sessionID string, stage Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Stage = stage
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateSessionTitle(_ context.Context, sessionID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Title = title
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) DeactivateSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = false
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) CreateMessage(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	copied := *m
	r.messages[m.SessionID] = append(r.messages[m.SessionID], &copied)
	return nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, sessionID string) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := r.messages[sessionID]
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		copied := *m
		out[i] = &copied
	}
	return out, nil
}

func (r *MemoryRepository) SaveClassification(_ context.Context, c *Classification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	copied := *c
	r.classifications[c.RequestID] = &copied
	return nil
}

func (r *MemoryRepository) GetClassification(_ context.Context, requestID string) (*Classification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classifications[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *MemoryRepository) AppendClarifyTurn(_ context.Context, t *ClarifyTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	turns := r.clarifyTurns[t.RequestID]
	for i, existing := range turns {
		if existing.TurnNumber == t.TurnNumber {
			copied := *t
			turns[i] = &copied
			return nil
		}
	}
	copied := *t
	r.clarifyTurns[t.RequestID] = append(turns, &copied)
	return nil
}

func (r *MemoryRepository) ListClarifyTurns(_ context.Context, requestID string) ([]*ClarifyTurn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turns := r.clarifyTurns[requestID]
	out := make([]*ClarifyTurn, len(turns))
	for i, t := range turns {
		copied := *t
		out[i] = &copied
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnNumber < out[j].TurnNumber })
	return out, nil
}

func (r *MemoryRepository) UpsertSummary(_ context.Context, s *Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	copied := *s
	r.summaries[s.SessionID] = &copied
	return nil
}

func (r *MemoryRepository) GetSummary(_ context.Context, sessionID string) (*Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.summaries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}
