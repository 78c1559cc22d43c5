package user

import (
	"context"
	"sync"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*User)}
}

func (r *MemoryRepository) Get(_ context.Context, userID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) Insert(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[u.UserID]; exists {
		return nil
	}
	cp := *u
	r.users[u.UserID] = &cp
	return nil
}

func (r *MemoryRepository) CountByMode(_ context.Context) (map[Mode]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Mode]int)
	for _, u := range r.users {
		counts[u.AssignedMode]++
	}
	return counts, nil
}
