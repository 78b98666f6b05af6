// Package session holds per-user conversational state that is not part of a
// case: the responder's focused case and pending input prompts.
package session

import (
	"context"
	"sync"
)

// Registry maps a user id to a single string value, typically a case id.
// Entries are advisory; callers re-validate them before use.
type Registry interface {
	Get(ctx context.Context, userID int64) (string, bool, error)
	Set(ctx context.Context, userID int64, value string) error
	Clear(ctx context.Context, userID int64) error
	// ClearIf removes the entry only while it still equals value.
	ClearIf(ctx context.Context, userID int64, value string) (bool, error)
}

// MemoryRegistry is a lock-protected in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[int64]string
}

func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[int64]string)}
}

func (r *MemoryRegistry) Get(_ context.Context, userID int64) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[userID]
	return v, ok, nil
}

func (r *MemoryRegistry) Set(_ context.Context, userID int64, value string) error {
	r.mu.Lock()
	r.entries[userID] = value
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Clear(_ context.Context, userID int64) error {
	r.mu.Lock()
	delete(r.entries, userID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) ClearIf(_ context.Context, userID int64, value string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[userID]; ok && cur == value {
		delete(r.entries, userID)
		return true, nil
	}
	return false, nil
}

// Len reports the number of live entries.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
