package cache

import (
	"context"
	"strings"
	"sync"
)

// Store is a small key/value persistence layer. SetMany must replace all given
// keys together: a concurrent Get never observes a mix of old and new values
// where the backend can avoid it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetMany(ctx context.Context, values map[string][]byte) error
}

// InMemoryStore implements Store with a mutex-guarded map.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// SetMany stores all values under one lock.
func (s *InMemoryStore) SetMany(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.data[k] = append([]byte(nil), v...)
	}
	return nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
