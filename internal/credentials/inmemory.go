package credentials

import (
	"context"
	"strings"
	"sync"
)

// InMemoryStore keeps the pair in process memory. It is the default for
// tests and for clients that re-authenticate on every start.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: make(map[string]string)}
}

func (s *InMemoryStore) Get(_ context.Context) (Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Pair{}, ErrStoreClosed
	}
	return Pair{Access: s.values[AccessKey], Refresh: s.values[RefreshKey]}, nil
}

func (s *InMemoryStore) Set(_ context.Context, pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.putLocked(AccessKey, pair.Access)
	s.putLocked(RefreshKey, pair.Refresh)
	return nil
}

func (s *InMemoryStore) SetAccess(_ context.Context, access string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.putLocked(AccessKey, access)
	return nil
}

func (s *InMemoryStore) Rotate(_ context.Context, exchanged string, next Pair) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	current := s.values[RefreshKey]
	if current == "" || current != strings.TrimSpace(exchanged) {
		return false, nil
	}
	s.putLocked(AccessKey, next.Access)
	if strings.TrimSpace(next.Refresh) != "" {
		s.putLocked(RefreshKey, next.Refresh)
	}
	return true, nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.values, AccessKey)
	delete(s.values, RefreshKey)
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) putLocked(key, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		delete(s.values, key)
		return
	}
	s.values[key] = value
}
