package store

import (
	"slices"
	"sync"
	"time"
)

// MemStore is an in-memory Store, shared by process group ranks running in the same process (e.g.: tests).
type MemStore struct {
	timeout time.Duration

	mu     sync.Mutex
	cond   sync.Cond
	values map[string][]byte
	closed bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore with DefaultTimeout.
func NewMemStore() *MemStore {
	s := &MemStore{
		timeout: DefaultTimeout,
		values:  make(map[string][]byte),
	}
	s.cond = sync.Cond{L: &s.mu}
	return s
}

// WithTimeout sets the time Get waits for a key. If timeout <= 0 it waits forever.
// It returns the store itself, so calls can be chained.
func (s *MemStore) WithTimeout(timeout time.Duration) *MemStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	return s
}

// Set implements Store.
func (s *MemStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapf(nil, "Set(%q) on closed MemStore", key)
	}
	s.values[key] = slices.Clone(value)
	s.cond.Broadcast()
	return nil
}

// Get implements Store.
func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeout := s.timeout
	var timedOut bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			timedOut = true
			s.cond.Broadcast()
		})
		defer timer.Stop()
	}
	for {
		if value, found := s.values[key]; found {
			return slices.Clone(value), nil
		}
		if s.closed {
			return nil, wrapf(nil, "Get(%q) on closed MemStore", key)
		}
		if timedOut {
			return nil, timeoutf(key, timeout)
		}
		s.cond.Wait()
	}
}

// Len returns the number of keys stored.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Close the store: pending and future calls fail.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}
