package store

import "sync/atomic"

// CountingStore wraps a Store and counts the calls made to it.
type CountingStore struct {
	base       Store
	sets, gets atomic.Int64
}

var _ Store = (*CountingStore)(nil)

// NewCountingStore wraps base.
func NewCountingStore(base Store) *CountingStore {
	return &CountingStore{base: base}
}

// Set implements Store.
func (s *CountingStore) Set(key string, value []byte) error {
	s.sets.Add(1)
	return s.base.Set(key, value)
}

// Get implements Store.
func (s *CountingStore) Get(key string) ([]byte, error) {
	s.gets.Add(1)
	return s.base.Get(key)
}

// NumSets returns the number of Set calls so far.
func (s *CountingStore) NumSets() int64 { return s.sets.Load() }

// NumGets returns the number of Get calls so far.
func (s *CountingStore) NumGets() int64 { return s.gets.Load() }

// NumCalls returns the total number of calls so far.
func (s *CountingStore) NumCalls() int64 { return s.NumSets() + s.NumGets() }
