package store

// PrefixStore namespaces all keys of a wrapped Store with a prefix, so several process groups
// can share the same store.
type PrefixStore struct {
	prefix string
	base   Store
}

var _ Store = (*PrefixStore)(nil)

// NewPrefixStore returns a Store that maps key to "<prefix>/<key>" in base.
func NewPrefixStore(prefix string, base Store) *PrefixStore {
	return &PrefixStore{prefix: prefix, base: base}
}

func (s *PrefixStore) key(key string) string {
	return s.prefix + "/" + key
}

// Set implements Store.
func (s *PrefixStore) Set(key string, value []byte) error {
	return s.base.Set(s.key(key), value)
}

// Get implements Store.
func (s *PrefixStore) Get(key string) ([]byte, error) {
	return s.base.Get(s.key(key))
}
