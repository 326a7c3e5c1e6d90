package store

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPollInterval is how often SQLiteStore.Get checks for a key not yet set.
const DefaultPollInterval = 10 * time.Millisecond

// SQLiteStore is a Store backed by a SQLite database file. Processes on the same host (or sharing a
// filesystem with proper locking) can use the same file to bootstrap a group.
type SQLiteStore struct {
	db           *sql.DB
	path         string
	timeout      time.Duration
	pollInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens the SQLite database at path and prepares its table.
//
// The database is configured in WAL mode with a busy timeout, so multiple processes can
// read while one writes.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrapf(err, "failed to open database %q", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrapf(err, "failed to connect to database %q", path)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			_ = db.Close()
			return nil, wrapf(err, "failed to execute %q on %q", statement, path)
		}
	}
	klog.V(1).Infof("store: opened SQLite store %q", path)
	return &SQLiteStore{
		db:           db,
		path:         path,
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		closed:       make(chan struct{}),
	}, nil
}

// WithTimeout sets the time Get waits for a key. If timeout <= 0 it waits forever.
func (s *SQLiteStore) WithTimeout(timeout time.Duration) *SQLiteStore {
	s.timeout = timeout
	return s
}

// WithPollInterval sets how often Get checks for a missing key.
func (s *SQLiteStore) WithPollInterval(interval time.Duration) *SQLiteStore {
	s.pollInterval = interval
	return s
}

// Set implements Store.
func (s *SQLiteStore) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return wrapf(err, "SQLiteStore.Set(%q)", key)
	}
	return nil
}

// lookup returns the value of key, or found=false if it's not set.
func (s *SQLiteStore) lookup(key string) (value []byte, found bool, err error) {
	err = s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapf(err, "SQLiteStore.Get(%q)", key)
	}
	return value, true, nil
}

// Get implements Store. It polls the database until the key is set.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	for {
		value, found, err := s.lookup(key)
		if err != nil {
			return nil, err
		}
		if found {
			return value, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, timeoutf(key, s.timeout)
		}
		select {
		case <-s.closed:
			return nil, wrapf(nil, "Get(%q) on closed SQLiteStore", key)
		case <-time.After(s.pollInterval):
		}
	}
}

// Path of the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close the database: pending and future calls fail. It can be called more than once.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.db.Close(); err != nil {
			s.closeErr = wrapf(err, "closing %q", s.path)
		}
	})
	return s.closeErr
}
