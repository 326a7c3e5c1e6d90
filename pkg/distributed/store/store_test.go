package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behaviors every Store must have.
func testStore(t *testing.T, s Store) {
	t.Run("SetGet", func(t *testing.T) {
		require.NoError(t, s.Set("a", []byte("1")))
		assert.Equal(t, []byte("1"), must.M1(s.Get("a")))
		require.NoError(t, s.Set("a", []byte("2")))
		assert.Equal(t, []byte("2"), must.M1(s.Get("a")))
	})

	t.Run("BlockingGet", func(t *testing.T) {
		type result struct {
			value []byte
			err   error
		}
		done := make(chan result, 1)
		go func() {
			value, err := s.Get("late")
			done <- result{value, err}
		}()
		select {
		case <-done:
			t.Fatal("Get returned before the key was set")
		case <-time.After(50 * time.Millisecond):
		}
		require.NoError(t, s.Set("late", []byte("here")))
		r := <-done
		require.NoError(t, r.err)
		assert.Equal(t, []byte("here"), r.value)
	})

	t.Run("ConcurrentRanks", func(t *testing.T) {
		const numRanks = 4
		errs := make(chan error, numRanks)
		for rank := 1; rank < numRanks; rank++ {
			go func() {
				value, err := s.Get("id")
				if err == nil && string(value) != "token" {
					err = errors.Errorf("rank %d got %q", rank, value)
				}
				errs <- err
			}()
		}
		require.NoError(t, s.Set("id", []byte("token")))
		for rank := 1; rank < numRanks; rank++ {
			require.NoError(t, <-errs)
		}
	})
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	testStore(t, s)

	s.WithTimeout(20 * time.Millisecond)
	_, err := s.Get("never")
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, ErrStore)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Set("x", nil), ErrStore)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s := must.M1(OpenSQLite(path)).WithPollInterval(time.Millisecond)
	defer func() { require.NoError(t, s.Close()) }()
	testStore(t, s)

	// A second connection, as another process would do, sees the same values.
	other := must.M1(OpenSQLite(path))
	defer func() { require.NoError(t, other.Close()) }()
	assert.Equal(t, []byte("token"), must.M1(other.Get("id")))

	s.WithTimeout(20 * time.Millisecond)
	_, err := s.Get("never")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCloseReleasesGet(t *testing.T) {
	sqlite := must.M1(OpenSQLite(filepath.Join(t.TempDir(), "store.db"))).WithTimeout(0)
	for name, s := range map[string]interface {
		Store
		Close() error
	}{
		"MemStore":    NewMemStore().WithTimeout(0),
		"SQLiteStore": sqlite,
	} {
		t.Run(name, func(t *testing.T) {
			errCh := make(chan error, 1)
			go func() {
				_, err := s.Get("never")
				errCh <- err
			}()
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())
			select {
			case err := <-errCh:
				require.ErrorIs(t, err, ErrStore)
				assert.NotErrorIs(t, err, ErrTimeout)
			case <-time.After(5 * time.Second):
				t.Fatal("Get not released by Close")
			}
		})
	}
}

func TestSQLiteStoreOpenError(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "missing", "dir", "store.db"))
	require.ErrorIs(t, err, ErrStore)
}

func TestPrefixStore(t *testing.T) {
	base := NewMemStore()
	a := NewPrefixStore("groupA", base)
	b := NewPrefixStore("groupB", base)
	testStore(t, a)
	require.NoError(t, b.Set("id", []byte("other")))
	assert.Equal(t, []byte("token"), must.M1(a.Get("id")))
	assert.Equal(t, []byte("other"), must.M1(base.Get("groupB/id")))
}

func TestCountingStore(t *testing.T) {
	s := NewCountingStore(NewMemStore())
	require.NoError(t, s.Set("k", []byte("v")))
	_ = must.M1(s.Get("k"))
	_ = must.M1(s.Get("k"))
	assert.Equal(t, int64(1), s.NumSets())
	assert.Equal(t, int64(2), s.NumGets())
	assert.Equal(t, int64(3), s.NumCalls())
}
