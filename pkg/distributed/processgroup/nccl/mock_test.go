package nccl

import (
	"testing"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/backends/notimplemented"
	"github.com/gomlx/collective/backends/simgpu"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/gomlx/collective/pkg/distributed/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend overrides only the number of devices of the notimplemented backend.
type mockBackend struct {
	notimplemented.Backend
	numDevices int
}

func (m *mockBackend) NumDevices() int {
	return m.numDevices
}

func TestBackendFailures(t *testing.T) {
	t.Run("NoDevices", func(t *testing.T) {
		_, err := New(store.NewMemStore(), 0, 1, &mockBackend{numDevices: 0})
		require.ErrorIs(t, err, processgroup.ErrBackend)
	})

	t.Run("UniqueID", func(t *testing.T) {
		st := store.NewCountingStore(store.NewMemStore())
		pg, err := New(st, 0, 2, &mockBackend{numDevices: 2})
		require.NoError(t, err)
		_, err = pg.Broadcast([]backends.Buffer{simgpu.NewBuffer[int32](1, 7)}, processgroup.BroadcastOptions{})
		require.ErrorIs(t, err, processgroup.ErrBackend)
		require.ErrorIs(t, err, backends.ErrNotImplemented)
		assert.ErrorContains(t, err, "NewUniqueID")
		assert.Equal(t, int64(0), st.NumCalls(), "no id was published")
		assert.Equal(t, 0, pg.NumCachedCommunicators())
	})

	t.Run("Communicator", func(t *testing.T) {
		// Rank 1 reads the id published by rank 0, and then fails creating the communicator.
		shared := store.NewMemStore()
		require.NoError(t, shared.Set("0", make([]byte, backends.UniqueIDSize)))
		pg, err := New(shared, 1, 2, &notimplemented.Backend{})
		require.NoError(t, err)
		_, err = pg.AllReduce([]backends.Buffer{simgpu.NewBuffer[float32](0, 1)}, processgroup.AllReduceOptions{})
		require.ErrorIs(t, err, processgroup.ErrBackend)
		assert.ErrorContains(t, err, "GroupStart")
		assert.Equal(t, 0, pg.NumCachedCommunicators())
	})

	t.Run("BadUniqueID", func(t *testing.T) {
		shared := store.NewMemStore()
		require.NoError(t, shared.Set("0", []byte("too short")))
		pg, err := New(shared, 1, 2, &notimplemented.Backend{})
		require.NoError(t, err)
		_, err = pg.AllReduce([]backends.Buffer{simgpu.NewBuffer[float32](0, 1)}, processgroup.AllReduceOptions{})
		require.ErrorIs(t, err, processgroup.ErrStore)
	})
}
