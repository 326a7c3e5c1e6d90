package processgroup

import (
	"testing"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceKey(t *testing.T) {
	tests := []struct {
		devices []backends.DeviceNum
		want    string
	}{
		{[]backends.DeviceNum{0}, "0"},
		{[]backends.DeviceNum{0, 4, 5}, "0,4,5"},
		{[]backends.DeviceNum{0, 1, 2, 3, 4, 5, 6, 7}, "0,1,2,3,4,5,6,7"},
		{[]backends.DeviceNum{0, 4, 5, 6, 7, 1, 2, 3}, "0,4,5,6,7,1,2,3"},
		{[]backends.DeviceNum{3, 3}, "3,3"},
		{nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, DeviceKey(tt.devices))
		})
	}
}

func TestDeviceKeyOrderSensitive(t *testing.T) {
	// Every permutation of 3 devices gives a different key.
	devices := []backends.DeviceNum{0, 1, 2}
	seen := make(map[string]bool)
	var permute func(k int)
	permute = func(k int) {
		if k == len(devices) {
			key := DeviceKey(devices)
			require.False(t, seen[key], "key %q generated twice", key)
			seen[key] = true
			return
		}
		for ii := k; ii < len(devices); ii++ {
			devices[k], devices[ii] = devices[ii], devices[k]
			permute(k + 1)
			devices[k], devices[ii] = devices[ii], devices[k]
		}
	}
	permute(0)
	assert.Len(t, seen, 6)
	assert.NotEqual(t, DeviceKey([]backends.DeviceNum{0, 1}), DeviceKey([]backends.DeviceNum{1, 0}))
}

func TestParseDeviceKey(t *testing.T) {
	devices, err := ParseDeviceKey("0,4,5")
	require.NoError(t, err)
	assert.Equal(t, []backends.DeviceNum{0, 4, 5}, devices)
	assert.Equal(t, "0,4,5", DeviceKey(devices))

	for _, key := range []string{"", "a", "1,,2", "-1"} {
		_, err := ParseDeviceKey(key)
		require.ErrorIs(t, err, ErrInvalidArgument, "key %q", key)
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(errors.Wrap(ErrInvalidArgument, "bad buffers")))
	assert.True(t, IsFatal(errors.Wrap(ErrBackend, "nccl failure")))
	assert.True(t, IsFatal(errors.Wrap(store.ErrTimeout, "no unique id")))
	assert.True(t, IsFatal(errors.Wrap(ErrDivergence, "seq 3")))
}

func TestNewUnknownImplementation(t *testing.T) {
	_, err := New("does-not-exist", store.NewMemStore(), 0, 1, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWrapKind(t *testing.T) {
	cause := errors.New("cuda out of memory")
	err := WrapKind(ErrBackend, cause, "creating communicator for device #%d", 3)
	require.ErrorIs(t, err, ErrBackend)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "creating communicator for device #3: cuda out of memory", err.Error())

	// Already classified errors are only annotated.
	err = WrapKind(ErrStore, store.ErrTimeout, "getting unique id")
	require.ErrorIs(t, err, store.ErrTimeout)
	require.ErrorIs(t, err, ErrStore)

	err = WrapKind(ErrInvalidArgument, nil, "empty buffer list")
	require.ErrorIs(t, err, ErrInvalidArgument)
}
