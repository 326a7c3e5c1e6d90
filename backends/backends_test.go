package backends_test

import (
	"testing"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/backends/notimplemented"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	notimplemented.Backend
	config string
}

func TestRegistry(t *testing.T) {
	backends.Register("mock", func(config string) backends.Backend {
		return &mockBackend{config: config}
	})
	assert.Contains(t, backends.List(), "mock")

	b := backends.NewWithConfig("mock:4,fast")
	assert.Equal(t, "4,fast", b.(*mockBackend).config)
	b = backends.NewWithConfig("mock")
	assert.Equal(t, "", b.(*mockBackend).config)

	t.Setenv(backends.COLLECTIVE_BACKEND, "mock:from_env")
	b = backends.New()
	assert.Equal(t, "from_env", b.(*mockBackend).config)
	assert.Equal(t, "notimplemented", b.Name())
	assert.Equal(t, 1, b.NumDevices())
	_, err := b.NewStream(0)
	require.True(t, errors.Is(err, backends.ErrNotImplemented))

	require.Panics(t, func() { backends.NewWithConfig("unknown:1") })
}

func TestUniqueIDFromBytes(t *testing.T) {
	var want backends.UniqueID
	copy(want[:], "some-token")
	got, err := backends.UniqueIDFromBytes(want[:])
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = backends.UniqueIDFromBytes([]byte("some-token"))
	require.Error(t, err)
}

func TestReduceOpType(t *testing.T) {
	for _, op := range []backends.ReduceOpType{
		backends.ReduceOpSum, backends.ReduceOpProduct, backends.ReduceOpMax, backends.ReduceOpMin} {
		parsed, err := backends.ReduceOpTypeString(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}
	_, err := backends.ReduceOpTypeString("Avg")
	require.Error(t, err)
	assert.Equal(t, "ReduceOpType(42)", backends.ReduceOpType(42).String())
}

func TestParseReduceOp(t *testing.T) {
	for name, want := range map[string]backends.ReduceOpType{
		"sum": backends.ReduceOpSum, "Sum": backends.ReduceOpSum, "PRODUCT": backends.ReduceOpProduct,
		"max": backends.ReduceOpMax, "mIn": backends.ReduceOpMin,
	} {
		got, err := backends.ParseReduceOp(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	for _, name := range []string{"undefined", "avg", ""} {
		_, err := backends.ParseReduceOp(name)
		require.Error(t, err, name)
	}
}

func TestDType(t *testing.T) {
	testCases := []struct {
		name    string
		dtype   backends.DType
		size    int
		isFloat bool
	}{
		{"float16", backends.Float16, 2, true},
		{"Float32", backends.Float32, 4, true},
		{"FLOAT64", backends.Float64, 8, true},
		{"int32", backends.Int32, 4, false},
		{"int64", backends.Int64, 8, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dtype, err := backends.DTypeString(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.dtype, dtype)
			assert.Equal(t, tc.size, dtype.Size())
			assert.Equal(t, tc.isFloat, dtype.IsFloat())
		})
	}
	_, err := backends.DTypeString("InvalidDType")
	require.Error(t, err)
	assert.Equal(t, 0, backends.InvalidDType.Size())
}
