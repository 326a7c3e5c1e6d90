package launcher

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/janpfeifer/must"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
ranks: 3
devices_per_rank: 2
ops:
  - op: AllReduce
    values: [1]
  - op: broadcast
    root_rank: 2
`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Ranks)
	assert.Equal(t, 1, cfg.Elements)
	assert.Equal(t, backends.Float32, cfg.BufferDType())
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, OpAllReduce, cfg.Ops[0].Op)
	assert.Equal(t, "sum", cfg.Ops[0].Reduce)
	assert.Equal(t, 2, cfg.Ops[1].RootRank)

	testCases := []struct {
		name, yaml, errContains string
	}{
		{"unknown field", "ranks: 1\ndevices_per_rank: 1\nrank: 2\nops: [{op: allreduce, values: [1]}]", "rank"},
		{"no ranks", "devices_per_rank: 1\nops: [{op: allreduce, values: [1]}]", "ranks"},
		{"no devices", "ranks: 1\nops: [{op: allreduce, values: [1]}]", "devices_per_rank"},
		{"no ops", "ranks: 1\ndevices_per_rank: 1", "ops"},
		{"no values", "ranks: 1\ndevices_per_rank: 1\nops: [{op: allreduce}]", "values"},
		{"bad op", "ranks: 1\ndevices_per_rank: 1\nops: [{op: gather, values: [1]}]", "gather"},
		{"bad reduce", "ranks: 1\ndevices_per_rank: 1\nops: [{op: allreduce, reduce: avg, values: [1]}]", "avg"},
		{"bad root", "ranks: 2\ndevices_per_rank: 1\nops: [{op: broadcast, root_rank: 2, values: [1]}]", "root_rank"},
		{"bad root buffer", "ranks: 2\ndevices_per_rank: 1\nops: [{op: broadcast, root_buffer: 1, values: [1]}]", "root_buffer"},
		{"bad dtype", "ranks: 1\ndevices_per_rank: 1\ndtype: complex64\nops: [{op: allreduce, values: [1]}]", "dtype"},
		{"bad store", "ranks: 1\ndevices_per_rank: 1\nstore: {kind: redis}\nops: [{op: allreduce, values: [1]}]", "redis"},
		{"sqlite without path", "ranks: 1\ndevices_per_rank: 1\nstore: {kind: sqlite}\nops: [{op: allreduce, values: [1]}]", "path"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.errContains)
		})
	}
}

func TestRunGolden(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "basic.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Store.Timeout)
	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	newGoldie(t).Assert(t, "basic", []byte(FormatText(result)))

	table := FormatTable(result)
	assert.Contains(t, table, "allreduce(Product)")
	assert.Contains(t, table, "[256 256]")
	assert.Contains(t, table, `device key "0,1"`)
}

func TestRunFloat16(t *testing.T) {
	cfg := must.M1(ParseConfig([]byte(`
ranks: 3
devices_per_rank: 1
dtype: float16
sequence_check: true
ops:
  - op: allreduce
    values: [0.25, 1.5, 2]
  - op: allreduce
    reduce: Min
    values: [0.25, 1, 2]
  - op: broadcast
    root_rank: 2
    values: [0.25, 1, 2]
`)))
	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	newGoldie(t).Assert(t, "float16", []byte(FormatText(result)))
}

func TestRunSQLite(t *testing.T) {
	cfg := must.M1(LoadConfig(filepath.Join("testdata", "basic.yaml")))
	cfg.Store = StoreConfig{
		Kind:    StoreSQLite,
		Path:    filepath.Join(t.TempDir(), "store.db"),
		Timeout: 10 * time.Second,
	}
	sqliteResult, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	// Running again on the same database doesn't see the keys of the previous run.
	again, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, FormatText(sqliteResult), FormatText(again))
	newGoldie(t).Assert(t, "basic", []byte(FormatText(again)))
}

func TestRunErrors(t *testing.T) {
	_, err := Run(context.Background(), &Config{})
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join("testdata", "missing.yaml"))
	require.Error(t, err)

	cfg := must.M1(ParseConfig([]byte(`
ranks: 1
devices_per_rank: 1
store: {kind: sqlite, path: /nonexistent/dir/store.db}
ops: [{op: allreduce, values: [1]}]
`)))
	_, err = Run(context.Background(), cfg)
	require.ErrorIs(t, err, processgroup.ErrStore)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg = must.M1(ParseConfig([]byte("ranks: 1\ndevices_per_rank: 1\nops: [{op: allreduce, values: [1]}]")))
	_, err = Run(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBench(t *testing.T) {
	var iters []int
	result, err := Bench(context.Background(), BenchConfig{
		Ranks:          2,
		DevicesPerRank: 2,
		Iters:          5,
		Elements:       1000,
	}, func(iter int) { iters = append(iters, iter) })
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, iters)
	assert.Equal(t, backends.Float32, result.Config.DType)
	assert.Equal(t, backends.ReduceOpSum, result.Config.ReduceOp)
	assert.Equal(t, uint64(8000), result.BytesPerCall())
	assert.Greater(t, result.Elapsed, time.Duration(0))

	report := FormatBench(result)
	for _, want := range []string{"2 x 2", "Float32[1,000]", "8.0 kB", "Sum"} {
		assert.True(t, strings.Contains(report, want), "report missing %q:\n%s", want, report)
	}

	_, err = Bench(context.Background(), BenchConfig{}, nil)
	require.Error(t, err)
}

// waitResult waits for errCh, failing the test if nothing arrives in time.
func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("ranks still blocked 30s after the context was canceled")
		return nil
	}
}

func TestRunCanceledMidway(t *testing.T) {
	cfg := must.M1(ParseConfig([]byte(`
ranks: 4
devices_per_rank: 2
ops: [{op: allreduce, reduce: max, values: [1, 2, 3]}]
`)))
	for range 10_000 {
		cfg.Ops = append(cfg.Ops, OpConfig{Op: OpAllReduce, Reduce: "max"})
	}
	// Ranks notice the cancellation at different ops: the ones already waiting on their peers must be released.
	for _, delay := range []time.Duration{time.Millisecond, 5 * time.Millisecond, 20 * time.Millisecond} {
		t.Run(delay.String(), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			time.AfterFunc(delay, cancel)
			errCh := make(chan error, 1)
			go func() {
				_, err := Run(ctx, cfg)
				errCh <- err
			}()
			require.ErrorIs(t, waitResult(t, errCh), context.Canceled)
		})
	}
}

func TestBenchCanceledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := Bench(ctx, BenchConfig{Ranks: 3, DevicesPerRank: 2, Iters: 1_000_000, Elements: 4},
			func(iter int) {
				if iter == 100 {
					cancel()
				}
			})
		errCh <- err
	}()
	require.ErrorIs(t, waitResult(t, errCh), context.Canceled)
}
