package launcher

import (
	"context"
	"time"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/backends/simgpu"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/gomlx/collective/pkg/distributed/processgroup/nccl"
	"github.com/gomlx/collective/pkg/distributed/store"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// BenchConfig configures Bench: repeated AllReduce calls on the same devices.
type BenchConfig struct {
	Ranks          int
	DevicesPerRank int
	Iters          int
	Elements       int
	DType          backends.DType
	ReduceOp       backends.ReduceOpType
}

// BenchResult holds the timings of Bench.
type BenchResult struct {
	Config BenchConfig

	// Setup is the time of the first (warm-up) call, which includes the communicator creation.
	Setup time.Duration

	// Elapsed is the time of the Iters calls after the warm-up.
	Elapsed time.Duration
}

// BytesPerCall returns the number of bytes reduced by each rank in each call.
func (r *BenchResult) BytesPerCall() uint64 {
	return uint64(r.Config.DevicesPerRank * r.Config.Elements * r.Config.DType.Size())
}

// PerIter returns the average time of one call.
func (r *BenchResult) PerIter() time.Duration {
	if r.Config.Iters == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Config.Iters)
}

// Throughput returns the bytes reduced per second by each rank.
func (r *BenchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.BytesPerCall()) * float64(r.Config.Iters) / r.Elapsed.Seconds()
}

// Bench runs one warm-up AllReduce and then cfg.Iters timed ones, on all ranks.
// onIter, if not nil, is called by rank 0 after each timed iteration completes.
func Bench(ctx context.Context, cfg BenchConfig, onIter func(iter int)) (*BenchResult, error) {
	if cfg.Ranks <= 0 || cfg.DevicesPerRank <= 0 || cfg.Elements <= 0 || cfg.Iters < 0 {
		return nil, errors.Errorf("invalid benchmark configuration %+v", cfg)
	}
	if cfg.DType == backends.InvalidDType {
		cfg.DType = backends.Float32
	}
	if cfg.ReduceOp == backends.ReduceOpUndefined {
		cfg.ReduceOp = backends.ReduceOpSum
	}

	shared := store.NewMemStore()
	defer func() { _ = shared.Close() }()
	fabric := simgpu.NewFabric()
	result := &BenchResult{Config: cfg}
	values := []float64{1}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRelease := releaseOnDone(runCtx, fabric, func() { _ = shared.Close() })
	defer stopRelease()

	var g errgroup.Group
	for rank := range cfg.Ranks {
		g.Go(func() error {
			err := exceptions.TryCatch[error](func() {
				backend := simgpu.New(fabric, cfg.DevicesPerRank)
				defer backend.Finalize()
				pg, err := nccl.New(shared, rank, cfg.Ranks, backend)
				if err != nil {
					panic(err)
				}
				defer func() { _ = pg.Close() }()
				buffers := newRankBuffers(rank, cfg.DevicesPerRank, cfg.Elements, cfg.DType, values)
				allReduce := func() {
					work, err := pg.AllReduce(buffers, processgroup.AllReduceOptions{ReduceOp: cfg.ReduceOp})
					if err != nil {
						panic(err)
					}
					work.Wait()
				}

				start := time.Now()
				allReduce()
				if rank == 0 {
					result.Setup = time.Since(start)
				}
				start = time.Now()
				for iter := range cfg.Iters {
					if err := runCtx.Err(); err != nil {
						panic(errors.Wrapf(err, "benchmark interrupted at iteration %d", iter))
					}
					allReduce()
					if rank == 0 && onIter != nil {
						onIter(iter)
					}
				}
				if rank == 0 {
					result.Elapsed = time.Since(start)
				}
			})
			if err != nil {
				err = errors.WithMessagef(err, "rank %d", rank)
				cancel(err)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stopCause(ctx, runCtx)
	}
	return result, nil
}
