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
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Result of a Run.
type Result struct {
	Config *Config

	// Ops holds one result per Config.Ops entry.
	Ops []OpResult

	// Elapsed is the wall time of the whole run, including communicator creation.
	Elapsed time.Duration
}

// OpResult holds the contents of all buffers after one op.
type OpResult struct {
	Op OpConfig

	// Values indexed by [rank][buffer][element].
	Values [][][]float64
}

// Run executes the ops of the config, with one goroutine per rank. It returns the first error of any rank.
//
// Collective failures that panic (see processgroup.Work.Wait) are converted to errors. If ctx is canceled, or
// a rank fails, the ranks waiting on their peers are released and fail as well.
func Run(ctx context.Context, cfg *Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stores, closeStores, err := openStores(cfg.Store, cfg.Ranks)
	if err != nil {
		return nil, err
	}
	defer closeStores()

	result := &Result{
		Config: cfg,
		Ops:    make([]OpResult, len(cfg.Ops)),
	}
	for ii, op := range cfg.Ops {
		result.Ops[ii] = OpResult{Op: op, Values: make([][][]float64, cfg.Ranks)}
	}

	fabric := simgpu.NewFabric()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRelease := releaseOnDone(runCtx, fabric, closeStores)
	defer stopRelease()

	start := time.Now()
	var g errgroup.Group
	for rank := range cfg.Ranks {
		g.Go(func() error {
			err := exceptions.TryCatch[error](func() {
				if err := runRank(runCtx, cfg, rank, stores[rank], fabric, result); err != nil {
					panic(err)
				}
			})
			if err != nil {
				klog.Errorf("launcher: rank %d failed: %+v", rank, err)
				err = errors.WithMessagef(err, "rank %d", rank)
				cancel(err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stopCause(ctx, runCtx)
	}
	result.Elapsed = time.Since(start)
	klog.V(1).Infof("launcher: %d ops on %d ranks x %d devices executed in %s",
		len(cfg.Ops), cfg.Ranks, cfg.DevicesPerRank, result.Elapsed)
	return result, nil
}

// releaseOnDone makes the calls blocked on peers fail once ctx is done: pending collective calls on the fabric
// are aborted and the stores are closed. It returns the function that disarms it.
func releaseOnDone(ctx context.Context, fabric *simgpu.Fabric, closeStores func()) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		klog.V(1).Infof("launcher: releasing ranks: %v", context.Cause(ctx))
		fabric.Abort(context.Cause(ctx))
		closeStores()
	})
}

// stopCause returns what stopped the ranks: the cancellation of the caller's ctx, or else the first rank
// failure, with which runCtx was canceled. Ranks released afterward fail with secondary errors.
func stopCause(ctx, runCtx context.Context) error {
	if ctx.Err() != nil {
		return errors.Wrap(context.Cause(ctx), "interrupted")
	}
	return context.Cause(runCtx)
}

// openStores returns the store each rank should use. Keys are prefixed with a fresh run id, so runs
// sharing a database don't see each other's keys. closeFn can be called more than once.
func openStores(cfg StoreConfig, ranks int) (stores []store.Store, closeFn func(), err error) {
	prefix := "run/" + uuid.NewString()
	stores = make([]store.Store, ranks)
	switch cfg.Kind {
	case StoreMemory:
		shared := store.NewMemStore().WithTimeout(cfg.Timeout)
		for rank := range ranks {
			stores[rank] = store.NewPrefixStore(prefix, shared)
		}
		return stores, func() { _ = shared.Close() }, nil

	case StoreSQLite:
		conns := make([]*store.SQLiteStore, 0, ranks)
		closeFn = func() {
			for _, conn := range conns {
				if err := conn.Close(); err != nil {
					klog.Warningf("launcher: closing store %q: %v", conn.Path(), err)
				}
			}
		}
		for rank := range ranks {
			conn, err := store.OpenSQLite(cfg.Path)
			if err != nil {
				closeFn()
				return nil, nil, err
			}
			conns = append(conns, conn.WithTimeout(cfg.Timeout))
			stores[rank] = store.NewPrefixStore(prefix, conn)
		}
		return stores, closeFn, nil
	}
	return nil, nil, errors.Errorf("unknown store kind %q", cfg.Kind)
}

// runRank is what each process of the group would run.
func runRank(ctx context.Context, cfg *Config, rank int, st store.Store, fabric *simgpu.Fabric, result *Result) error {
	backend := simgpu.New(fabric, cfg.DevicesPerRank)
	defer backend.Finalize()
	pg, err := nccl.New(st, rank, cfg.Ranks, backend, nccl.WithSequenceCheck(cfg.SequenceCheck))
	if err != nil {
		return err
	}
	defer func() {
		if err := pg.Close(); err != nil {
			klog.Warningf("launcher: rank %d: %v", rank, err)
		}
	}()

	dtype := cfg.BufferDType()
	var buffers []backends.Buffer
	for opIdx, op := range cfg.Ops {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "interrupted before op #%d", opIdx)
		}
		if len(op.Values) > 0 {
			buffers = newRankBuffers(rank, cfg.DevicesPerRank, cfg.Elements, dtype, op.Values)
		}
		work, err := issue(pg, op, buffers)
		if err != nil {
			return errors.WithMessagef(err, "op #%d (%s)", opIdx, op.Op)
		}
		work.Wait()

		values := make([][]float64, len(buffers))
		for ii, buffer := range buffers {
			values[ii] = buffer.(*simgpu.Buffer).Float64s()
		}
		result.Ops[opIdx].Values[rank] = values
	}
	return nil
}

// newRankBuffers creates one buffer per device, buffer i of rank r filled with values[(r*numDevices+i) % len(values)].
func newRankBuffers(rank, numDevices, elements int, dtype backends.DType, values []float64) []backends.Buffer {
	buffers := make([]backends.Buffer, numDevices)
	for ii := range numDevices {
		value := values[(rank*numDevices+ii)%len(values)]
		flat := make([]float64, elements)
		for jj := range flat {
			flat[jj] = value
		}
		buffers[ii] = simgpu.NewBufferFromFloat64s(backends.DeviceNum(ii), dtype, flat)
	}
	return buffers
}

// issue the collective described by op.
func issue(pg processgroup.ProcessGroup, op OpConfig, buffers []backends.Buffer) (processgroup.Work, error) {
	switch op.Op {
	case OpAllReduce:
		reduceOp, err := backends.ParseReduceOp(op.Reduce)
		if err != nil {
			return nil, err
		}
		return pg.AllReduce(buffers, processgroup.AllReduceOptions{ReduceOp: reduceOp})
	case OpBroadcast:
		return pg.Broadcast(buffers, processgroup.BroadcastOptions{RootRank: op.RootRank, RootBuffer: op.RootBuffer})
	}
	return nil, errors.Errorf("unknown op %q", op.Op)
}

// devicesOf returns the devices used by each rank: 0 to numDevices-1.
func devicesOf(numDevices int) []backends.DeviceNum {
	devices := make([]backends.DeviceNum, numDevices)
	for ii := range devices {
		devices[ii] = backends.DeviceNum(ii)
	}
	return devices
}
