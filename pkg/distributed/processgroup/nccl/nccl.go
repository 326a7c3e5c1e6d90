// Package nccl implements processgroup.ProcessGroup on top of an NCCL-style collective backend.
//
// Each collective call is scheduled on dedicated streams, one per device, different from the streams
// the caller computes on (the backend's current streams). This allows the devices to overlap communication
// and computation. The dedicated streams first wait for the work already enqueued on the current streams
// (so the buffers are ready), and the returned Work lets the caller's current streams wait on the completion
// of the collective.
//
// Communicators are created lazily, the first time a given ordered list of devices is used, and cached by
// their device key (see processgroup.DeviceKey). Creating them requires a round-trip through the store:
// rank 0 generates the unique id of the clique and publishes it, all other ranks wait for it.
//
// The process group is single-threaded: all its functions must be called from one goroutine, and in the
// same order in all processes of the group.
//
// The group owns the namespace of its store: keys are device keys (e.g. "0,1") and, with WithSequenceCheck,
// "seq/<n>/<rank>". Groups sharing a store must each be given their own store.NewPrefixStore.
package nccl

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/gomlx/collective/pkg/distributed/store"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name under which the implementation is registered in processgroup.
const Name = "nccl"

func init() {
	processgroup.Register(Name, func(st store.Store, rank, size int, backend backends.Backend) (processgroup.ProcessGroup, error) {
		pg, err := New(st, rank, size, backend)
		if err != nil {
			return nil, err
		}
		return pg, nil
	})
}

// ProcessGroupNCCL implements processgroup.ProcessGroup using a collective backend.
type ProcessGroupNCCL struct {
	store   store.Store
	rank    int
	size    int
	backend backends.Backend

	// numDevices is probed once at construction.
	numDevices int

	// comms caches the communicators by device key, and uniqueIDs the ids exchanged for them.
	commsMu   sync.Mutex
	comms     map[string]*commEntry
	uniqueIDs map[string]backends.UniqueID

	sequenceCheck bool
	numCalls      uint64
}

var _ processgroup.ProcessGroup = (*ProcessGroupNCCL)(nil)

// Option configures a ProcessGroupNCCL at construction.
type Option func(pg *ProcessGroupNCCL)

// WithSequenceCheck enables a debug check that all processes issue the same collective calls in the same order:
// for every call each rank publishes its call signature in the store and compares it with the one of rank 0.
//
// It adds a store round-trip per collective call, so it's meant for tests and debugging. All ranks must
// enable it, or none. The signatures are stored under "seq/<n>/<rank>", in the namespace of the group.
func WithSequenceCheck(enabled bool) Option {
	return func(pg *ProcessGroupNCCL) {
		pg.sequenceCheck = enabled
	}
}

// New creates the process group for the given rank out of size processes. The store is used to exchange
// the unique ids needed to create the communicators, and it must not be shared with other groups, except
// through distinct store.NewPrefixStore namespaces.
//
// It also checks the number of devices available in the backend.
func New(st store.Store, rank, size int, backend backends.Backend, options ...Option) (*ProcessGroupNCCL, error) {
	if st == nil || backend == nil {
		return nil, errors.Wrapf(processgroup.ErrInvalidArgument, "nccl.New() requires a store and a backend")
	}
	if size <= 0 {
		return nil, errors.Wrapf(processgroup.ErrInvalidArgument, "process group size must be positive, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, errors.Wrapf(processgroup.ErrInvalidArgument, "rank %d out of range for a process group of size %d",
			rank, size)
	}
	numDevices := backend.NumDevices()
	if numDevices <= 0 {
		return nil, errors.Wrapf(processgroup.ErrBackend, "backend %q has no devices", backend.Name())
	}
	pg := &ProcessGroupNCCL{
		store:      st,
		rank:       rank,
		size:       size,
		backend:    backend,
		numDevices: numDevices,
		comms:      make(map[string]*commEntry),
		uniqueIDs:  make(map[string]backends.UniqueID),
	}
	for _, option := range options {
		option(pg)
	}
	klog.V(1).Infof("nccl: process group rank %d of %d created on %s", rank, size, backend.Description())
	return pg, nil
}

// Rank implements processgroup.ProcessGroup.
func (pg *ProcessGroupNCCL) Rank() int { return pg.rank }

// Size implements processgroup.ProcessGroup.
func (pg *ProcessGroupNCCL) Size() int { return pg.size }

// NumDevices returns the number of devices available, as probed at construction.
func (pg *ProcessGroupNCCL) NumDevices() int { return pg.numDevices }

// Backend used by the process group.
func (pg *ProcessGroupNCCL) Backend() backends.Backend { return pg.backend }

// Broadcast implements processgroup.ProcessGroup.
//
// The source is the buffer opts.RootBuffer of the process opts.RootRank.
func (pg *ProcessGroupNCCL) Broadcast(buffers []backends.Buffer, opts processgroup.BroadcastOptions) (processgroup.Work, error) {
	if err := pg.checkBuffers(buffers, buffers, 1); err != nil {
		return nil, errors.WithMessage(err, "Broadcast")
	}
	if opts.RootRank < 0 || opts.RootRank >= pg.size {
		return nil, errors.Wrapf(processgroup.ErrInvalidArgument, "Broadcast: root rank %d out of range for size %d",
			opts.RootRank, pg.size)
	}
	if opts.RootBuffer < 0 || opts.RootBuffer >= len(buffers) {
		return nil, errors.Wrapf(processgroup.ErrInvalidArgument, "Broadcast: root buffer %d out of range for %d buffers",
			opts.RootBuffer, len(buffers))
	}
	root := opts.RootRank*len(buffers) + opts.RootBuffer
	work, err := pg.collective("broadcast", buffers, func(ii int, comm backends.Communicator, stream backends.Stream) error {
		return pg.backend.Broadcast(comm, buffers[ii], root, stream)
	})
	if err != nil {
		return nil, err
	}
	return work, nil
}

// AllReduce implements processgroup.ProcessGroup.
//
// The reduction defaults to backends.ReduceOpSum.
func (pg *ProcessGroupNCCL) AllReduce(buffers []backends.Buffer, opts processgroup.AllReduceOptions) (processgroup.Work, error) {
	if err := pg.checkBuffers(buffers, buffers, 1); err != nil {
		return nil, errors.WithMessage(err, "AllReduce")
	}
	reduceOp := opts.ReduceOp
	if reduceOp == backends.ReduceOpUndefined {
		reduceOp = backends.ReduceOpSum
	}
	if reduceOp < backends.ReduceOpSum || reduceOp > backends.ReduceOpMin {
		return nil, errors.Wrapf(processgroup.ErrInvalidArgument, "AllReduce: unknown reduce operation %s", reduceOp)
	}
	work, err := pg.collective("allreduce", buffers, func(ii int, comm backends.Communicator, stream backends.Stream) error {
		return pg.backend.AllReduce(comm, buffers[ii], buffers[ii], reduceOp, stream)
	})
	if err != nil {
		return nil, err
	}
	return work, nil
}

// launchFn enqueues the collective call for the buffer ii, using the given communicator and stream.
type launchFn func(ii int, comm backends.Communicator, stream backends.Stream) error

// collective schedules a collective call on the dedicated streams of the devices of the (already validated)
// buffers, and returns the Work tracking it.
func (pg *ProcessGroupNCCL) collective(opName string, buffers []backends.Buffer, launch launchFn) (*WorkNCCL, error) {
	devices := processgroup.BufferDevices(buffers)
	key := processgroup.DeviceKey(devices)
	if pg.sequenceCheck {
		if err := pg.checkSequence(opName, key); err != nil {
			return nil, err
		}
	}

	entry, err := pg.getNCCLComm(key, devices)
	if err != nil {
		return nil, err
	}

	// The dedicated streams wait for the work already enqueued in the current streams: the buffers
	// may still be being written.
	for ii, device := range devices {
		current, err := pg.backend.CurrentStream(device)
		if err != nil {
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "%s: current stream of device #%d", opName, device)
		}
		if err := entry.events[ii].Record(current); err != nil {
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "%s: recording event on device #%d", opName, device)
		}
		if err := entry.streams[ii].WaitEvent(entry.events[ii]); err != nil {
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "%s: waiting event on device #%d", opName, device)
		}
	}

	work, err := newWorkNCCL(pg.backend, devices)
	if err != nil {
		return nil, err
	}

	if err := pg.backend.GroupStart(); err != nil {
		return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "%s: starting group", opName)
	}
	for ii := range buffers {
		if err := launch(ii, entry.comms[ii], entry.streams[ii]); err != nil {
			_ = pg.backend.GroupEnd()
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "%s: launching on device #%d", opName, devices[ii])
		}
	}
	if err := pg.backend.GroupEnd(); err != nil {
		return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "%s: ending group", opName)
	}

	// Completion events are recorded right after the collective, so they signal when it has executed.
	for ii := range devices {
		if err := work.events[ii].Record(entry.streams[ii]); err != nil {
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "%s: recording completion on device #%d",
				opName, devices[ii])
		}
	}

	if klog.V(1).Enabled() {
		var totalBytes uint64
		for _, buffer := range buffers {
			totalBytes += backends.BufferBytes(buffer)
		}
		klog.Infof("nccl: rank %d issued %s on devices %q (%d x %s[%d], %s)", pg.rank, opName, key,
			len(buffers), buffers[0].DType(), buffers[0].Len(), humanize.Bytes(totalBytes))
	}
	return work, nil
}

// Close destroys the cached communicators. The process group can't be used afterward.
func (pg *ProcessGroupNCCL) Close() error {
	pg.commsMu.Lock()
	defer pg.commsMu.Unlock()
	var firstErr error
	for key, entry := range pg.comms {
		if err := entry.destroy(); err != nil && firstErr == nil {
			firstErr = processgroup.WrapKind(processgroup.ErrBackend, err, "destroying communicators for devices %q", key)
		}
		delete(pg.comms, key)
	}
	return firstErr
}
