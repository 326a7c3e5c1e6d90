// Package processgroup defines the API to run collective operations (broadcast, all-reduce) across a fixed
// group of cooperating processes, each owning one or more device buffers.
//
// All the collective functions of a ProcessGroup must be called in the same order across all processes of the
// group: this is the only way the calls of the different processes can be matched up. It is a precondition of
// the API, it can't be verified locally (but see the debug sequence check in the nccl implementation).
//
// Collective functions are asynchronous: they validate the inputs, schedule the operation on the devices and
// return a Work handle that the caller can wait on.
//
// Example:
//
//	pg, err := processgroup.New("nccl", st, rank, size, backend)
//	...
//	work, err := pg.AllReduce(buffers, processgroup.AllReduceOptions{})
//	...
//	// The collective has been enqueued, but likely hasn't executed yet.
//	work.Wait()
//	// Now the buffers hold the reduced values.
package processgroup

import (
	"strings"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/store"
	"github.com/pkg/errors"
)

// ProcessGroup is the set of collective operations a process group implementation provides.
//
// A ProcessGroup is not safe for concurrent use: its functions are expected to be called by a
// single goroutine per process.
type ProcessGroup interface {
	// Rank of the current process in the group, in [0, Size()).
	Rank() int

	// Size is the number of processes in the group.
	Size() int

	// Broadcast the contents of the root buffer (opts.RootRank, opts.RootBuffer) to all buffers of all processes.
	// Buffers are updated in-place, and each must be on a different device.
	Broadcast(buffers []backends.Buffer, opts BroadcastOptions) (Work, error)

	// AllReduce reduces the buffers of all processes element-wise, and writes the result to all of them, in-place.
	// Each buffer must be on a different device.
	AllReduce(buffers []backends.Buffer, opts AllReduceOptions) (Work, error)
}

// BroadcastOptions for ProcessGroup.Broadcast.
type BroadcastOptions struct {
	// RootRank is the rank of the process that holds the source buffer.
	RootRank int

	// RootBuffer is the index of the source buffer in the list of buffers passed by the root process.
	RootBuffer int
}

// AllReduceOptions for ProcessGroup.AllReduce.
type AllReduceOptions struct {
	// ReduceOp is the reduction operation. If left undefined, backends.ReduceOpSum is used.
	ReduceOp backends.ReduceOpType
}

// Constructor creates a ProcessGroup implementation for the given rank, out of size processes.
type Constructor func(st store.Store, rank, size int, backend backends.Backend) (ProcessGroup, error)

var registeredConstructors = make(map[string]Constructor)

// Register a ProcessGroup implementation under name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registeredConstructors[name] = constructor
}

// New creates a ProcessGroup using the implementation registered under name.
// Implementations are selected at construction time, e.g.: "nccl".
func New(name string, st store.Store, rank, size int, backend backends.Backend) (ProcessGroup, error) {
	constructor, found := registeredConstructors[name]
	if !found {
		known := make([]string, 0, len(registeredConstructors))
		for k := range registeredConstructors {
			known = append(known, k)
		}
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown process group implementation %q (registered: %s)",
			name, strings.Join(known, ", "))
	}
	return constructor(st, rank, size, backend)
}
