package backends

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotImplemented is returned by backends (or mock backends) for operations they don't support.
// Backends should wrap it with errors.Wrapf, so callers can test for it with errors.Is.
var ErrNotImplemented = errors.New("not implemented")

// UniqueIDSize is the number of bytes of a UniqueID. Same as NCCL_UNIQUE_ID_BYTES.
const UniqueIDSize = 128

// UniqueID is the opaque token that bootstraps a communicator clique: every communicator created with the
// same UniqueID (and the same number of ranks) belongs to the same clique.
//
// It's generated once, by one of the participants, and distributed to all others out-of-band.
type UniqueID [UniqueIDSize]byte

// UniqueIDFromBytes converts a serialized UniqueID back.
func UniqueIDFromBytes(b []byte) (id UniqueID, err error) {
	if len(b) != UniqueIDSize {
		return id, errors.Errorf("unique id must have %d bytes, got %d", UniqueIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Communicator binds one device to its place (rank) in a clique of communicators.
type Communicator interface {
	// Rank of the communicator in its clique. Not to be confused with the rank of the process.
	Rank() int

	// NumRanks is the number of communicators in the clique.
	NumRanks() int

	// Device the communicator is bound to.
	Device() DeviceNum

	// Destroy frees the communicator resources. It shouldn't be used afterward.
	Destroy() error
}

// ReduceOpType selects among the basic types of reduction supported by AllReduce.
type ReduceOpType int

const (
	// ReduceOpUndefined is an undefined value. Process groups default it to ReduceOpSum.
	ReduceOpUndefined ReduceOpType = iota

	// ReduceOpSum reduces by summing all elements being reduced.
	ReduceOpSum

	// ReduceOpProduct reduces by multiplying all elements being reduced.
	ReduceOpProduct

	// ReduceOpMax reduces by taking the maximum value.
	ReduceOpMax

	// ReduceOpMin reduces by taking the minimum value.
	ReduceOpMin
)

var reduceOpNames = map[ReduceOpType]string{
	ReduceOpUndefined: "Undefined",
	ReduceOpSum:       "Sum",
	ReduceOpProduct:   "Product",
	ReduceOpMax:       "Max",
	ReduceOpMin:       "Min",
}

// String implements fmt.Stringer.
func (op ReduceOpType) String() string {
	if name, found := reduceOpNames[op]; found {
		return name
	}
	return fmt.Sprintf("ReduceOpType(%d)", int(op))
}

// ReduceOpTypeString converts a name (case-sensitive, as returned by String) back to a ReduceOpType.
func ReduceOpTypeString(name string) (ReduceOpType, error) {
	for op, opName := range reduceOpNames {
		if opName == name {
			return op, nil
		}
	}
	return ReduceOpUndefined, errors.Errorf("unknown ReduceOpType %q", name)
}

// ParseReduceOp converts a user given name of a reduce operation, in any case (e.g.: "sum" or "Sum"), to a
// ReduceOpType. ReduceOpUndefined is not accepted.
func ParseReduceOp(name string) (ReduceOpType, error) {
	for op, opName := range reduceOpNames {
		if op != ReduceOpUndefined && strings.EqualFold(opName, name) {
			return op, nil
		}
	}
	return ReduceOpUndefined, errors.Errorf("unknown reduce operation %q, valid values are Sum, Product, Max and Min", name)
}

// CollectiveOps is the Backend's sub-interface for collective operations, that is, operations executed
// across multiple devices, possibly in different processes.
//
// All collective calls only enqueue the work on the given stream, they don't wait for the peers.
// Every member of a clique must issue the same sequence of collective calls.
type CollectiveOps interface {
	// NewUniqueID generates a fresh token to bootstrap a new clique.
	NewUniqueID() (UniqueID, error)

	// NewCommunicator creates the communicator of the given rank in the clique identified by id,
	// bound to deviceNum.
	NewCommunicator(id UniqueID, numRanks, rank int, deviceNum DeviceNum) (Communicator, error)

	// GroupStart and GroupEnd bracket a set of collective calls issued by the same thread on different
	// communicators, so the backend can treat them as one fused launch (ncclGroupStart/ncclGroupEnd).
	GroupStart() error

	// GroupEnd closes a group opened with GroupStart.
	GroupEnd() error

	// Broadcast copies the contents of the root communicator's buffer to the buffers of all other
	// communicators in the clique, in-place.
	Broadcast(comm Communicator, buffer Buffer, root int, stream Stream) error

	// AllReduce reduces the input buffers of every communicator in the clique, element-wise, and writes
	// the result to every output buffer. Input and output may be the same buffer.
	AllReduce(comm Communicator, input, output Buffer, reduceOp ReduceOpType, stream Stream) error
}
