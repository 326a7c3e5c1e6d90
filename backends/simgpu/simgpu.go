// Package simgpu implements a simulated multi-GPU runtime and NCCL-like collective backend, running entirely
// in the host process.
//
// Each simulated device has a default ("current") stream, streams are goroutines executing their work in
// order, and events are latches triggered when the stream reaches them. Collectives are matched across
// communicators through a Fabric, which plays the role of the interconnect: backends (one per simulated
// process) sharing the same Fabric can form cliques.
//
// It registers itself as "simgpu" in the backends registry, the configuration is the number of devices,
// e.g.: "simgpu:4".
package simgpu

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in COLLECTIVE_BACKEND to select this backend.
const BackendName = "simgpu"

// DefaultNumDevices is the number of devices used if the configuration is empty.
const DefaultNumDevices = 2

func init() {
	backends.Register(BackendName, NewWithConfig)
}

// NewWithConfig creates a backend on DefaultFabric. The config is the number of devices.
func NewWithConfig(config string) backends.Backend {
	numDevices := DefaultNumDevices
	if config = strings.TrimSpace(config); config != "" {
		var err error
		numDevices, err = strconv.Atoi(config)
		if err != nil || numDevices < 0 {
			exceptions.Panicf("simgpu: invalid configuration %q, expected the number of devices", config)
		}
	}
	return New(DefaultFabric, numDevices)
}

// Backend implements backends.Backend for simulated devices.
type Backend struct {
	fabric     *Fabric
	numDevices int
	current    []*Stream

	mu          sync.Mutex
	streams     []*Stream
	failNext    error
	groupDepth  int
	finalized   bool
	numLaunches atomic.Int64
}

var _ backends.Backend = (*Backend)(nil)

// New creates a simulated backend with numDevices devices, connected to the given fabric.
func New(fabric *Fabric, numDevices int) *Backend {
	b := &Backend{
		fabric:     fabric,
		numDevices: numDevices,
	}
	b.current = make([]*Stream, numDevices)
	for ii := range numDevices {
		b.current[ii] = newStream(b, backends.DeviceNum(ii), fmt.Sprintf("current#%d", ii))
		b.streams = append(b.streams, b.current[ii])
	}
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simulated GPUs (%d devices)", b.numDevices)
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() int { return b.numDevices }

// Fabric returns the fabric the backend is connected to.
func (b *Backend) Fabric() *Fabric { return b.fabric }

// NumLaunches returns the number of collective calls enqueued so far.
func (b *Backend) NumLaunches() int64 { return b.numLaunches.Load() }

// FailNextCommunicator makes the next NewCommunicator call fail with err. Used to test failure paths.
func (b *Backend) FailNextCommunicator(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if deviceNum < 0 || int(deviceNum) >= b.numDevices {
		return errors.Errorf("simgpu: invalid device #%d, backend has %d devices", deviceNum, b.numDevices)
	}
	return nil
}

// CurrentStream implements backends.Runtime.
func (b *Backend) CurrentStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	return b.current[deviceNum], nil
}

// NewStream implements backends.Runtime.
func (b *Backend) NewStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.New("simgpu: backend finalized")
	}
	s := newStream(b, deviceNum, fmt.Sprintf("stream#%d.%d", deviceNum, len(b.streams)))
	b.streams = append(b.streams, s)
	return s, nil
}

// NewEvent implements backends.Runtime.
func (b *Backend) NewEvent(deviceNum backends.DeviceNum) (backends.Event, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	return newEvent(deviceNum), nil
}

// NewUniqueID implements backends.CollectiveOps.
// The id is seeded with a random UUID, readable as a string in its first bytes.
func (b *Backend) NewUniqueID() (id backends.UniqueID, err error) {
	copy(id[:], uuid.NewString())
	return id, nil
}

// NewCommunicator implements backends.CollectiveOps.
func (b *Backend) NewCommunicator(id backends.UniqueID, numRanks, rank int, deviceNum backends.DeviceNum) (backends.Communicator, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	if numRanks <= 0 || rank < 0 || rank >= numRanks {
		return nil, errors.Errorf("simgpu: invalid communicator rank %d of %d", rank, numRanks)
	}
	b.mu.Lock()
	failNext := b.failNext
	b.failNext = nil
	b.mu.Unlock()
	if failNext != nil {
		return nil, errors.WithMessagef(failNext, "simgpu: creating communicator rank %d on device #%d", rank, deviceNum)
	}

	c, err := b.fabric.join(id, numRanks, rank)
	if err != nil {
		return nil, errors.WithMessagef(err, "simgpu: creating communicator rank %d on device #%d", rank, deviceNum)
	}
	klog.V(2).Infof("simgpu: communicator rank %d/%d created on device #%d", rank, numRanks, deviceNum)
	return &Communicator{
		fabric:   b.fabric,
		clique:   c,
		rank:     rank,
		numRanks: numRanks,
		device:   deviceNum,
	}, nil
}

// GroupStart implements backends.CollectiveOps.
// Simulated collectives never block the issuing thread, so groups only need to be balanced.
func (b *Backend) GroupStart() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groupDepth++
	return nil
}

// GroupEnd implements backends.CollectiveOps.
func (b *Backend) GroupEnd() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groupDepth == 0 {
		return errors.New("simgpu: GroupEnd called without GroupStart")
	}
	b.groupDepth--
	return nil
}

// launchArgs validates and converts the generic arguments of a collective call.
func (b *Backend) launchArgs(comm backends.Communicator, stream backends.Stream, buffers ...backends.Buffer) (
	*Communicator, *Stream, []*Buffer, error) {
	c, ok := comm.(*Communicator)
	if !ok {
		return nil, nil, nil, errors.Errorf("simgpu: communicator of type %T not supported", comm)
	}
	if c.destroyed.Load() {
		return nil, nil, nil, errors.Errorf("simgpu: communicator rank %d was destroyed", c.rank)
	}
	s, ok := stream.(*Stream)
	if !ok {
		return nil, nil, nil, errors.Errorf("simgpu: stream of type %T not supported", stream)
	}
	if s.device != c.device {
		return nil, nil, nil, errors.Errorf("simgpu: stream %s (device #%d) doesn't match communicator device #%d",
			s.name, s.device, c.device)
	}
	simBuffers := make([]*Buffer, len(buffers))
	for ii, buffer := range buffers {
		sb, ok := buffer.(*Buffer)
		if !ok {
			return nil, nil, nil, errors.Errorf("simgpu: buffer of type %T not supported", buffer)
		}
		if sb.device != c.device {
			return nil, nil, nil, errors.Errorf("simgpu: %s is not on the communicator device #%d", sb, c.device)
		}
		simBuffers[ii] = sb
	}
	return c, s, simBuffers, nil
}

// launch enqueues the participation of the communicator in its next collective call.
// The sequence number is only taken if the stream accepts the call.
func (b *Backend) launch(c *Communicator, s *Stream, contrib *contribution) error {
	err := s.enqueueWith(func() func() error {
		seq := c.nextSeq()
		return func() error {
			// Always participate, even if the stream already failed, so the peers are not left hanging.
			contrib.err = s.stickyError()
			err := c.clique.participate(seq, c.rank, contrib)
			if contrib.err != nil {
				return contrib.err
			}
			return err
		}
	}, true)
	if err != nil {
		return err
	}
	b.numLaunches.Add(1)
	return nil
}

// Broadcast implements backends.CollectiveOps.
func (b *Backend) Broadcast(comm backends.Communicator, buffer backends.Buffer, root int, stream backends.Stream) error {
	c, s, buffers, err := b.launchArgs(comm, stream, buffer)
	if err != nil {
		return err
	}
	if root < 0 || root >= c.numRanks {
		return errors.Errorf("simgpu: broadcast root %d out of range for %d ranks", root, c.numRanks)
	}
	return b.launch(c, s, &contribution{
		kind:   opBroadcast,
		input:  buffers[0],
		output: buffers[0],
		root:   root,
	})
}

// AllReduce implements backends.CollectiveOps.
func (b *Backend) AllReduce(comm backends.Communicator, input, output backends.Buffer, reduceOp backends.ReduceOpType, stream backends.Stream) error {
	c, s, buffers, err := b.launchArgs(comm, stream, input, output)
	if err != nil {
		return err
	}
	if buffers[0].dtype != buffers[1].dtype || buffers[0].Len() != buffers[1].Len() {
		return errors.Errorf("simgpu: allreduce input %s and output %s don't match", buffers[0], buffers[1])
	}
	if reduceOp < backends.ReduceOpSum || reduceOp > backends.ReduceOpMin {
		return errors.Errorf("simgpu: allreduce operation %s not supported", reduceOp)
	}
	return b.launch(c, s, &contribution{
		kind:     opAllReduce,
		input:    buffers[0],
		output:   buffers[1],
		reduceOp: reduceOp,
	})
}

// Finalize implements backends.Backend. It stops all streams once their pending work is done.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.finalized = true
	for _, s := range b.streams {
		s.close()
	}
}
