package simgpu

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Fabric connects the simulated devices of all the backends (one per simulated process) that share it.
//
// Communicators created from the same backends.UniqueID on the same Fabric form a clique, and their
// collective calls are matched in the order they were issued.
type Fabric struct {
	mu       sync.Mutex
	cliques  map[backends.UniqueID]*clique
	abortErr error
}

// NewFabric creates a new Fabric with no cliques.
func NewFabric() *Fabric {
	return &Fabric{cliques: make(map[backends.UniqueID]*clique)}
}

// DefaultFabric is the Fabric used by backends created through the backends registry.
var DefaultFabric = NewFabric()

// NumCliques returns the number of cliques ever created in the fabric.
func (f *Fabric) NumCliques() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cliques)
}

// Abort fails all pending and future collective calls on the fabric with err, and prevents new communicators
// from being created. Calls blocked waiting for peers that will never issue them are released.
//
// Only the first call has an effect.
func (f *Fabric) Abort(err error) {
	if err == nil {
		err = errors.New("aborted")
	}
	f.mu.Lock()
	if f.abortErr != nil {
		f.mu.Unlock()
		return
	}
	f.abortErr = errors.WithMessage(err, "simgpu: fabric aborted")
	cliques := make([]*clique, 0, len(f.cliques))
	for _, c := range f.cliques {
		cliques = append(cliques, c)
	}
	f.mu.Unlock()

	klog.V(1).Infof("simgpu: aborting fabric with %d cliques: %v", len(cliques), err)
	for _, c := range cliques {
		c.abort(f.abortErr)
	}
}

// join registers a communicator in the clique of id, creating the clique if needed.
func (f *Fabric) join(id backends.UniqueID, numRanks, rank int) (*clique, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortErr != nil {
		return nil, f.abortErr
	}
	c, found := f.cliques[id]
	if !found {
		c = &clique{
			numRanks: numRanks,
			members:  make([]bool, numRanks),
			rounds:   make(map[uint64]*round),
		}
		f.cliques[id] = c
	}
	if c.numRanks != numRanks {
		return nil, errors.Errorf("communicator joining with %d ranks, but clique has %d ranks", numRanks, c.numRanks)
	}
	if c.members[rank] {
		return nil, errors.Errorf("rank %d already joined the clique", rank)
	}
	c.members[rank] = true
	return c, nil
}

// leave unregisters rank from the clique.
func (f *Fabric) leave(c *clique, rank int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.members[rank] = false
}

type opKind int

const (
	opBroadcast opKind = iota
	opAllReduce
)

func (k opKind) String() string {
	if k == opBroadcast {
		return "broadcast"
	}
	return "allreduce"
}

// contribution is what each communicator brings to one collective call.
type contribution struct {
	kind     opKind
	input    *Buffer
	output   *Buffer
	root     int
	reduceOp backends.ReduceOpType

	// err is set if the stream of the contributor had already failed.
	err error
}

// round is one collective call of a clique.
type round struct {
	contributions []*contribution
	arrived       int
	done          *xsync.LatchWithValue[error]
}

type clique struct {
	numRanks int

	mu       sync.Mutex
	members  []bool
	rounds   map[uint64]*round
	abortErr error
}

// abort fails the pending rounds and all future ones.
func (c *clique) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortErr = err
	for seq, r := range c.rounds {
		delete(c.rounds, seq)
		r.done.Trigger(errors.WithMessagef(err, "collective call #%d", seq))
	}
}

// participate adds the rank's contribution to the round seq, and blocks until all ranks have contributed
// and the round has executed.
func (c *clique) participate(seq uint64, rank int, contrib *contribution) error {
	c.mu.Lock()
	if c.abortErr != nil {
		c.mu.Unlock()
		return errors.WithMessagef(c.abortErr, "collective call #%d", seq)
	}
	r, found := c.rounds[seq]
	if !found {
		r = &round{
			contributions: make([]*contribution, c.numRanks),
			done:          xsync.NewLatchWithValue[error](),
		}
		c.rounds[seq] = r
	}
	r.contributions[rank] = contrib
	r.arrived++
	if r.arrived < c.numRanks {
		c.mu.Unlock()
		return r.done.Wait()
	}
	delete(c.rounds, seq)
	c.mu.Unlock()

	err := r.execute()
	if err != nil {
		err = errors.WithMessagef(err, "collective call #%d", seq)
	}
	r.done.Trigger(err)
	return err
}

// execute the round once all contributions arrived.
func (r *round) execute() error {
	first := r.contributions[0]
	inputs := make([]*Buffer, len(r.contributions))
	for rank, contrib := range r.contributions {
		if contrib.err != nil {
			return errors.WithMessagef(contrib.err, "rank %d failed before the collective", rank)
		}
		if contrib.kind != first.kind {
			return errors.Errorf("mismatched collective calls: rank 0 called %s, rank %d called %s",
				first.kind, rank, contrib.kind)
		}
		if contrib.input.dtype != first.input.dtype || contrib.input.Len() != first.input.Len() {
			return errors.Errorf("mismatched buffers in %s: rank 0 has %s, rank %d has %s",
				first.kind, first.input, rank, contrib.input)
		}
		switch first.kind {
		case opBroadcast:
			if contrib.root != first.root {
				return errors.Errorf("mismatched broadcast root: rank 0 uses root %d, rank %d uses root %d",
					first.root, rank, contrib.root)
			}
		case opAllReduce:
			if contrib.reduceOp != first.reduceOp {
				return errors.Errorf("mismatched reduce operation: rank 0 uses %s, rank %d uses %s",
					first.reduceOp, rank, contrib.reduceOp)
			}
		}
		inputs[rank] = contrib.input
	}

	var result any
	switch first.kind {
	case opBroadcast:
		if first.root < 0 || first.root >= len(inputs) {
			return errors.Errorf("broadcast root %d out of range for %d ranks", first.root, len(inputs))
		}
		result = inputs[first.root].flat
	case opAllReduce:
		var err error
		result, err = reduceBuffers(first.reduceOp, inputs)
		if err != nil {
			return err
		}
	}
	for rank, contrib := range r.contributions {
		if first.kind == opBroadcast && rank == first.root {
			continue
		}
		copyFlat(contrib.output, result)
	}
	if klog.V(3).Enabled() {
		klog.Infof("simgpu: %s executed across %d ranks (%s)", first.kind, len(inputs), first.input)
	}
	return nil
}

// Communicator is a simulated communicator, bound to one device and one rank of a clique.
type Communicator struct {
	fabric   *Fabric
	clique   *clique
	rank     int
	numRanks int
	device   backends.DeviceNum

	// seq is the number of collective calls issued so far, used to match the calls across ranks.
	seq       atomic.Uint64
	destroyed atomic.Bool
}

var _ backends.Communicator = (*Communicator)(nil)

// Rank implements backends.Communicator.
func (c *Communicator) Rank() int { return c.rank }

// NumRanks implements backends.Communicator.
func (c *Communicator) NumRanks() int { return c.numRanks }

// Device implements backends.Communicator.
func (c *Communicator) Device() backends.DeviceNum { return c.device }

// Destroy implements backends.Communicator.
func (c *Communicator) Destroy() error {
	if c.destroyed.Swap(true) {
		return errors.Errorf("communicator rank %d already destroyed", c.rank)
	}
	c.fabric.leave(c.clique, c.rank)
	return nil
}

// nextSeq returns the sequence number of the next collective call.
func (c *Communicator) nextSeq() uint64 {
	return c.seq.Add(1) - 1
}
