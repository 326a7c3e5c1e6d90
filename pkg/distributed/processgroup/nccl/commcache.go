package nccl

import (
	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"k8s.io/klog/v2"
)

// commEntry holds the communicators, dedicated streams and synchronization events for one device key.
// All slices have the same length, and follow the order of the devices.
//
// It is never mutated after it's created.
type commEntry struct {
	key     string
	devices []backends.DeviceNum
	comms   []backends.Communicator
	streams []backends.Stream
	events  []backends.Event
}

// destroy the communicators created so far.
func (e *commEntry) destroy() error {
	var firstErr error
	for _, comm := range e.comms {
		if err := comm.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// getNCCLComm returns the cached communicators for the device key, or creates them.
//
// Creating requires the unique id exchange through the store, so it blocks until all ranks reach
// the same call. On failure nothing is cached, and the error is fatal for the process group.
func (pg *ProcessGroupNCCL) getNCCLComm(key string, devices []backends.DeviceNum) (*commEntry, error) {
	pg.commsMu.Lock()
	defer pg.commsMu.Unlock()
	if entry, found := pg.comms[key]; found {
		klog.V(2).Infof("nccl: rank %d reusing communicators for devices %q", pg.rank, key)
		return entry, nil
	}

	id, err := pg.broadcastUniqueID(key)
	if err != nil {
		klog.Errorf("nccl: rank %d failed to exchange unique id for devices %q: %+v", pg.rank, key, err)
		return nil, err
	}

	entry, err := pg.newCommEntry(id, key, devices)
	if err != nil {
		klog.Errorf("nccl: rank %d failed to create communicators for devices %q: %+v", pg.rank, key, err)
		return nil, err
	}
	pg.comms[key] = entry
	klog.V(1).Infof("nccl: rank %d created %d communicators for devices %q", pg.rank, len(devices), key)
	return entry, nil
}

// newCommEntry creates one communicator, one dedicated stream and one event per device.
//
// Each device is a rank in the clique: the clique has size*len(devices) ranks, and the device ii of this
// process has rank rank*len(devices)+ii.
func (pg *ProcessGroupNCCL) newCommEntry(id backends.UniqueID, key string, devices []backends.DeviceNum) (*commEntry, error) {
	numRanks := pg.size * len(devices)
	entry := &commEntry{
		key:     key,
		devices: devices,
		comms:   make([]backends.Communicator, 0, len(devices)),
		streams: make([]backends.Stream, 0, len(devices)),
		events:  make([]backends.Event, 0, len(devices)),
	}
	if err := pg.backend.GroupStart(); err != nil {
		return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "starting communicators group")
	}
	for ii, device := range devices {
		comm, err := pg.backend.NewCommunicator(id, numRanks, pg.rank*len(devices)+ii, device)
		if err != nil {
			_ = pg.backend.GroupEnd()
			_ = entry.destroy()
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "creating communicator for device #%d", device)
		}
		entry.comms = append(entry.comms, comm)
	}
	if err := pg.backend.GroupEnd(); err != nil {
		_ = entry.destroy()
		return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "ending communicators group")
	}

	for _, device := range devices {
		stream, err := pg.backend.NewStream(device)
		if err != nil {
			_ = entry.destroy()
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "creating stream for device #%d", device)
		}
		event, err := pg.backend.NewEvent(device)
		if err != nil {
			_ = entry.destroy()
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "creating event for device #%d", device)
		}
		entry.streams = append(entry.streams, stream)
		entry.events = append(entry.events, event)
	}
	return entry, nil
}

// NumCachedCommunicators returns the number of device keys with cached communicators.
func (pg *ProcessGroupNCCL) NumCachedCommunicators() int {
	pg.commsMu.Lock()
	defer pg.commsMu.Unlock()
	return len(pg.comms)
}
