package nccl

import (
	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"k8s.io/klog/v2"
)

// broadcastUniqueID distributes the unique id of the clique for the device key: rank 0 generates it and
// publishes it in the store under the device key, all other ranks block until it's available.
//
// The exchange happens once per device key: if creating the communicators fails afterward, the retry joins
// the same clique, where the peers that succeeded may already be waiting.
func (pg *ProcessGroupNCCL) broadcastUniqueID(key string) (backends.UniqueID, error) {
	if id, found := pg.uniqueIDs[key]; found {
		klog.V(2).Infof("nccl: rank %d reusing unique id for devices %q", pg.rank, key)
		return id, nil
	}
	id, err := pg.exchangeUniqueID(key)
	if err != nil {
		return id, err
	}
	pg.uniqueIDs[key] = id
	return id, nil
}

func (pg *ProcessGroupNCCL) exchangeUniqueID(key string) (backends.UniqueID, error) {
	if pg.rank == 0 {
		id, err := pg.backend.NewUniqueID()
		if err != nil {
			return id, processgroup.WrapKind(processgroup.ErrBackend, err, "generating unique id for devices %q", key)
		}
		if err := pg.store.Set(key, id[:]); err != nil {
			return id, processgroup.WrapKind(processgroup.ErrStore, err, "publishing unique id for devices %q", key)
		}
		klog.V(2).Infof("nccl: rank 0 published unique id for devices %q", key)
		return id, nil
	}

	value, err := pg.store.Get(key)
	if err != nil {
		return backends.UniqueID{}, processgroup.WrapKind(processgroup.ErrStore, err,
			"rank %d waiting for unique id of devices %q", pg.rank, key)
	}
	id, err := backends.UniqueIDFromBytes(value)
	if err != nil {
		return id, processgroup.WrapKind(processgroup.ErrStore, err, "rank %d reading unique id of devices %q", pg.rank, key)
	}
	klog.V(2).Infof("nccl: rank %d received unique id for devices %q", pg.rank, key)
	return id, nil
}
