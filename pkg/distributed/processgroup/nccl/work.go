package nccl

import (
	"fmt"
	"slices"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WorkNCCL tracks one collective call scheduled by ProcessGroupNCCL, using one completion event per device.
//
// It's only created by ProcessGroupNCCL.
type WorkNCCL struct {
	backend backends.Backend
	devices []backends.DeviceNum
	events  []backends.Event
}

var _ processgroup.Work = (*WorkNCCL)(nil)

func newWorkNCCL(backend backends.Backend, devices []backends.DeviceNum) (*WorkNCCL, error) {
	w := &WorkNCCL{
		backend: backend,
		devices: slices.Clone(devices),
		events:  make([]backends.Event, len(devices)),
	}
	for ii, device := range devices {
		event, err := backend.NewEvent(device)
		if err != nil {
			return nil, processgroup.WrapKind(processgroup.ErrBackend, err, "creating completion event for device #%d", device)
		}
		w.events[ii] = event
	}
	return w, nil
}

// Devices returns the devices the collective call runs on, in the order of its buffers.
func (w *WorkNCCL) Devices() []backends.DeviceNum {
	return slices.Clone(w.devices)
}

// IsCompleted implements processgroup.Work.
// It checks whether the collective has finished on every device. It doesn't block.
func (w *WorkNCCL) IsCompleted() bool {
	return w.FinishedGPUExecution()
}

// FinishedGPUExecution returns whether the collective kernels have finished execution on all devices (as opposed
// to only being scheduled).
//
// The completion events are recorded right after the collective call, so it's the same as IsCompleted.
func (w *WorkNCCL) FinishedGPUExecution() bool {
	for _, event := range w.events {
		if !event.Query() {
			return false
		}
	}
	return true
}

// IsSuccess implements processgroup.Work. Failures are raised, never captured, so it always returns true.
func (w *WorkNCCL) IsSuccess() bool {
	return true
}

// Wait implements processgroup.Work.
//
// The current stream of each device is made to wait for the collective, so work enqueued afterward sees its
// results, and then it blocks until the completion events are signaled.
// It panics (see package github.com/gomlx/exceptions) if the collective failed.
func (w *WorkNCCL) Wait() {
	for ii, device := range w.devices {
		current, err := w.backend.CurrentStream(device)
		if err != nil {
			klog.Errorf("nccl: failed to get current stream of device #%d: %+v", device, err)
			exceptions.Panicf("WorkNCCL.Wait(): current stream of device #%d: %+v", device, err)
		}
		if err := current.WaitEvent(w.events[ii]); err != nil {
			klog.Errorf("nccl: failed to wait on completion of device #%d: %+v", device, err)
			exceptions.Panicf("WorkNCCL.Wait(): waiting on device #%d: %+v", device, err)
		}
	}
	for ii, event := range w.events {
		if err := event.Synchronize(); err != nil {
			klog.Errorf("nccl: collective failed on device #%d: %+v", w.devices[ii], err)
			exceptions.Panicf("WorkNCCL.Wait(): collective failed on device #%d: %+v", w.devices[ii], err)
		}
	}
}

// Synchronize implements processgroup.Work. Same as Wait.
func (w *WorkNCCL) Synchronize() {
	w.Wait()
}

// Exception implements processgroup.Work. WorkNCCL never captures failures, so it's not supported.
func (w *WorkNCCL) Exception() error {
	return errors.Wrapf(processgroup.ErrNotSupported, "WorkNCCL.Exception(): failures are raised by Wait, not captured")
}

// String implements fmt.Stringer.
func (w *WorkNCCL) String() string {
	state := "pending"
	if w.IsCompleted() {
		state = "completed"
	}
	return fmt.Sprintf("WorkNCCL(devices=%q, %s)", processgroup.DeviceKey(w.devices), state)
}
