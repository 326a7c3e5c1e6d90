// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented implements a backends.Backend that returns a "Not implemented" error
// to all operations.
//
// It's meant to be embedded in mock backends in tests, overriding only the methods under test.
package notimplemented

import (
	"fmt"

	"github.com/gomlx/collective/backends"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to it with errors.Wrapf(NotImplementedError, "...") when using it.
var NotImplementedError = backends.ErrNotImplemented

// Backend is a dummy backend that can be embedded to create mock backends.
type Backend struct{}

var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "notimplemented"
}

// String returns the same as Name.
func (b *Backend) String() string {
	return b.Name()
}

// Description is a longer description of the Backend.
func (b *Backend) Description() string {
	return "Not Implemented Backend (mock backend for testing)"
}

// NumDevices returns 1 as the number of devices available.
func (b *Backend) NumDevices() int {
	return 1
}

// DeviceDescription returns a description of the device.
func (b *Backend) DeviceDescription(deviceNum backends.DeviceNum) string {
	return fmt.Sprintf("Not Implemented Device %d", deviceNum)
}

// CurrentStream returns NotImplementedError.
func (b *Backend) CurrentStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	return nil, errors.Wrapf(NotImplementedError, "in CurrentStream(%d)", deviceNum)
}

// NewStream returns NotImplementedError.
func (b *Backend) NewStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	return nil, errors.Wrapf(NotImplementedError, "in NewStream(%d)", deviceNum)
}

// NewEvent returns NotImplementedError.
func (b *Backend) NewEvent(deviceNum backends.DeviceNum) (backends.Event, error) {
	return nil, errors.Wrapf(NotImplementedError, "in NewEvent(%d)", deviceNum)
}

// NewUniqueID returns NotImplementedError.
func (b *Backend) NewUniqueID() (backends.UniqueID, error) {
	return backends.UniqueID{}, errors.Wrapf(NotImplementedError, "in NewUniqueID()")
}

// NewCommunicator returns NotImplementedError.
func (b *Backend) NewCommunicator(id backends.UniqueID, numRanks, rank int, deviceNum backends.DeviceNum) (backends.Communicator, error) {
	return nil, errors.Wrapf(NotImplementedError, "in NewCommunicator(rank=%d of %d, device=%d)", rank, numRanks, deviceNum)
}

// GroupStart returns NotImplementedError.
func (b *Backend) GroupStart() error {
	return errors.Wrapf(NotImplementedError, "in GroupStart()")
}

// GroupEnd returns NotImplementedError.
func (b *Backend) GroupEnd() error {
	return errors.Wrapf(NotImplementedError, "in GroupEnd()")
}

// Broadcast returns NotImplementedError.
func (b *Backend) Broadcast(comm backends.Communicator, buffer backends.Buffer, root int, stream backends.Stream) error {
	return errors.Wrapf(NotImplementedError, "in Broadcast()")
}

// AllReduce returns NotImplementedError.
func (b *Backend) AllReduce(comm backends.Communicator, input, output backends.Buffer, reduceOp backends.ReduceOpType, stream backends.Stream) error {
	return errors.Wrapf(NotImplementedError, "in AllReduce()")
}

// Finalize is a no-op.
func (b *Backend) Finalize() {}
