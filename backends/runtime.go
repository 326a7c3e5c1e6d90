package backends

// Buffer represents data stored in a device, used as input/output of collective operations.
// It is always associated to a DeviceNum.
//
// The representation of the data is up to the backend, the process group only needs to know where it lives,
// its data type and its number of elements.
type Buffer interface {
	// Device where the buffer is stored.
	Device() DeviceNum

	// DType of the elements of the buffer.
	DType() DType

	// Len returns the number of elements in the buffer.
	Len() int
}

// Stream is an ordered queue of work on one device.
// Work enqueued on the same stream executes in the order it was enqueued.
type Stream interface {
	// Device the stream runs on.
	Device() DeviceNum

	// WaitEvent makes all future work enqueued on this stream wait for the last work captured by
	// the event (see Event.Record) to complete.
	// It doesn't block the caller.
	WaitEvent(event Event) error

	// Synchronize blocks the caller until all the work enqueued so far in the stream has finished.
	// It returns the first execution error reported by the stream, if any.
	Synchronize() error
}

// Event is a synchronization token: it captures the work enqueued in a stream up to the point it was recorded,
// and it is signaled when that work completes.
type Event interface {
	// Device the event belongs to.
	Device() DeviceNum

	// Record captures the current contents of the stream. Recording again re-arms the event.
	Record(stream Stream) error

	// Query returns whether the work captured by the last Record has completed. It never blocks.
	// An event never recorded is considered complete.
	Query() bool

	// Synchronize blocks the caller until the work captured by the last Record has completed.
	// It returns an error if the captured work failed during execution.
	Synchronize() error
}

// Runtime is the Backend's sub-interface for the device stream and event API.
type Runtime interface {
	// CurrentStream returns the stream the caller is using for computation on the given device.
	// Collective operations make their dedicated streams wait on it before touching the buffers.
	CurrentStream(deviceNum DeviceNum) (Stream, error)

	// NewStream creates a new stream, distinct from the current one, on the given device.
	NewStream(deviceNum DeviceNum) (Stream, error)

	// NewEvent creates a new event on the given device.
	NewEvent(deviceNum DeviceNum) (Event, error)
}
