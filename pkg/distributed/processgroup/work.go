package processgroup

// Work is the handle of one collective call issued by a ProcessGroup.
//
// It starts pending, and becomes complete once the operation has finished on all its devices. There is
// no failed state: execution failures are unrecoverable, and are raised (panic) by Wait instead of being
// captured in the Work.
type Work interface {
	// IsCompleted returns whether the operation has finished on all its devices. It never blocks.
	IsCompleted() bool

	// IsSuccess returns whether the operation succeeded. Failures are never captured, so it is always true.
	IsSuccess() bool

	// Wait until the operation is complete: work enqueued afterward on the current streams of the devices
	// will see its results, and when it returns IsCompleted() is true.
	//
	// It panics if the operation failed during execution.
	Wait()

	// Synchronize is a synonym of Wait.
	Synchronize()

	// Exception would return the failure captured by the Work. Implementations that never capture failures
	// return an error matching ErrNotSupported.
	Exception() error
}
