package simgpu

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// task is a unit of work executed by a stream.
type task struct {
	run func() error

	// always tasks run even after the stream failed: they report the failure (event records).
	always bool
}

// Stream is a simulated device stream: a goroutine executing the enqueued tasks in order.
//
// Like CUDA streams, errors are sticky: once a task fails, all following tasks are skipped and the error
// is reported by every event recorded afterward.
type Stream struct {
	backend  *Backend
	device   backends.DeviceNum
	name     string
	inFlight *xsync.DynamicWaitGroup
	enqueued atomic.Int64

	mu     sync.Mutex
	cond   sync.Cond
	queue  []task
	err    error
	closed bool
}

var _ backends.Stream = (*Stream)(nil)

func newStream(backend *Backend, device backends.DeviceNum, name string) *Stream {
	s := &Stream{
		backend:  backend,
		device:   device,
		name:     name,
		inFlight: xsync.NewDynamicWaitGroup(),
	}
	s.cond = sync.Cond{L: &s.mu}
	go s.loop()
	return s
}

// Device implements backends.Stream.
func (s *Stream) Device() backends.DeviceNum {
	return s.device
}

// String returns the stream name.
func (s *Stream) String() string {
	return s.name
}

// NumEnqueued returns the number of tasks ever enqueued in the stream.
func (s *Stream) NumEnqueued() int64 {
	return s.enqueued.Load()
}

// enqueue adds a task to the end of the stream.
func (s *Stream) enqueue(run func() error, always bool) error {
	return s.enqueueWith(func() func() error { return run }, always)
}

// enqueueWith adds the task created by newRun to the end of the stream. newRun is only called if the stream
// accepts the task, and with the stream locked: anything it reserves follows the order of the stream.
func (s *Stream) enqueueWith(newRun func() func() error, always bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("stream %s is closed", s.name)
	}
	s.inFlight.Add(1)
	s.enqueued.Add(1)
	s.queue = append(s.queue, task{run: newRun(), always: always})
	s.cond.Signal()
	return nil
}

// loop executes tasks until the stream is closed and drained.
func (s *Stream) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue[0] = task{}
		s.queue = s.queue[1:]
		stickyErr := s.err
		s.mu.Unlock()

		if stickyErr == nil || t.always {
			if err := t.run(); err != nil {
				klog.Errorf("simgpu: stream %s failed: %+v", s.name, err)
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
		}
		s.inFlight.Done()
	}
}

// stickyError returns the first error of the stream, if any.
func (s *Stream) stickyError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitEvent implements backends.Stream.
// It captures the last recording of the event at the time of the call.
func (s *Stream) WaitEvent(event backends.Event) error {
	e, ok := event.(*Event)
	if !ok {
		return errors.Errorf("simgpu: stream %s can't wait on event of type %T", s.name, event)
	}
	latch := e.current()
	return s.enqueue(func() error {
		return latch.Wait()
	}, false)
}

// Synchronize implements backends.Stream.
func (s *Stream) Synchronize() error {
	s.inFlight.Wait()
	return s.stickyError()
}

// close stops accepting work; the goroutine exits once the queue is drained.
func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Event is a simulated device event.
type Event struct {
	device backends.DeviceNum

	mu    sync.Mutex
	latch *xsync.LatchWithValue[error]
}

var _ backends.Event = (*Event)(nil)

func newEvent(device backends.DeviceNum) *Event {
	return &Event{
		device: device,
		latch:  xsync.NewTriggeredLatchWithValue[error](nil),
	}
}

// Device implements backends.Event.
func (e *Event) Device() backends.DeviceNum {
	return e.device
}

func (e *Event) current() *xsync.LatchWithValue[error] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latch
}

// Record implements backends.Event.
func (e *Event) Record(stream backends.Stream) error {
	s, ok := stream.(*Stream)
	if !ok {
		return errors.Errorf("simgpu: can't record event on stream of type %T", stream)
	}
	if s.device != e.device {
		return errors.Errorf("simgpu: event on device #%d can't be recorded on stream %s of device #%d",
			e.device, s.name, s.device)
	}
	latch := xsync.NewLatchWithValue[error]()
	e.mu.Lock()
	e.latch = latch
	e.mu.Unlock()
	err := s.enqueue(func() error {
		latch.Trigger(s.stickyError())
		return nil
	}, true)
	if err != nil {
		latch.Trigger(err)
	}
	return err
}

// Query implements backends.Event.
func (e *Event) Query() bool {
	return e.current().Test()
}

// Synchronize implements backends.Event.
func (e *Event) Synchronize() error {
	return e.current().Wait()
}
