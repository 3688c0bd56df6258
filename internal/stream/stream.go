// Package stream implements ordered execution streams and the events that
// order work across them.
//
// A Stream is an instruction queue drained by one goroutine: ops run one at
// a time in issue order. Two streams run concurrently with each other, and
// the only ordering between them is an Event recorded on one and waited on
// by the other. This is the whole synchronization vocabulary the block
// needs to overlap a halo exchange with interior computation.
package stream

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

// Op is one unit of work issued to a stream.
type Op func() error

// Event marks a point in a stream's queue. It completes once every op
// issued before it on the recording stream has finished.
//
// The event carries the recording stream's error at that point, so a
// stream that waits on it adopts the failure instead of running on stale
// data.
type Event struct {
	done chan struct{}
	err  error // written once before done is closed
}

func newEvent() *Event { return &Event{done: make(chan struct{})} }

func (e *Event) complete(err error) {
	e.err = err
	close(e.done)
}

// Done returns a channel closed when the event completes.
func (e *Event) Done() <-chan struct{} { return e.done }

// Err returns the recording stream's error at the event. Valid after Done.
func (e *Event) Err() error { return e.err }

type task struct {
	op     Op
	record *Event
	wait   *Event
}

// Stats is a snapshot of a stream's counters.
type Stats struct {
	Name    string
	Issued  uint64 // ops enqueued
	Ran     uint64 // ops executed
	Skipped uint64 // ops skipped because the stream had already failed
}

// Stream is an ordered queue of ops drained by a dedicated goroutine.
//
// Semantics:
//   - Ops run in issue order, never concurrently with each other
//   - Errors are sticky: after an op fails, later ops are skipped until
//     Synchronize reports and clears the error
//   - Wait(e) blocks the queue (not the caller) until e completes
//   - A panic inside an op is recovered and becomes the stream error
//
// Thread-safety:
//   - Enqueue/Record/Wait/Synchronize/Close are safe for concurrent use,
//     although the block issues from a single goroutine
//   - queue, err and closed are protected by mu
type Stream struct {
	name string

	// --- Queue State ---

	mu     sync.Mutex
	cond   *sync.Cond // Signals the drain goroutine
	queue  []task
	err    error // First failure since the last Synchronize
	closed bool

	// --- Operational Stats ---

	issued  uint64 // atomic
	ran     uint64 // atomic
	skipped uint64 // atomic

	stopped chan struct{}
}

// New starts a stream. The name only appears in errors and stats.
func New(name string) *Stream {
	s := &Stream{name: name, stopped: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

func (s *Stream) push(t task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err == nil {
			s.err = fmt.Errorf("stream %s: %w", s.name, errs.ErrClosed)
		}
		return false
	}
	s.queue = append(s.queue, t)
	s.cond.Signal()
	return true
}

// Enqueue issues op. It returns immediately.
func (s *Stream) Enqueue(op Op) {
	atomic.AddUint64(&s.issued, 1)
	s.push(task{op: op})
}

// Record issues an event at the current end of the queue.
func (s *Stream) Record() *Event {
	e := newEvent()
	if !s.push(task{record: e}) {
		e.complete(fmt.Errorf("stream %s: %w", s.name, errs.ErrClosed))
	}
	return e
}

// Wait makes every op issued after this call wait for e.
func (s *Stream) Wait(e *Event) {
	s.push(task{wait: e})
}

// Synchronize blocks until every op issued so far has finished, then
// returns the first error since the previous Synchronize and clears it.
func (s *Stream) Synchronize() error {
	e := s.Record()
	<-e.done
	s.mu.Lock()
	err := s.err
	s.err = nil
	s.mu.Unlock()
	if err == nil {
		err = e.err
	}
	return err
}

// Close drains the queue and stops the goroutine. Ops issued after Close
// fail with ErrClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
	<-s.stopped
}

// Stats returns the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Name:    s.name,
		Issued:  atomic.LoadUint64(&s.issued),
		Ran:     atomic.LoadUint64(&s.ran),
		Skipped: atomic.LoadUint64(&s.skipped),
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// drain is the stream goroutine.
func (s *Stream) drain() {
	defer close(s.stopped)
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
		err := s.err
		s.mu.Unlock()

		switch {
		case t.record != nil:
			t.record.complete(err)
		case t.wait != nil:
			<-t.wait.done
			if t.wait.err != nil {
				s.fail(t.wait.err)
			}
		case err != nil:
			atomic.AddUint64(&s.skipped, 1)
		default:
			atomic.AddUint64(&s.ran, 1)
			if opErr := s.run(t.op); opErr != nil {
				s.fail(opErr)
			}
		}
	}
}

func (s *Stream) run(op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream %s: panic: %v", s.name, r)
		}
	}()
	return op()
}
