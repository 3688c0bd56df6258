package stream

import "errors"

// Scheduler owns the two streams of a block: Compute runs the stage
// kernels, Exchange runs halo exchanges and the boundary convolutions that
// depend on them.
//
// With overlap disabled there is no exchange stream and Overlap issues
// everything on Compute in the same order. Every op writes the same
// memory in both modes, so results are bit-identical.
type Scheduler struct {
	Compute  *Stream
	Exchange *Stream // nil when overlap is disabled

	overlap bool
}

// NewScheduler starts the streams of one block.
func NewScheduler(overlap bool) *Scheduler {
	s := &Scheduler{Compute: New("compute"), overlap: overlap}
	if overlap {
		s.Exchange = New("exchange")
	}
	return s
}

// Overlapping reports whether side work runs on its own stream.
func (s *Scheduler) Overlapping() bool { return s.overlap }

// Overlap issues a fork/join:
//
//  1. record compute, exchange waits on it (side sees all prior compute)
//  2. side on exchange, main on compute, concurrently
//  3. compute waits on exchange
//  4. merge on compute
//
// side and main must not write memory the other reads. merge may be nil.
func (s *Scheduler) Overlap(side, main, merge Op) {
	if !s.overlap {
		s.Compute.Enqueue(side)
		s.Compute.Enqueue(main)
		if merge != nil {
			s.Compute.Enqueue(merge)
		}
		return
	}
	s.Exchange.Wait(s.Compute.Record())
	s.Exchange.Enqueue(side)
	s.Compute.Enqueue(main)
	s.Compute.Wait(s.Exchange.Record())
	if merge != nil {
		s.Compute.Enqueue(merge)
	}
}

// Synchronize waits for both streams and returns their errors joined.
func (s *Scheduler) Synchronize() error {
	err := s.Compute.Synchronize()
	if s.Exchange != nil {
		if xerr := s.Exchange.Synchronize(); xerr != nil && !errors.Is(err, xerr) {
			err = errors.Join(err, xerr)
		}
	}
	return err
}

// Stats returns the counters of every stream.
func (s *Scheduler) Stats() []Stats {
	out := []Stats{s.Compute.Stats()}
	if s.Exchange != nil {
		out = append(out, s.Exchange.Stats())
	}
	return out
}

// Close stops both streams after draining them.
func (s *Scheduler) Close() {
	if s.Exchange != nil {
		s.Exchange.Close()
	}
	s.Compute.Close()
}
