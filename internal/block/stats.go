package block

import (
	"math"
	"sync"
	"time"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/stream"
)

const (
	// latencyWindow is the number of recent exchanges kept for statistics.
	latencyWindow = 64

	// exchangeStabilityThreshold is the maximum exchange latency standard
	// deviation as a fraction of the mean. Above it the group is jittery:
	// a slow peer or a congested link.
	exchangeStabilityThreshold = 0.25
)

// LatencyStats summarizes recent halo exchange latencies.
type LatencyStats struct {
	Samples  int
	Mean     time.Duration
	StdDev   time.Duration
	Min      time.Duration
	Max      time.Duration
	IsStable bool
}

// Stats is a snapshot of a block's counters.
type Stats struct {
	Forwards     uint64
	Backwards    uint64
	Failures     uint64
	Exchanges    uint64
	LastForward  time.Duration
	LastBackward time.Duration
	Exchange     LatencyStats
	Collective   collective.Stats
	Streams      []stream.Stats
}

// CalculateLatencyStats computes mean, standard deviation, extremes and
// stability of samples.
//
// Stability: stddev < 25% of mean, with at least two samples.
func CalculateLatencyStats(samples []time.Duration) LatencyStats {
	n := len(samples)
	if n == 0 {
		return LatencyStats{}
	}

	var sum float64
	lo, hi := samples[0], samples[0]
	for _, s := range samples {
		sum += float64(s)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	mean := sum / float64(n)

	var sumSquares float64
	for _, s := range samples {
		diff := float64(s) - mean
		sumSquares += diff * diff
	}
	stddev := math.Sqrt(sumSquares / float64(n))

	return LatencyStats{
		Samples:  n,
		Mean:     time.Duration(mean),
		StdDev:   time.Duration(stddev),
		Min:      lo,
		Max:      hi,
		IsStable: n >= 2 && stddev < mean*exchangeStabilityThreshold,
	}
}

// statsRecorder is the mutable side of Stats. Exchange latencies live in
// a ring of the last latencyWindow samples.
type statsRecorder struct {
	mu           sync.Mutex
	forwards     uint64
	backwards    uint64
	failures     uint64
	exchanges    uint64
	lastForward  time.Duration
	lastBackward time.Duration
	ring         [latencyWindow]time.Duration
}

func (s *statsRecorder) forwarded(d time.Duration) {
	s.mu.Lock()
	s.forwards++
	s.lastForward = d
	s.mu.Unlock()
}

func (s *statsRecorder) backwarded(d time.Duration) {
	s.mu.Lock()
	s.backwards++
	s.lastBackward = d
	s.mu.Unlock()
}

func (s *statsRecorder) failed() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *statsRecorder) exchanged(d time.Duration) {
	s.mu.Lock()
	s.ring[s.exchanges%latencyWindow] = d
	s.exchanges++
	s.mu.Unlock()
}

func (s *statsRecorder) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.exchanges
	if n > latencyWindow {
		n = latencyWindow
	}
	return Stats{
		Forwards:     s.forwards,
		Backwards:    s.backwards,
		Failures:     s.failures,
		Exchanges:    s.exchanges,
		LastForward:  s.lastForward,
		LastBackward: s.lastBackward,
		Exchange:     CalculateLatencyStats(append([]time.Duration(nil), s.ring[:n]...)),
	}
}

// Stats returns the block counters, the communicator traffic and the
// stream counters.
func (b *Block) Stats() Stats {
	st := b.stats.snapshot()
	st.Collective = b.comm.Stats()
	if b.sched != nil {
		st.Streams = b.sched.Stats()
	}
	return st
}
