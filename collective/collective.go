// Package collective defines the communication boundary of a partition
// group and an in-process implementation of it.
//
// A group is a consecutive range of groupSize ranks out of the world. The
// block only needs two operations from it: an ordered all-gather (the halo
// exchange) and an all-reduce sum (weight gradients, run by the caller).
// Both are blocking calls that every member must issue in the same order;
// transports number the calls and reject a peer whose sequence disagrees.
//
// Implementations:
//   - LocalWorld: goroutines in one process (tests, examples)
//   - collective/tcp: full mesh over TCP
//   - collective/mqtt: broker-mediated over MQTT
package collective

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

// Communicator is one member's handle on a partition group.
type Communicator interface {
	// Rank is the member's position within the group, in [0, Size()).
	Rank() int
	// Size is the group size.
	Size() int
	// AllGather returns every member's send buffer, indexed by rank. All
	// members must pass buffers of the same length. The returned slices
	// must not be modified.
	AllGather(ctx context.Context, send []float64) ([][]float64, error)
	// AllReduceSum replaces buf with the elementwise sum over members.
	// Every member obtains bit-identical results.
	AllReduceSum(ctx context.Context, buf []float64) error
	// Stats returns a snapshot of the member's traffic counters.
	Stats() Stats
	// Close releases the member. Blocked calls return ErrClosed.
	Close() error
}

// Kind distinguishes collective calls sharing a sequence number space.
type Kind uint8

const (
	KindAllGather Kind = iota + 1
	KindAllReduce
)

func (k Kind) String() string {
	switch k {
	case KindAllGather:
		return "all-gather"
	case KindAllReduce:
		return "all-reduce"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Membership is the result of partitioning a world into groups.
type Membership struct {
	WorldSize int
	Rank      int   // global rank
	GroupSize int
	Group     int   // group index
	LocalRank int   // rank within the group
	Ranks     []int // global ranks of the group, in local rank order
}

// Partition splits worldSize ranks into consecutive groups of groupSize
// and returns rank's membership.
func Partition(worldSize, rank, groupSize int) (Membership, error) {
	if groupSize <= 0 || worldSize <= 0 || worldSize%groupSize != 0 {
		return Membership{}, errs.Configf("partition", errs.ErrInvalidGroupSize,
			"group size %d, world size %d", groupSize, worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return Membership{}, errs.Configf("partition", errs.ErrRankOutOfRange,
			"rank %d, world size %d", rank, worldSize)
	}
	g := rank / groupSize
	m := Membership{
		WorldSize: worldSize,
		Rank:      rank,
		GroupSize: groupSize,
		Group:     g,
		LocalRank: rank % groupSize,
		Ranks:     make([]int, groupSize),
	}
	for i := range m.Ranks {
		m.Ranks[i] = g*groupSize + i
	}
	return m, nil
}

// Stats is a snapshot of a communicator's counters.
type Stats struct {
	Calls         uint64
	BytesSent     uint64
	BytesReceived uint64
	LastDuration  time.Duration
}

// Meter accumulates Stats. The zero value is ready to use and safe for
// concurrent updates.
type Meter struct {
	calls    uint64
	sent     uint64
	received uint64
	last     int64
}

// Observe records one call.
func (m *Meter) Observe(sent, received int, d time.Duration) {
	atomic.AddUint64(&m.calls, 1)
	atomic.AddUint64(&m.sent, uint64(sent))
	atomic.AddUint64(&m.received, uint64(received))
	atomic.StoreInt64(&m.last, int64(d))
}

// Snapshot returns the current counters.
func (m *Meter) Snapshot() Stats {
	return Stats{
		Calls:         atomic.LoadUint64(&m.calls),
		BytesSent:     atomic.LoadUint64(&m.sent),
		BytesReceived: atomic.LoadUint64(&m.received),
		LastDuration:  time.Duration(atomic.LoadInt64(&m.last)),
	}
}

// SumGathered writes the elementwise sum of gathered into buf, adding in
// rank order so every member computes the same bits.
func SumGathered(gathered [][]float64, buf []float64) error {
	if len(gathered) == 0 {
		return fmt.Errorf("%w: nothing gathered", errs.ErrShapeMismatch)
	}
	if err := CheckLengths(gathered, len(buf)); err != nil {
		return err
	}
	for i := range buf {
		s := gathered[0][i]
		for _, g := range gathered[1:] {
			s += g[i]
		}
		buf[i] = s
	}
	return nil
}

// CheckLengths verifies that every rank sent want values.
func CheckLengths(gathered [][]float64, want int) error {
	for r, g := range gathered {
		if len(g) != want {
			return fmt.Errorf("%w: rank %d sent %d values, want %d", errs.ErrShapeMismatch, r, len(g), want)
		}
	}
	return nil
}

// Bytes returns the payload size of n float64 values.
func Bytes(n int) int { return 8 * n }
