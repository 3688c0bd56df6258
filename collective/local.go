package collective

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

// LocalWorld is an in-process world of goroutine workers.
//
// Architecture:
//   - One rendezvous room per group, keyed by the group's rank list
//   - One round per collective call, keyed by the caller's sequence number
//   - Members deposit their buffer and block on a shared sync.Cond until
//     every member of the group has arrived
//   - A member leaving early (context or Close) fails the round for
//     every other member
//   - The last member to leave a round deletes it
//
// Thread-safety:
//   - All room and round state is protected by mu
//   - Each Communicator must be used by one goroutine at a time (the
//     sequence counter is the member's program order)
type LocalWorld struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	rooms  map[string]*room
	closed bool
}

type room struct {
	size   int
	rounds map[uint64]*round
}

type round struct {
	kind    Kind
	length  int
	data    [][]float64
	arrived int
	left    int
	err     error
}

// NewLocalWorld creates a world of size ranks.
func NewLocalWorld(size int) *LocalWorld {
	w := &LocalWorld{size: size, rooms: make(map[string]*room)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Size returns the world size.
func (w *LocalWorld) Size() int { return w.size }

// NewGroup returns rank's handle on the group formed by ranks. Every member
// of the group calls NewGroup with the same rank list.
func (w *LocalWorld) NewGroup(rank int, ranks []int) (Communicator, error) {
	if len(ranks) == 0 {
		return nil, errs.Configf("new group", errs.ErrInvalidGroupSize, "empty group")
	}
	local := -1
	for i, r := range ranks {
		if r < 0 || r >= w.size {
			return nil, errs.Configf("new group", errs.ErrRankOutOfRange, "rank %d, world size %d", r, w.size)
		}
		if r == rank {
			local = i
		}
	}
	if local < 0 {
		return nil, errs.Configf("new group", errs.ErrRankOutOfRange, "rank %d not in group %v", rank, ranks)
	}

	key := fmt.Sprint(ranks)
	w.mu.Lock()
	defer w.mu.Unlock()
	rm, ok := w.rooms[key]
	if !ok {
		rm = &room{size: len(ranks), rounds: make(map[uint64]*round)}
		w.rooms[key] = rm
	}
	return &localComm{world: w, room: rm, rank: local, size: len(ranks)}, nil
}

// Split partitions the whole world into groups of groupSize and returns
// one communicator per global rank.
func (w *LocalWorld) Split(groupSize int) ([]Communicator, error) {
	comms := make([]Communicator, w.size)
	for rank := 0; rank < w.size; rank++ {
		m, err := Partition(w.size, rank, groupSize)
		if err != nil {
			return nil, err
		}
		if comms[rank], err = w.NewGroup(rank, m.Ranks); err != nil {
			return nil, err
		}
	}
	return comms, nil
}

// Close wakes every blocked member with ErrClosed.
func (w *LocalWorld) Close() error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	return nil
}

type localComm struct {
	world *LocalWorld
	room  *room
	rank  int
	size  int

	seq    uint64 // atomic
	closed atomic.Bool
	meter  Meter
}

func (c *localComm) Rank() int { return c.rank }

func (c *localComm) Size() int { return c.size }

func (c *localComm) Stats() Stats { return c.meter.Snapshot() }

func (c *localComm) Close() error {
	c.closed.Store(true)
	c.world.mu.Lock()
	c.world.cond.Broadcast()
	c.world.mu.Unlock()
	return nil
}

func (c *localComm) AllGather(ctx context.Context, send []float64) ([][]float64, error) {
	start := time.Now()
	out, err := c.rendezvous(ctx, KindAllGather, send)
	if err != nil {
		return nil, errs.Comm("all-gather", err)
	}
	c.meter.Observe(Bytes(len(send)), Bytes(len(send)*(c.size-1)), time.Since(start))
	return out, nil
}

func (c *localComm) AllReduceSum(ctx context.Context, buf []float64) error {
	start := time.Now()
	gathered, err := c.rendezvous(ctx, KindAllReduce, buf)
	if err != nil {
		return errs.Comm("all-reduce", err)
	}
	if err := SumGathered(gathered, buf); err != nil {
		return errs.Comm("all-reduce", err)
	}
	c.meter.Observe(Bytes(len(buf)), Bytes(len(buf)*(c.size-1)), time.Since(start))
	return nil
}

// rendezvous deposits send in the round for the next sequence number and
// waits for every member.
func (c *localComm) rendezvous(ctx context.Context, kind Kind, send []float64) ([][]float64, error) {
	seq := atomic.AddUint64(&c.seq, 1)
	buf := append([]float64(nil), send...)

	w := c.world
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := c.room.rounds[seq]
	if !ok {
		r = &round{kind: kind, length: len(send), data: make([][]float64, c.size)}
		c.room.rounds[seq] = r
	}
	if w.closed || c.closed.Load() {
		return nil, c.leave(seq, r, errs.ErrClosed)
	}
	switch {
	case r.err != nil:
	case r.kind != kind:
		r.err = fmt.Errorf("%w: call %d is %s on rank %d, %s elsewhere", errs.ErrOutOfOrder, seq, kind, c.rank, r.kind)
	case r.length != len(send):
		r.err = fmt.Errorf("%w: call %d sends %d values on rank %d, %d elsewhere", errs.ErrShapeMismatch, seq, len(send), c.rank, r.length)
	}
	r.data[c.rank] = buf
	r.arrived++
	w.cond.Broadcast()

	for r.arrived < c.size && r.err == nil {
		if w.closed || c.closed.Load() {
			return nil, c.leave(seq, r, errs.ErrClosed)
		}
		if err := ctx.Err(); err != nil {
			return nil, c.leave(seq, r, fmt.Errorf("call %d: %d of %d members arrived: %w", seq, r.arrived, c.size, err))
		}
		w.cond.Wait()
	}

	c.depart(seq, r)
	if r.err != nil {
		return nil, r.err
	}
	return r.data, nil
}

// leave abandons round seq with cause. Members still waiting in the round,
// and members yet to arrive, fail with the departure. Callers hold mu.
func (c *localComm) leave(seq uint64, r *round, cause error) error {
	if r.err == nil {
		r.err = fmt.Errorf("call %d: rank %d left: %w", seq, c.rank, cause)
	}
	c.depart(seq, r)
	c.world.cond.Broadcast()
	return cause
}

// depart counts the member out of round seq. The last member out deletes
// the round. Callers hold mu.
func (c *localComm) depart(seq uint64, r *round) {
	r.left++
	if r.left == c.size {
		delete(c.room.rounds, seq)
	}
}
