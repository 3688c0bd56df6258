// Package tcp implements collective.Communicator over a full TCP mesh.
//
// Every group member listens on its own address. Member i dials every
// member j < i and accepts a connection from every j > i, so each pair
// shares exactly one connection. The first frame on a connection is a
// hello carrying the sender's rank and the group session; members of a
// different session are rejected.
//
// A collective call writes one frame to every peer and reads one frame
// from every peer. Frames carry the call's sequence number and kind, and a
// frame that does not match the local call is ErrOutOfOrder.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

const (
	dialBackoff = 50 * time.Millisecond

	// helloTimeout bounds how long an accepted connection may stay silent
	// before it is dropped.
	helloTimeout = 2 * time.Second
)

// Config describes one member of a TCP group.
type Config struct {
	// Rank is the member's rank within the group.
	Rank int
	// Addrs lists the listen address of every member, by rank.
	Addrs []string
	// Session identifies the group. All members must agree.
	Session uuid.UUID
	// Listener, when set, is used instead of listening on Addrs[Rank].
	Listener net.Listener
}

func (c Config) validate() error {
	if len(c.Addrs) == 0 {
		return errs.Configf("tcp", errs.ErrInvalidGroupSize, "no member addresses")
	}
	if c.Rank < 0 || c.Rank >= len(c.Addrs) {
		return errs.Configf("tcp", errs.ErrRankOutOfRange, "rank %d of %d members", c.Rank, len(c.Addrs))
	}
	if c.Session == uuid.Nil {
		return errs.Configf("tcp", errs.ErrUnsupported, "empty session id")
	}
	return nil
}

type peer struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
}

// Comm is one member's handle on a TCP group.
//
// Thread-safety: collective calls must be issued from one goroutine at a
// time; Stats and Close are safe from any goroutine.
type Comm struct {
	rank    int
	size    int
	session string
	peers   []*peer // indexed by rank, nil at own rank
	ln      net.Listener

	seq    uint64
	closed atomic.Bool
	meter  collective.Meter
	once   sync.Once
}

// Dial connects rank to every other member. It blocks until the mesh is
// complete or ctx ends; peers may start in any order.
func Dial(ctx context.Context, cfg Config) (*Comm, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Comm{
		rank:    cfg.Rank,
		size:    len(cfg.Addrs),
		session: cfg.Session.String(),
		peers:   make([]*peer, len(cfg.Addrs)),
	}
	if c.size == 1 {
		return c, nil
	}

	c.ln = cfg.Listener
	if c.ln == nil && cfg.Rank < c.size-1 {
		ln, err := net.Listen("tcp", cfg.Addrs[cfg.Rank])
		if err != nil {
			return nil, errs.Comm("tcp listen", err)
		}
		c.ln = ln
	}

	var g errgroup.Group
	if n := c.size - 1 - cfg.Rank; n > 0 {
		g.Go(func() error { return c.acceptPeers(ctx, n) })
	}
	for j := 0; j < cfg.Rank; j++ {
		j := j
		addr := cfg.Addrs[j]
		g.Go(func() error { return c.dialPeer(ctx, j, addr) })
	}
	if err := g.Wait(); err != nil {
		c.Close()
		return nil, errs.Comm("tcp connect", err)
	}

	slog.Info("tcp collective connected",
		"rank", c.rank,
		"size", c.size,
		"session", c.session,
	)
	return c, nil
}

func (c *Comm) dialPeer(ctx context.Context, rank int, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			if _, err := writeFrame(conn, &frame{Kind: kindHello, From: c.rank, Session: c.session}); err != nil {
				conn.Close()
				return fmt.Errorf("hello to rank %d: %w", rank, err)
			}
			c.peers[rank] = &peer{rank: rank, conn: conn, r: bufio.NewReader(conn)}
			return nil
		}
		slog.Debug("tcp dial retry", "rank", c.rank, "peer", rank, "addr", addr, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("dial rank %d at %s: %w", rank, addr, ctx.Err())
		case <-time.After(dialBackoff):
		}
	}
}

func (c *Comm) acceptPeers(ctx context.Context, n int) error {
	stop := context.AfterFunc(ctx, func() { c.ln.Close() })
	defer stop()

	for accepted := 0; accepted < n; {
		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("accept: %w", ctx.Err())
			}
			return fmt.Errorf("accept: %w", err)
		}
		r := bufio.NewReader(conn)
		hello, err := readHello(ctx, conn, r)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return fmt.Errorf("hello from %s: %w", conn.RemoteAddr(), ctx.Err())
			}
			slog.Warn("tcp collective dropped connection without hello",
				"rank", c.rank,
				"remote", conn.RemoteAddr().String(),
				"error", err,
			)
			continue
		}
		switch {
		case hello.Kind != kindHello || hello.Session != c.session:
			slog.Warn("tcp collective rejected connection",
				"rank", c.rank,
				"remote", conn.RemoteAddr().String(),
				"session", hello.Session,
			)
			conn.Close()
			continue
		case hello.From <= c.rank || hello.From >= c.size || c.peers[hello.From] != nil:
			conn.Close()
			return fmt.Errorf("%w: unexpected hello from rank %d", errs.ErrRankOutOfRange, hello.From)
		}
		c.peers[hello.From] = &peer{rank: hello.From, conn: conn, r: r}
		accepted++
	}
	return nil
}

// readHello reads the first frame of an accepted connection. The read ends
// at helloTimeout or when ctx ends, whichever comes first; the deadline is
// cleared again on success.
func readHello(ctx context.Context, conn net.Conn, r *bufio.Reader) (*frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	hello, _, err := readFrame(r)
	if !stop() && err == nil {
		// ctx ended after the frame arrived; the deadline may be set.
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return hello, nil
}

// Rank implements collective.Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements collective.Communicator.
func (c *Comm) Size() int { return c.size }

// Stats implements collective.Communicator.
func (c *Comm) Stats() collective.Stats { return c.meter.Snapshot() }

// AllGather implements collective.Communicator.
func (c *Comm) AllGather(ctx context.Context, send []float64) ([][]float64, error) {
	out, err := c.exchange(ctx, collective.KindAllGather, send)
	if err != nil {
		return nil, errs.Comm("all-gather", err)
	}
	return out, nil
}

// AllReduceSum implements collective.Communicator.
func (c *Comm) AllReduceSum(ctx context.Context, buf []float64) error {
	gathered, err := c.exchange(ctx, collective.KindAllReduce, buf)
	if err != nil {
		return errs.Comm("all-reduce", err)
	}
	return errs.Comm("all-reduce", collective.SumGathered(gathered, buf))
}

func (c *Comm) exchange(ctx context.Context, kind collective.Kind, send []float64) ([][]float64, error) {
	if c.closed.Load() {
		return nil, errs.ErrClosed
	}
	start := time.Now()
	c.seq++
	seq := c.seq

	out := make([][]float64, c.size)
	out[c.rank] = append([]float64(nil), send...)
	if c.size == 1 {
		return out, nil
	}

	// Socket deadlines only fire once ctx is done, so a timeout always
	// surfaces as the context error.
	for _, p := range c.peers {
		if p != nil {
			p.conn.SetDeadline(time.Time{})
		}
	}
	stop := context.AfterFunc(ctx, func() {
		for _, p := range c.peers {
			if p != nil {
				p.conn.SetDeadline(time.Now())
			}
		}
	})
	defer stop()

	var sent, received atomic.Int64
	g := new(errgroup.Group)
	msg := &frame{Seq: seq, Kind: kind, From: c.rank, Session: c.session, Data: send}
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		p := p
		g.Go(func() error {
			n, err := writeFrame(p.conn, msg)
			if err != nil {
				return fmt.Errorf("call %d to rank %d: %w", seq, p.rank, err)
			}
			sent.Add(int64(n))
			return nil
		})
		g.Go(func() error {
			f, n, err := readFrame(p.r)
			if err != nil {
				return fmt.Errorf("call %d from rank %d: %w", seq, p.rank, err)
			}
			if f.Seq != seq || f.Kind != kind || f.From != p.rank || f.Session != c.session {
				return fmt.Errorf("%w: rank %d sent %s #%d, want %s #%d",
					errs.ErrOutOfOrder, p.rank, f.Kind, f.Seq, kind, seq)
			}
			out[p.rank] = f.Data
			received.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return nil, err
	}
	if err := collective.CheckLengths(out, len(send)); err != nil {
		return nil, err
	}

	d := time.Since(start)
	c.meter.Observe(int(sent.Load()), int(received.Load()), d)
	slog.Debug("tcp collective call",
		"rank", c.rank,
		"kind", kind.String(),
		"seq", seq,
		"values", len(send),
		"duration_us", d.Microseconds(),
	)
	return out, nil
}

// Close implements collective.Communicator.
func (c *Comm) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		if c.ln != nil {
			c.ln.Close()
		}
		for _, p := range c.peers {
			if p != nil {
				err = errors.Join(err, p.conn.Close())
			}
		}
	})
	return err
}
