// Package halo exchanges boundary rows between height-partitioned ranks and
// builds the partitioned 3x3 convolution on top of the exchange.
//
// Rank r holds rows [r*Hs, (r+1)*Hs) of the full activation. A 3x3
// convolution with one row of padding needs one row from each neighbour:
// the last row of rank r-1 above and the first row of rank r+1 below. Ranks
// at the ends of the group see zero padding; there is no wraparound.
package halo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/kernels"
	"github.com/e7canasta/spatial-bottleneck/internal/stream"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// Buffer is a local slab padded with one halo row above and below.
type Buffer struct {
	Padded *tensor.Tensor // height Hs+2
	Rank   int
	Size   int
}

// LocalHeight returns Hs.
func (b *Buffer) LocalHeight() int { return b.Padded.H - 2 }

// TopSlab returns padded rows [0, 3): the input of output row 0.
func (b *Buffer) TopSlab() *tensor.Tensor { return b.Padded.Rows(0, 3) }

// BottomSlab returns padded rows [Hs-1, Hs+2): the input of output row Hs-1.
func (b *Buffer) BottomSlab() *tensor.Tensor {
	return b.Padded.Rows(b.Padded.H-3, b.Padded.H)
}

// SendBuffer stacks the first and last row of local: shape (N, 2, W, C).
func SendBuffer(local *tensor.Tensor) *tensor.Tensor {
	s := local.Shape
	s.H = 2
	out := tensor.New(local.Layout, s)
	out.CopyRows(0, local, 0, 1)
	out.CopyRows(1, local, local.H-1, 1)
	return out
}

// headerLen is the number of values ahead of the rows in an exchanged
// buffer: layout, N, W and C of the sender's slab.
const headerLen = 4

func slabHeader(t *tensor.Tensor) []float64 {
	return []float64{float64(t.Layout), float64(t.N), float64(t.W), float64(t.C)}
}

// checkHeaders rejects a gather in which any rank's slab disagrees with
// rank's on layout, batch, width or channels. Equal lengths alone do not
// tell (W, C) from (C, W).
func checkHeaders(gathered [][]float64, rank int) error {
	want := gathered[rank][:headerLen]
	for r, g := range gathered {
		got := g[:headerLen]
		switch {
		case got[0] != want[0]:
			return fmt.Errorf("%w: rank %d sends %s rows, rank %d %s",
				errs.ErrLayoutMismatch, r, tensor.Layout(got[0]), rank, tensor.Layout(want[0]))
		case got[1] != want[1] || got[2] != want[2] || got[3] != want[3]:
			return fmt.Errorf("%w: rank %d slab is N=%v W=%v C=%v, rank %d N=%v W=%v C=%v",
				errs.ErrShapeMismatch, r, got[1], got[2], got[3], rank, want[1], want[2], want[3])
		}
	}
	return nil
}

// Exchange gathers every rank's boundary rows and returns local padded with
// its neighbours' rows. Each rank's rows travel behind its slab header, so
// ranks that disagree on the slab geometry fail the exchange. A group of
// one needs no communication.
func Exchange(ctx context.Context, comm collective.Communicator, local *tensor.Tensor) (*Buffer, error) {
	if !local.Valid() {
		return nil, errs.Configf("halo exchange", errs.ErrShapeMismatch, "empty local slab %s", local.Shape)
	}
	rank, size := comm.Rank(), comm.Size()

	s := local.Shape
	s.H += 2
	buf := &Buffer{Padded: tensor.New(local.Layout, s), Rank: rank, Size: size}
	buf.Padded.CopyRows(1, local, 0, local.H)
	if size == 1 {
		return buf, nil
	}

	send := SendBuffer(local)
	payload := append(slabHeader(local), send.Data...)
	start := time.Now()
	gathered, err := comm.AllGather(ctx, payload)
	if err != nil {
		return nil, errs.Comm("halo exchange", err)
	}
	if len(gathered) != size {
		return nil, errs.Comm("halo exchange", fmt.Errorf("%w: gathered %d buffers from a group of %d",
			errs.ErrShapeMismatch, len(gathered), size))
	}
	if err := collective.CheckLengths(gathered, len(payload)); err != nil {
		return nil, errs.Comm("halo exchange", err)
	}
	if err := checkHeaders(gathered, rank); err != nil {
		return nil, errs.Comm("halo exchange", err)
	}

	if rank > 0 {
		above := tensor.FromData(local.Layout, send.Shape, gathered[rank-1][headerLen:])
		buf.Padded.CopyRows(0, above, 1, 1)
	}
	if rank < size-1 {
		below := tensor.FromData(local.Layout, send.Shape, gathered[rank+1][headerLen:])
		buf.Padded.CopyRows(local.H+1, below, 0, 1)
	}

	slog.Debug("halo exchanged",
		"rank", rank,
		"size", size,
		"rows", local.H,
		"bytes", collective.Bytes(len(payload)),
		"latency_us", time.Since(start).Microseconds(),
	)
	return buf, nil
}

// Conv is the state of one partitioned 3x3 convolution issued on a
// scheduler. Fields become valid as the streams reach the ops that fill
// them; read them from ops issued later on the compute stream, or after
// the scheduler is synchronized.
type Conv struct {
	Out      *tensor.Tensor // (N, Hs, W, Out), valid after the merge
	Halo     *Buffer        // valid after the exchange
	Exchange time.Duration  // exchange plus boundary convolutions
}

// Conv3x3 issues a stride-1, pad-1 convolution of a height-partitioned
// tensor. The halo exchange and the two boundary rows run as the side
// branch of sched.Overlap, the full-slab convolution as the main branch.
// The merge overwrites the two boundary output rows, which the main branch
// computed against zero padding.
//
// in is called once, from the compute stream, when the convolution starts.
func Conv3x3(ctx context.Context, sched *stream.Scheduler, comm collective.Communicator,
	in func() *tensor.Tensor, f *kernels.Filter) *Conv {
	c := &Conv{}
	var x, top, bottom *tensor.Tensor

	// Runs on compute before the fork, so both branches see the same input.
	sched.Compute.Enqueue(func() error {
		x = in()
		if f.KH != 3 || f.KW != 3 || x.C != f.In {
			return errs.Configf("halo conv", errs.ErrShapeMismatch, "%s on input %s", f, x.Shape)
		}
		return nil
	})
	sched.Overlap(
		func() error {
			start := time.Now()
			b, err := Exchange(ctx, comm, x)
			if err != nil {
				return err
			}
			c.Halo = b
			top = kernels.ConvPadded(b.TopSlab(), f, 1, 0, 1)
			bottom = kernels.ConvPadded(b.BottomSlab(), f, 1, 0, 1)
			c.Exchange = time.Since(start)
			return nil
		},
		func() error {
			c.Out = kernels.ConvPadded(x, f, 1, 1, 1)
			return nil
		},
		func() error {
			c.Out.CopyRows(0, top, 0, 1)
			c.Out.CopyRows(c.Out.H-1, bottom, 0, 1)
			return nil
		},
	)
	return c
}
