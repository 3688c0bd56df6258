package block

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/halo"
	"github.com/e7canasta/spatial-bottleneck/internal/kernels"
	"github.com/e7canasta/spatial-bottleneck/internal/stream"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// runner issues ops on the compute stream of a fused block, or runs them
// inline for an unfused one. Both stop at the first error.
type runner struct {
	sched *stream.Scheduler
	err   error
}

func (b *Block) runner() *runner { return &runner{sched: b.sched} }

func (r *runner) do(op stream.Op) {
	if r.sched != nil {
		r.sched.Compute.Enqueue(op)
		return
	}
	if r.err == nil {
		r.err = inline(op)
	}
}

func (r *runner) wait() error {
	if r.sched != nil {
		return r.sched.Synchronize()
	}
	return r.err
}

func inline(op stream.Op) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return op()
}

// Forward runs the block on x, this rank's height slice, and returns the
// activated output slice and the cache Backward needs.
func (b *Block) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, *StageCache, error) {
	if b.closed.Load() {
		return nil, nil, fmt.Errorf("forward: %w", errs.ErrClosed)
	}
	if err := b.checkInput(x); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	w, sb, stride := b.weights, b.sb, b.cfg.Stride
	c := newStageCache(b, x)
	r := b.runner()

	r.do(func() error {
		c.conv1 = kernels.Conv(x, w.W1, stride)
		c.out1 = kernels.ScaleBiasRelu(c.conv1, sb[0])
		return nil
	})

	var hc *halo.Conv
	if b.partitioned() {
		hc = halo.Conv3x3(ctx, b.sched, b.comm, func() *tensor.Tensor { return c.out1 }, w.W2)
		r.do(func() error {
			c.conv2, c.halo = hc.Out, hc.Halo
			return nil
		})
	} else {
		r.do(func() error {
			c.conv2 = kernels.Conv(c.out1, w.W2, 1)
			return nil
		})
	}

	var y *tensor.Tensor
	r.do(func() error {
		c.out2 = kernels.ScaleBiasRelu(c.conv2, sb[1])
		c.conv3 = kernels.Conv(c.out2, w.W3, 1)
		out3 := kernels.ApplyScaleBias(c.conv3, sb[2])

		identity := x
		if b.cfg.Downsample {
			c.conv4 = kernels.Conv(x, w.W4, stride)
			identity = kernels.ApplyScaleBias(c.conv4, sb[3])
		}
		if !out3.SameShape(identity) {
			return errs.Configf("forward", errs.ErrShapeMismatch, "residual %s/%s onto %s/%s",
				identity.Shape, identity.Layout, out3.Shape, out3.Layout)
		}
		c.merged = kernels.Add(out3, identity)
		y = kernels.Relu(c.merged)
		return nil
	})

	if err := r.wait(); err != nil {
		b.stats.failed()
		slog.Warn("bottleneck forward failed",
			"rank", b.comm.Rank(),
			"category", errs.CategoryOf(err).String(),
			"error", err,
		)
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	var exchange time.Duration
	if hc != nil {
		exchange = hc.Exchange
		b.stats.exchanged(exchange)
	}
	d := time.Since(start)
	b.stats.forwarded(d)
	slog.Debug("bottleneck forward",
		"rank", b.comm.Rank(),
		"cache", c.id.String(),
		"input", x.Shape.String(),
		"output", y.Shape.String(),
		"duration_us", d.Microseconds(),
		"exchange_us", exchange.Microseconds(),
	)
	return y, c, nil
}
