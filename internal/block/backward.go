package block

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/halo"
	"github.com/e7canasta/spatial-bottleneck/internal/kernels"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// Backward consumes cache and returns the gradients of this rank. Weight
// and norm gradients are per-rank partial sums; reducing them across the
// group is left to the caller (see ReduceGradients).
func (b *Block) Backward(ctx context.Context, cache *StageCache, gradOut *tensor.Tensor) (*Gradients, error) {
	const op = "backward"
	if b.closed.Load() {
		return nil, fmt.Errorf("%s: %w", op, errs.ErrClosed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if cache == nil || cache.owner != b {
		return nil, errs.Configf(op, errs.ErrUnsupported, "cache was not produced by this block")
	}
	if cache.Consumed() {
		return nil, errs.Configf(op, errs.ErrCacheConsumed, "cache %s", cache.id)
	}
	if gradOut == nil || !gradOut.SameShape(cache.merged) || len(gradOut.Data) != gradOut.Elems() {
		return nil, errs.Configf(op, errs.ErrShapeMismatch, "output gradient does not match forward output %s/%s",
			cache.merged.Shape, cache.merged.Layout)
	}
	if !cache.consumed.CompareAndSwap(false, true) {
		return nil, errs.Configf(op, errs.ErrCacheConsumed, "cache %s", cache.id)
	}
	defer cache.release()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()
	w, sb, stride := b.weights, b.sb, b.cfg.Stride
	x := cache.input
	g := &Gradients{}
	r := b.runner()

	// Residual merge, stage 3 and the shortcut.
	var g2, dIdentity *tensor.Tensor
	r.do(func() error {
		scales := [][]float64{sb[2].Scale}
		if b.cfg.Downsample {
			scales = append(scales, sb[3].Scale)
		}
		dxRelu, branches := kernels.DreluDscale(gradOut, cache.merged, scales...)

		g3 := branches[0]
		g.BN3 = kernels.ScaleBiasGrad(dxRelu, cache.conv3)
		g.W3 = kernels.ConvBackwardFilter(cache.out2, g3, w.W3, 1, 0, 0)
		dOut2 := kernels.ConvBackwardData(g3, w.W3, 1, 0, 0, cache.out2.Shape)

		if b.cfg.Downsample {
			g4 := branches[1]
			g.BN4 = kernels.ScaleBiasGrad(dxRelu, cache.conv4)
			g.W4 = kernels.ConvBackwardFilter(x, g4, w.W4, stride, 0, 0)
			dIdentity = kernels.ConvBackwardData(g4, w.W4, stride, 0, 0, x.Shape)
		} else {
			dIdentity = dxRelu
		}

		// Stage 2 activation and affine.
		d2 := kernels.ReluBackward(dOut2, cache.out2)
		g.BN2 = kernels.ScaleBiasGrad(d2, cache.conv2)
		g2 = kernels.Scale(d2, sb[1].Scale)
		if b.partitioned() {
			// Rows of the padded halo buffer line up with g2 without
			// vertical padding, so per-rank filter gradients sum to the
			// unpartitioned one.
			g.W2 = kernels.ConvBackwardFilter(cache.halo.Padded, g2, w.W2, 1, 0, 1)
		} else {
			g.W2 = kernels.ConvBackwardFilter(cache.out1, g2, w.W2, 1, 1, 1)
		}
		return nil
	})

	// Stage 2 data gradient: a stride-1 conv-transpose is a convolution
	// with the flipped filter, so the gradient halo reuses the forward path.
	var dOut1 *tensor.Tensor
	var hc *halo.Conv
	if b.partitioned() {
		hc = halo.Conv3x3(ctx, b.sched, b.comm, func() *tensor.Tensor { return g2 }, kernels.FlipTranspose(w.W2))
		r.do(func() error {
			dOut1 = hc.Out
			return nil
		})
	} else {
		r.do(func() error {
			dOut1 = kernels.ConvBackwardData(g2, w.W2, 1, 1, 1, cache.out1.Shape)
			return nil
		})
	}

	// Stage 1 and the input gradient.
	r.do(func() error {
		d1 := kernels.ReluBackward(dOut1, cache.out1)
		g.BN1 = kernels.ScaleBiasGrad(d1, cache.conv1)
		g1 := kernels.Scale(d1, sb[0].Scale)
		g.W1 = kernels.ConvBackwardFilter(x, g1, w.W1, stride, 0, 0)
		dx := kernels.ConvBackwardData(g1, w.W1, stride, 0, 0, x.Shape)
		kernels.AddInPlace(dx, dIdentity)
		g.Input = dx
		return nil
	})

	if err := r.wait(); err != nil {
		b.stats.failed()
		slog.Warn("bottleneck backward failed",
			"rank", b.comm.Rank(),
			"category", errs.CategoryOf(err).String(),
			"error", err,
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var exchange time.Duration
	if hc != nil {
		exchange = hc.Exchange
		b.stats.exchanged(exchange)
	}
	d := time.Since(start)
	b.stats.backwarded(d)
	slog.Debug("bottleneck backward",
		"rank", b.comm.Rank(),
		"cache", cache.id.String(),
		"duration_us", d.Microseconds(),
		"exchange_us", exchange.Microseconds(),
	)
	return g, nil
}
