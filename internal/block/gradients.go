package block

import (
	"context"
	"fmt"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/affine"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/kernels"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// Gradients are one rank's results of Backward. W4 and BN4 are empty
// without a downsample branch. Running statistics are frozen and get no
// gradient.
type Gradients struct {
	Input *tensor.Tensor

	W1, W2, W3, W4     *kernels.Filter
	BN1, BN2, BN3, BN4 affine.Grad
}

func (g *Gradients) parts() [][]float64 {
	var out [][]float64
	for _, f := range []*kernels.Filter{g.W1, g.W2, g.W3, g.W4} {
		if f != nil {
			out = append(out, f.Data)
		}
	}
	for _, n := range []affine.Grad{g.BN1, g.BN2, g.BN3, g.BN4} {
		out = append(out, n.Scale, n.Bias)
	}
	return out
}

// Len returns the length of Flatten's result.
func (g *Gradients) Len() int {
	n := 0
	for _, p := range g.parts() {
		n += len(p)
	}
	return n
}

// Flatten concatenates every weight and norm gradient, in W1..W4 then
// BN1..BN4 (scale, bias) order. Ranks of one group produce vectors of the
// same length, ready for an all-reduce.
func (g *Gradients) Flatten() []float64 {
	out := make([]float64, 0, g.Len())
	for _, p := range g.parts() {
		out = append(out, p...)
	}
	return out
}

// Unflatten copies v back into the gradients, inverting Flatten.
func (g *Gradients) Unflatten(v []float64) error {
	if n := g.Len(); len(v) != n {
		return fmt.Errorf("%w: %d values for %d gradient entries", errs.ErrShapeMismatch, len(v), n)
	}
	off := 0
	for _, p := range g.parts() {
		off += copy(p, v[off:])
	}
	return nil
}

// ReduceGradients sums every weight and norm gradient across the group in
// place. The input gradient stays per rank.
func ReduceGradients(ctx context.Context, comm collective.Communicator, g *Gradients) error {
	v := g.Flatten()
	if err := comm.AllReduceSum(ctx, v); err != nil {
		return errs.Comm("reduce gradients", err)
	}
	return g.Unflatten(v)
}
