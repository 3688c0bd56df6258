package bottleneck

import (
	"context"
	"math/rand"
	"time"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/affine"
	"github.com/e7canasta/spatial-bottleneck/internal/block"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// New creates a block. comm must have cfg.GroupSize members and may be nil
// for a group of one. Invalid configurations fail here, before any stream
// or collective work.
func New(cfg Config, w Weights, n Norms, comm collective.Communicator) (*Block, error) {
	return block.New(cfg, w, n, comm)
}

// ReduceGradients sums the weight and norm gradients of g across the group
// in place. The input gradient stays per rank.
func ReduceGradients(ctx context.Context, comm collective.Communicator, g *Gradients) error {
	return block.ReduceGradients(ctx, comm, g)
}

// IdentityWeights returns filters that copy channels through.
func IdentityWeights(cfg Config) Weights { return block.IdentityWeights(cfg) }

// RandomWeights draws He-scaled filters. Ranks of a group must share the seed.
func RandomWeights(cfg Config, rng *rand.Rand) Weights { return block.RandomWeights(cfg, rng) }

// IdentityNorms returns unit-scale, zero-bias norms.
func IdentityNorms(cfg Config) Norms { return block.IdentityNorms(cfg) }

// IdentityNorm returns the default buffers of one frozen norm.
func IdentityNorm(channels int) FrozenNorm { return affine.Identity(channels) }

// ComputeScaleBias folds a frozen norm into scale and bias.
func ComputeScaleBias(n FrozenNorm, layout Layout) ScaleBias {
	return affine.ComputeScaleBias(n, layout)
}

// NewTensor allocates a zero tensor.
func NewTensor(layout Layout, s Shape) *Tensor { return tensor.New(layout, s) }

// ParseLayout maps "nhwc" / "nchw" to a Layout.
func ParseLayout(s string) (Layout, error) { return tensor.ParseLayout(s) }

// SplitHeight cuts t into parts equal slices along the height axis, one
// per rank in rank order.
func SplitHeight(t *Tensor, parts int) ([]*Tensor, error) { return tensor.SplitHeight(t, parts) }

// ConcatHeight reassembles per-rank slices in rank order.
func ConcatHeight(parts []*Tensor) (*Tensor, error) { return tensor.ConcatHeight(parts) }

// CategoryOf returns the category of err, or CategoryUnknown.
func CategoryOf(err error) Category { return errs.CategoryOf(err) }

// CalculateLatencyStats summarizes exchange latency samples.
func CalculateLatencyStats(samples []time.Duration) LatencyStats {
	return block.CalculateLatencyStats(samples)
}
