// Package block implements the residual bottleneck: three convolution
// stages with frozen normalization, a residual shortcut, and a hand-written
// backward pass, with the 3x3 stage optionally partitioned along height
// across a collective group.
//
// # Pipeline
//
//	x ─ conv1x1(s) ─ affine1 ─ relu ─ conv3x3 ─ affine2 ─ relu ─ conv1x1 ─ affine3 ─┐
//	│                                  (halo exchange                                 + ─ relu ─ y
//	└──────────────── [conv1x1(s) ─ affine4] ─────── overlapped when partitioned) ────┘
//
// # Execution
//
// A fused block issues every kernel on the compute stream of its own
// stream.Scheduler; the partitioned 3x3 stage forks its halo exchange onto
// the exchange stream. Forward and Backward synchronize before returning,
// so callers see plain blocking calls.
//
// The unfused block runs the same kernels inline on the calling goroutine
// and cannot be partitioned. It exists for parity checks.
//
// Thread-safety: a Block serializes its own Forward/Backward calls. Weights
// and norms must not change while a call is in flight.
package block

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/affine"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/kernels"
	"github.com/e7canasta/spatial-bottleneck/internal/stream"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// Config is fixed at construction.
type Config struct {
	InChannels         int
	BottleneckChannels int
	OutChannels        int
	Stride             int
	// Downsample adds a conv1x1+affine shortcut. Required when Stride != 1
	// or InChannels != OutChannels.
	Downsample bool
	// GroupSize is the number of ranks sharing the height axis.
	GroupSize int
	Layout    tensor.Layout
	// Fused selects the stream-scheduled path. The unfused path only
	// supports GroupSize 1.
	Fused bool
	// Overlap runs halo exchanges concurrently with interior compute.
	Overlap bool
	// Groups and Dilation must be 0 or 1.
	Groups   int
	Dilation int
}

// NeedsDownsample reports whether the identity shortcut cannot be used.
func (c Config) NeedsDownsample() bool {
	return c.Stride != 1 || c.InChannels != c.OutChannels
}

// Validate checks c on its own, before any weights are seen.
func (c Config) Validate() error {
	const op = "block config"
	switch {
	case c.InChannels <= 0 || c.BottleneckChannels <= 0 || c.OutChannels <= 0:
		return errs.Configf(op, errs.ErrShapeMismatch, "channels %d/%d/%d must be positive",
			c.InChannels, c.BottleneckChannels, c.OutChannels)
	case c.Stride < 1:
		return errs.Configf(op, errs.ErrUnsupported, "stride %d", c.Stride)
	case c.GroupSize < 1:
		return errs.Configf(op, errs.ErrInvalidGroupSize, "group size %d", c.GroupSize)
	case c.Groups > 1:
		return errs.Configf(op, errs.ErrUnsupported, "grouped convolution (groups=%d)", c.Groups)
	case c.Dilation > 1:
		return errs.Configf(op, errs.ErrUnsupported, "dilated convolution (dilation=%d)", c.Dilation)
	case c.Layout != tensor.NHWC && c.Layout != tensor.NCHW:
		return errs.Configf(op, errs.ErrUnsupported, "layout %s", c.Layout)
	case !c.Downsample && c.NeedsDownsample():
		return errs.Configf(op, errs.ErrUnsupported,
			"identity shortcut with stride %d and %d->%d channels", c.Stride, c.InChannels, c.OutChannels)
	case !c.Fused && c.GroupSize > 1:
		return errs.Configf(op, errs.ErrUnsupported, "unfused path cannot be partitioned (group size %d)", c.GroupSize)
	}
	return nil
}

// Weights are the four convolution filters. W4 is nil without a
// downsample branch.
type Weights struct {
	W1 *kernels.Filter // (bottleneck, 1, 1, in)
	W2 *kernels.Filter // (bottleneck, 3, 3, bottleneck)
	W3 *kernels.Filter // (out, 1, 1, bottleneck)
	W4 *kernels.Filter // (out, 1, 1, in)
}

// Filters returns the present filters in W1..W4 order.
func (w Weights) Filters() []*kernels.Filter {
	out := []*kernels.Filter{w.W1, w.W2, w.W3}
	if w.W4 != nil {
		out = append(out, w.W4)
	}
	return out
}

func (w Weights) check(c Config) error {
	want := []*kernels.Filter{
		kernels.NewFilter(c.BottleneckChannels, 1, 1, c.InChannels),
		kernels.NewFilter(c.BottleneckChannels, 3, 3, c.BottleneckChannels),
		kernels.NewFilter(c.OutChannels, 1, 1, c.BottleneckChannels),
	}
	got := []*kernels.Filter{w.W1, w.W2, w.W3}
	if c.Downsample {
		want = append(want, kernels.NewFilter(c.OutChannels, 1, 1, c.InChannels))
		got = append(got, w.W4)
	} else if w.W4 != nil {
		return errs.Configf("block weights", errs.ErrShapeMismatch, "w4 given without a downsample branch")
	}
	for i := range want {
		if got[i] == nil || !got[i].SameShape(want[i]) || len(got[i].Data) != len(want[i].Data) {
			return errs.Configf("block weights", errs.ErrShapeMismatch, "w%d is %v, want %s", i+1, got[i], want[i])
		}
	}
	return nil
}

// IdentityWeights returns filters that copy channels through the centre tap.
func IdentityWeights(c Config) Weights {
	w := Weights{
		W1: kernels.Identity(c.BottleneckChannels, 1, c.InChannels),
		W2: kernels.Identity(c.BottleneckChannels, 3, c.BottleneckChannels),
		W3: kernels.Identity(c.OutChannels, 1, c.BottleneckChannels),
	}
	if c.Downsample {
		w.W4 = kernels.Identity(c.OutChannels, 1, c.InChannels)
	}
	return w
}

// RandomWeights draws He-scaled normal filters. Every rank of a group must
// use the same seed.
func RandomWeights(c Config, rng *rand.Rand) Weights {
	draw := func(out, k, in int) *kernels.Filter {
		f := kernels.NewFilter(out, k, k, in)
		std := math.Sqrt(2 / float64(k*k*in))
		for i := range f.Data {
			f.Data[i] = rng.NormFloat64() * std
		}
		return f
	}
	w := Weights{
		W1: draw(c.BottleneckChannels, 1, c.InChannels),
		W2: draw(c.BottleneckChannels, 3, c.BottleneckChannels),
		W3: draw(c.OutChannels, 1, c.BottleneckChannels),
	}
	if c.Downsample {
		w.W4 = draw(c.OutChannels, 1, c.InChannels)
	}
	return w
}

// Norms are the frozen normalization buffers of the four stages. BN4 is
// ignored without a downsample branch.
type Norms struct {
	BN1, BN2, BN3, BN4 affine.FrozenNorm
}

// IdentityNorms returns unit-scale, zero-bias norms for c.
func IdentityNorms(c Config) Norms {
	return Norms{
		BN1: affine.Identity(c.BottleneckChannels),
		BN2: affine.Identity(c.BottleneckChannels),
		BN3: affine.Identity(c.OutChannels),
		BN4: affine.Identity(c.OutChannels),
	}
}

func (n Norms) stage(i int) affine.FrozenNorm {
	return [...]affine.FrozenNorm{n.BN1, n.BN2, n.BN3, n.BN4}[i]
}

// Block is one bottleneck instance bound to a partition group.
type Block struct {
	cfg     Config
	weights Weights
	norms   Norms
	sb      [4]affine.ScaleBias
	comm    collective.Communicator
	sched   *stream.Scheduler // nil when unfused

	mu     sync.Mutex // serializes Forward/Backward
	stats  statsRecorder
	closed atomic.Bool
}

// New builds a block. comm must have GroupSize members; it may be nil when
// GroupSize is 1. The block owns its streams but not comm.
func New(cfg Config, w Weights, n Norms, comm collective.Communicator) (*Block, error) {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.GroupSize == 0 {
		cfg.GroupSize = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := w.check(cfg); err != nil {
		return nil, err
	}
	if comm == nil {
		if cfg.GroupSize != 1 {
			return nil, errs.Configf("block", errs.ErrInvalidGroupSize, "group size %d without a communicator", cfg.GroupSize)
		}
		solo, err := collective.NewLocalWorld(1).NewGroup(0, []int{0})
		if err != nil {
			return nil, err
		}
		comm = solo
	}
	if comm.Size() != cfg.GroupSize {
		return nil, errs.Configf("block", errs.ErrInvalidGroupSize,
			"communicator has %d members, config says %d", comm.Size(), cfg.GroupSize)
	}

	b := &Block{cfg: cfg, weights: w, comm: comm}
	if err := b.setNorms(n); err != nil {
		return nil, err
	}
	if cfg.Fused {
		b.sched = stream.NewScheduler(cfg.Overlap && cfg.GroupSize > 1)
	}

	slog.Info("bottleneck block created",
		"channels", fmt.Sprintf("%d/%d/%d", cfg.InChannels, cfg.BottleneckChannels, cfg.OutChannels),
		"stride", cfg.Stride,
		"downsample", cfg.Downsample,
		"group_size", cfg.GroupSize,
		"rank", comm.Rank(),
		"layout", cfg.Layout.String(),
		"fused", cfg.Fused,
		"overlap", cfg.Overlap,
	)
	return b, nil
}

// Config returns the block configuration.
func (b *Block) Config() Config { return b.cfg }

// Rank returns the block's rank within its group.
func (b *Block) Rank() int { return b.comm.Rank() }

// Communicator returns the group handle the block exchanges halos on.
func (b *Block) Communicator() collective.Communicator { return b.comm }

// Weights returns the current filters. They are shared, not copied.
func (b *Block) Weights() Weights { return b.weights }

// ScaleBias returns the folded affine of stage i in [1, 4].
func (b *Block) ScaleBias(i int) affine.ScaleBias { return b.sb[i-1] }

func (b *Block) setNorms(n Norms) error {
	want := []int{b.cfg.BottleneckChannels, b.cfg.BottleneckChannels, b.cfg.OutChannels, b.cfg.OutChannels}
	stages := 3
	if b.cfg.Downsample {
		stages = 4
	}
	var sb [4]affine.ScaleBias
	for i := 0; i < stages; i++ {
		c, err := n.stage(i).Channels()
		if err != nil {
			return errs.Config(fmt.Sprintf("bn%d", i+1), fmt.Errorf("%w: %v", errs.ErrShapeMismatch, err))
		}
		if c != want[i] {
			return errs.Configf(fmt.Sprintf("bn%d", i+1), errs.ErrShapeMismatch, "%d channels, want %d", c, want[i])
		}
		sb[i] = affine.ComputeScaleBias(n.stage(i), b.cfg.Layout)
	}
	b.norms, b.sb = n, sb
	return nil
}

// SetNorms replaces the frozen statistics and recomputes every scale and
// bias. Not safe during a Forward or Backward call.
func (b *Block) SetNorms(n Norms) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setNorms(n)
}

// SetWeights replaces the filters, typically after an optimizer step.
func (b *Block) SetWeights(w Weights) error {
	if err := w.check(b.cfg); err != nil {
		return err
	}
	b.mu.Lock()
	b.weights = w
	b.mu.Unlock()
	return nil
}

// Close stops the block's streams. The communicator stays open.
func (b *Block) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sched != nil {
		b.sched.Close()
	}
	return nil
}

func (b *Block) partitioned() bool { return b.cfg.GroupSize > 1 }

// checkInput validates a forward input against the configuration.
func (b *Block) checkInput(x *tensor.Tensor) error {
	const op = "forward"
	switch {
	case x == nil || !x.Valid():
		return errs.Configf(op, errs.ErrShapeMismatch, "empty input")
	case x.Layout != b.cfg.Layout:
		return errs.Configf(op, errs.ErrLayoutMismatch, "input is %s, block is %s", x.Layout, b.cfg.Layout)
	case x.C != b.cfg.InChannels:
		return errs.Configf(op, errs.ErrShapeMismatch, "input has %d channels, want %d", x.C, b.cfg.InChannels)
	case len(x.Data) != x.Elems():
		return errs.Configf(op, errs.ErrShapeMismatch, "input holds %d values for shape %s", len(x.Data), x.Shape)
	case b.partitioned() && x.H%b.cfg.Stride != 0:
		return errs.Configf(op, errs.ErrShapeMismatch, "slice height %d not divisible by stride %d", x.H, b.cfg.Stride)
	}
	return nil
}
