package block

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/affine"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/kernels"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

func randomNorm(c int, rng *rand.Rand) affine.FrozenNorm {
	n := affine.Identity(c)
	for i := 0; i < c; i++ {
		n.Weight[i] = 0.5 + rng.Float64()
		n.Bias[i] = rng.NormFloat64() * 0.1
		n.RunningMean[i] = rng.NormFloat64() * 0.1
		n.RunningVar[i] = 0.5 + rng.Float64()
	}
	return n
}

func randomNorms(c Config, rng *rand.Rand) Norms {
	return Norms{
		BN1: randomNorm(c.BottleneckChannels, rng),
		BN2: randomNorm(c.BottleneckChannels, rng),
		BN3: randomNorm(c.OutChannels, rng),
		BN4: randomNorm(c.OutChannels, rng),
	}
}

type result struct {
	y     *tensor.Tensor
	grads *Gradients
}

// runSingle runs one forward/backward on the whole tensor.
func runSingle(t *testing.T, cfg Config, w Weights, n Norms, x, gradOut *tensor.Tensor) result {
	t.Helper()
	cfg.GroupSize = 1
	b, err := New(cfg, w, n, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	y, cache, err := b.Forward(ctx, x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	g, err := b.Backward(ctx, cache, gradOut)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	return result{y: y, grads: g}
}

// runGroup partitions x and gradOut across size ranks, runs
// forward/backward on every rank, all-reduces the weight gradients and
// reassembles the outputs and input gradients.
func runGroup(t *testing.T, cfg Config, w Weights, n Norms, x, gradOut *tensor.Tensor, size int) result {
	t.Helper()
	world := collective.NewLocalWorld(size)
	defer world.Close()
	comms, err := world.Split(size)
	if err != nil {
		t.Fatal(err)
	}
	xs, err := tensor.SplitHeight(x, size)
	if err != nil {
		t.Fatal(err)
	}
	gs, err := tensor.SplitHeight(gradOut, size)
	if err != nil {
		t.Fatal(err)
	}

	cfg.GroupSize = size
	ys := make([]*tensor.Tensor, size)
	dxs := make([]*tensor.Tensor, size)
	grads := make([]*Gradients, size)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	for r := 0; r < size; r++ {
		r := r
		eg.Go(func() error {
			b, err := New(cfg, w, n, comms[r])
			if err != nil {
				return err
			}
			defer b.Close()
			y, cache, err := b.Forward(ctx, xs[r])
			if err != nil {
				return err
			}
			g, err := b.Backward(ctx, cache, gs[r])
			if err != nil {
				return err
			}
			if err := ReduceGradients(ctx, comms[r], g); err != nil {
				return err
			}
			ys[r], dxs[r], grads[r] = y, g.Input, g
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("group of %d: %v", size, err)
	}

	for r := 1; r < size; r++ {
		a, b := grads[0].Flatten(), grads[r].Flatten()
		for i := range a {
			if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
				t.Fatalf("rank %d reduced gradient %d differs from rank 0", r, i)
			}
		}
	}

	y, err := tensor.ConcatHeight(ys)
	if err != nil {
		t.Fatal(err)
	}
	dx, err := tensor.ConcatHeight(dxs)
	if err != nil {
		t.Fatal(err)
	}
	g := *grads[0]
	g.Input = dx
	return result{y: y, grads: &g}
}

func closeVectors(t *testing.T, name string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range got {
		if d := math.Abs(got[i] - want[i]); d > tol*math.Max(1, math.Abs(want[i])) {
			t.Errorf("%s[%d] = %v, want %v", name, i, got[i], want[i])
			return
		}
	}
}

func TestPartitionTransparency(t *testing.T) {
	shapes := []struct {
		name string
		cfg  Config
	}{
		{"identity shortcut", Config{InChannels: 4, BottleneckChannels: 3, OutChannels: 4, Stride: 1}},
		{"downsample channels", Config{InChannels: 4, BottleneckChannels: 3, OutChannels: 6, Stride: 1, Downsample: true}},
		{"downsample stride 2", Config{InChannels: 4, BottleneckChannels: 2, OutChannels: 5, Stride: 2, Downsample: true}},
	}
	for _, sh := range shapes {
		for _, layout := range []tensor.Layout{tensor.NHWC, tensor.NCHW} {
			for _, size := range []int{2, 4} {
				cfg := sh.cfg
				cfg.Layout, cfg.Fused, cfg.Overlap = layout, true, true
				name := fmt.Sprintf("%s/%s/group%d", sh.name, layout, size)
				t.Run(name, func(t *testing.T) {
					rng := rand.New(rand.NewSource(42))
					w := RandomWeights(cfg, rng)
					n := randomNorms(cfg, rng)
					x := tensor.Randn(layout, tensor.Shape{N: 2, H: 8, W: 5, C: cfg.InChannels}, rng)
					outShape := tensor.Shape{N: 2, H: (x.H-1)/cfg.Stride + 1, W: (x.W-1)/cfg.Stride + 1, C: cfg.OutChannels}
					gradOut := tensor.Randn(layout, outShape, rng)

					want := runSingle(t, cfg, w, n, x, gradOut)
					got := runGroup(t, cfg, w, n, x, gradOut, size)

					if d := tensor.MaxAbsDiff(got.y, want.y); d > 1e-9 {
						t.Errorf("output differs by %g", d)
					}
					if d := tensor.MaxAbsDiff(got.grads.Input, want.grads.Input); d > 1e-9 {
						t.Errorf("input gradient differs by %g", d)
					}
					closeVectors(t, "weight gradients", got.grads.Flatten(), want.grads.Flatten(), 1e-9)
				})
			}
		}
	}
}

func TestOverlapIsBitIdentical(t *testing.T) {
	cfg := Config{InChannels: 4, BottleneckChannels: 4, OutChannels: 4, Stride: 1, Layout: tensor.NHWC, Fused: true}
	rng := rand.New(rand.NewSource(3))
	w := RandomWeights(cfg, rng)
	n := randomNorms(cfg, rng)
	x := tensor.Randn(cfg.Layout, tensor.Shape{N: 1, H: 8, W: 4, C: 4}, rng)
	gradOut := tensor.Randn(cfg.Layout, x.Shape, rng)

	seq := runGroup(t, cfg, w, n, x, gradOut, 4)
	cfg.Overlap = true
	ovl := runGroup(t, cfg, w, n, x, gradOut, 4)

	if !tensor.Equal(seq.y, ovl.y) {
		t.Error("overlap changed the forward output")
	}
	if !tensor.Equal(seq.grads.Input, ovl.grads.Input) {
		t.Error("overlap changed the input gradient")
	}
	a, b := seq.grads.Flatten(), ovl.grads.Flatten()
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			t.Fatalf("overlap changed weight gradient %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestFallbackParity(t *testing.T) {
	cfg := Config{InChannels: 3, BottleneckChannels: 2, OutChannels: 5, Stride: 2, Downsample: true, Layout: tensor.NCHW}
	rng := rand.New(rand.NewSource(5))
	w := RandomWeights(cfg, rng)
	n := randomNorms(cfg, rng)
	x := tensor.Randn(cfg.Layout, tensor.Shape{N: 2, H: 6, W: 6, C: 3}, rng)
	gradOut := tensor.Randn(cfg.Layout, tensor.Shape{N: 2, H: 3, W: 3, C: 5}, rng)

	plain := runSingle(t, cfg, w, n, x, gradOut)
	cfg.Fused = true
	fused := runSingle(t, cfg, w, n, x, gradOut)

	if !tensor.Equal(plain.y, fused.y) || !tensor.Equal(plain.grads.Input, fused.grads.Input) {
		t.Error("fused and unfused paths disagree")
	}
	closeVectors(t, "weight gradients", fused.grads.Flatten(), plain.grads.Flatten(), 0)
}

func TestResidualIdentity(t *testing.T) {
	for _, ds := range []bool{false, true} {
		cfg := Config{InChannels: 4, BottleneckChannels: 2, OutChannels: 4, Stride: 1, Downsample: ds, Layout: tensor.NHWC, Fused: true}
		rng := rand.New(rand.NewSource(9))
		w := RandomWeights(cfg, rng)
		n := randomNorms(cfg, rng)
		x := tensor.Randn(cfg.Layout, tensor.Shape{N: 1, H: 4, W: 4, C: 4}, rng)

		b, err := New(cfg, w, n, nil)
		if err != nil {
			t.Fatal(err)
		}
		y, _, err := b.Forward(context.Background(), x)
		b.Close()
		if err != nil {
			t.Fatal(err)
		}

		out1 := kernels.ScaleBiasRelu(kernels.Conv(x, w.W1, 1), b.ScaleBias(1))
		out2 := kernels.ScaleBiasRelu(kernels.Conv(out1, w.W2, 1), b.ScaleBias(2))
		out3 := kernels.ApplyScaleBias(kernels.Conv(out2, w.W3, 1), b.ScaleBias(3))
		identity := x
		if ds {
			identity = kernels.ApplyScaleBias(kernels.Conv(x, w.W4, 1), b.ScaleBias(4))
		}
		want := kernels.Relu(kernels.Add(out3, identity))
		if !tensor.Equal(y, want) {
			t.Errorf("downsample=%v: output is not relu(out3 + shortcut), max diff %g", ds, tensor.MaxAbsDiff(y, want))
		}
	}
}

// With positive input, identity filters, unit variance and norm weights
// s1..s3, every relu is open and dL/dx = 1 + s1*s2*s3 for dL/dy = 1.
func TestIdentityGradientClosedForm(t *testing.T) {
	cfg := Config{InChannels: 4, BottleneckChannels: 4, OutChannels: 4, Stride: 1, Layout: tensor.NHWC, Fused: true, Overlap: true}
	s := []float64{0.5, 2, 1.5}
	n := IdentityNorms(cfg)
	for i := 0; i < 4; i++ {
		n.BN1.Weight[i], n.BN2.Weight[i], n.BN3.Weight[i] = s[0], s[1], s[2]
	}
	w := IdentityWeights(cfg)

	rng := rand.New(rand.NewSource(1))
	x := tensor.Randn(cfg.Layout, tensor.Shape{N: 1, H: 8, W: 4, C: 4}, rng)
	for i, v := range x.Data {
		x.Data[i] = math.Abs(v) + 0.1
	}
	ones := tensor.New(cfg.Layout, x.Shape)
	ones.Fill(1)

	want := 1 + s[0]*s[1]*s[2]
	for _, size := range []int{1, 2} {
		var got result
		if size == 1 {
			got = runSingle(t, cfg, w, n, x, ones)
		} else {
			got = runGroup(t, cfg, w, n, x, ones, size)
		}
		for i, v := range got.grads.Input.Data {
			if math.Abs(v-want) > 1e-12 {
				t.Fatalf("group %d: dx[%d] = %v, want %v", size, i, v, want)
			}
		}
	}
}

func TestConcreteScenario(t *testing.T) {
	cfg := Config{InChannels: 4, BottleneckChannels: 4, OutChannels: 4, Stride: 1, Layout: tensor.NHWC, Fused: true, Overlap: true}
	rng := rand.New(rand.NewSource(11))
	x := tensor.Randn(cfg.Layout, tensor.Shape{N: 1, H: 8, W: 4, C: 4}, rng)
	gradOut := tensor.New(cfg.Layout, x.Shape)

	got := runGroup(t, cfg, IdentityWeights(cfg), IdentityNorms(cfg), x, gradOut, 2)

	want := tensor.New(cfg.Layout, x.Shape)
	for i, v := range x.Data {
		want.Data[i] = math.Max(2*v, 0)
	}
	if d := tensor.MaxAbsDiff(got.y, want); d > 1e-12 {
		t.Errorf("output differs from relu(2x) by %g", d)
	}
}

// Central differences on L = sum(y * G) check the hand-written backward.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	cfg := Config{InChannels: 3, BottleneckChannels: 2, OutChannels: 4, Stride: 1, Downsample: true, Layout: tensor.NHWC, Fused: true}
	rng := rand.New(rand.NewSource(21))
	w := RandomWeights(cfg, rng)
	n := randomNorms(cfg, rng)
	x := tensor.Randn(cfg.Layout, tensor.Shape{N: 1, H: 4, W: 3, C: 3}, rng)
	gradOut := tensor.Randn(cfg.Layout, tensor.Shape{N: 1, H: 4, W: 3, C: 4}, rng)

	loss := func(w Weights, x *tensor.Tensor) float64 {
		b, err := New(cfg, w, n, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer b.Close()
		y, _, err := b.Forward(context.Background(), x)
		if err != nil {
			t.Fatal(err)
		}
		var l float64
		for i, v := range y.Data {
			l += v * gradOut.Data[i]
		}
		return l
	}
	got := runSingle(t, cfg, w, n, x, gradOut)

	const eps = 1e-6
	check := func(name string, data []float64, analytic []float64, eval func() float64) {
		for _, i := range []int{0, len(data) / 2, len(data) - 1} {
			orig := data[i]
			data[i] = orig + eps
			up := eval()
			data[i] = orig - eps
			down := eval()
			data[i] = orig
			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-analytic[i]) > 1e-5*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %v, numeric %v", name, i, analytic[i], numeric)
			}
		}
	}
	check("dx", x.Data, got.grads.Input.Data, func() float64 { return loss(w, x) })
	for i, f := range w.Filters() {
		grad := []*kernels.Filter{got.grads.W1, got.grads.W2, got.grads.W3, got.grads.W4}[i]
		check(fmt.Sprintf("dW%d", i+1), f.Data, grad.Data, func() float64 { return loss(w, x) })
	}
}

func TestNewRejectsConfiguration(t *testing.T) {
	base := Config{InChannels: 4, BottleneckChannels: 2, OutChannels: 4, Stride: 1, Layout: tensor.NHWC, Fused: true}
	world := collective.NewLocalWorld(2)
	defer world.Close()
	comms, _ := world.Split(2)

	tests := []struct {
		name   string
		mutate func(*Config, *Weights)
		comm   collective.Communicator
		want   error
	}{
		{"grouped", func(c *Config, _ *Weights) { c.Groups = 2 }, nil, errs.ErrUnsupported},
		{"dilated", func(c *Config, _ *Weights) { c.Dilation = 2 }, nil, errs.ErrUnsupported},
		{"identity with stride", func(c *Config, _ *Weights) { c.Stride = 2 }, nil, errs.ErrUnsupported},
		{"unfused partition", func(c *Config, _ *Weights) { c.Fused, c.GroupSize = false, 2 }, comms[0], errs.ErrUnsupported},
		{"group without comm", func(c *Config, _ *Weights) { c.GroupSize = 2 }, nil, errs.ErrInvalidGroupSize},
		{"comm size mismatch", func(c *Config, _ *Weights) { c.GroupSize = 4 }, comms[0], errs.ErrInvalidGroupSize},
		{"wrong filter", func(_ *Config, w *Weights) { w.W2 = kernels.NewFilter(2, 1, 1, 2) }, nil, errs.ErrShapeMismatch},
		{"stray w4", func(_ *Config, w *Weights) { w.W4 = kernels.NewFilter(4, 1, 1, 4) }, nil, errs.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			w := IdentityWeights(cfg)
			tt.mutate(&cfg, &w)
			_, err := New(cfg, w, IdentityNorms(base), tt.comm)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if errs.CategoryOf(err) != errs.Configuration {
				t.Errorf("category = %v, want configuration", errs.CategoryOf(err))
			}
		})
	}
}

func TestNormChannelMismatch(t *testing.T) {
	cfg := Config{InChannels: 4, BottleneckChannels: 2, OutChannels: 4, Stride: 1, Fused: true}
	n := IdentityNorms(cfg)
	n.BN3 = affine.Identity(3)
	if _, err := New(cfg, IdentityWeights(cfg), n, nil); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Errorf("err = %v, want shape mismatch", err)
	}
}

func TestForwardValidatesInput(t *testing.T) {
	cfg := Config{InChannels: 4, BottleneckChannels: 2, OutChannels: 4, Stride: 1, Layout: tensor.NHWC, Fused: true}
	b, err := New(cfg, IdentityWeights(cfg), IdentityNorms(cfg), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	if _, _, err := b.Forward(ctx, tensor.New(tensor.NCHW, tensor.Shape{N: 1, H: 2, W: 2, C: 4})); !errors.Is(err, errs.ErrLayoutMismatch) {
		t.Errorf("layout: err = %v", err)
	}
	if _, _, err := b.Forward(ctx, tensor.New(tensor.NHWC, tensor.Shape{N: 1, H: 2, W: 2, C: 3})); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Errorf("channels: err = %v", err)
	}
}

func TestPartitionedSliceMustAlignWithStride(t *testing.T) {
	cfg := Config{InChannels: 2, BottleneckChannels: 2, OutChannels: 2, Stride: 2, Downsample: true,
		GroupSize: 2, Layout: tensor.NHWC, Fused: true}
	world := collective.NewLocalWorld(2)
	defer world.Close()
	comms, _ := world.Split(2)

	b, err := New(cfg, IdentityWeights(cfg), IdentityNorms(cfg), comms[0])
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	_, _, err = b.Forward(context.Background(), tensor.New(tensor.NHWC, tensor.Shape{N: 1, H: 3, W: 2, C: 2}))
	if !errors.Is(err, errs.ErrShapeMismatch) {
		t.Errorf("err = %v, want shape mismatch", err)
	}
}

func TestCacheIsConsumedOnce(t *testing.T) {
	cfg := Config{InChannels: 2, BottleneckChannels: 2, OutChannels: 2, Stride: 1, Layout: tensor.NHWC, Fused: true}
	b, err := New(cfg, IdentityWeights(cfg), IdentityNorms(cfg), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	x := tensor.New(tensor.NHWC, tensor.Shape{N: 1, H: 2, W: 2, C: 2})
	y, cache, err := b.Forward(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Backward(ctx, cache, tensor.New(tensor.NHWC, tensor.Shape{N: 1, H: 1, W: 2, C: 2})); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Errorf("wrong gradient shape: err = %v", err)
	}
	if _, err := b.Backward(ctx, cache, y); err != nil {
		t.Fatalf("first backward: %v", err)
	}
	if !cache.Consumed() {
		t.Error("cache not marked consumed")
	}
	if _, err := b.Backward(ctx, cache, y); !errors.Is(err, errs.ErrCacheConsumed) {
		t.Errorf("second backward: err = %v, want ErrCacheConsumed", err)
	}

	other, _ := New(cfg, IdentityWeights(cfg), IdentityNorms(cfg), nil)
	defer other.Close()
	_, cache2, _ := b.Forward(ctx, x)
	if _, err := other.Backward(ctx, cache2, y); !errors.Is(err, errs.ErrUnsupported) {
		t.Errorf("foreign cache: err = %v", err)
	}
}

func TestMissingPeerAbortsForward(t *testing.T) {
	cfg := Config{InChannels: 2, BottleneckChannels: 2, OutChannels: 2, Stride: 1, GroupSize: 2,
		Layout: tensor.NHWC, Fused: true, Overlap: true}
	world := collective.NewLocalWorld(2)
	defer world.Close()
	comms, _ := world.Split(2)

	b, err := New(cfg, IdentityWeights(cfg), IdentityNorms(cfg), comms[0])
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = b.Forward(ctx, tensor.New(tensor.NHWC, tensor.Shape{N: 1, H: 2, W: 2, C: 2}))
	if errs.CategoryOf(err) != errs.Collective || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want collective deadline error", err)
	}
	if st := b.Stats(); st.Failures != 1 || st.Forwards != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStatsCountCalls(t *testing.T) {
	cfg := Config{InChannels: 2, BottleneckChannels: 2, OutChannels: 2, Stride: 1, Layout: tensor.NHWC, Fused: true, Overlap: true}
	x := tensor.Randn(cfg.Layout, tensor.Shape{N: 1, H: 4, W: 2, C: 2}, rand.New(rand.NewSource(1)))
	world := collective.NewLocalWorld(2)
	defer world.Close()
	comms, _ := world.Split(2)
	xs, _ := tensor.SplitHeight(x, 2)
	cfg.GroupSize = 2

	stats := make([]Stats, 2)
	var eg errgroup.Group
	for r := 0; r < 2; r++ {
		r := r
		eg.Go(func() error {
			b, err := New(cfg, IdentityWeights(cfg), IdentityNorms(cfg), comms[r])
			if err != nil {
				return err
			}
			defer b.Close()
			y, cache, err := b.Forward(context.Background(), xs[r])
			if err != nil {
				return err
			}
			if _, err := b.Backward(context.Background(), cache, y); err != nil {
				return err
			}
			stats[r] = b.Stats()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	for r, st := range stats {
		if st.Forwards != 1 || st.Backwards != 1 || st.Exchanges != 2 || st.Collective.Calls != 2 {
			t.Errorf("rank %d stats = %+v", r, st)
		}
		if len(st.Streams) != 2 {
			t.Errorf("rank %d has %d streams, want compute and exchange", r, len(st.Streams))
		}
	}
}

func TestCalculateLatencyStats(t *testing.T) {
	st := CalculateLatencyStats([]time.Duration{10, 10, 10, 10})
	if st.Mean != 10 || st.StdDev != 0 || !st.IsStable {
		t.Errorf("uniform samples: %+v", st)
	}
	st = CalculateLatencyStats([]time.Duration{1, 100})
	if st.Min != 1 || st.Max != 100 || st.IsStable {
		t.Errorf("jittery samples: %+v", st)
	}
	if st := CalculateLatencyStats(nil); st.Samples != 0 || st.IsStable {
		t.Errorf("empty: %+v", st)
	}
}
