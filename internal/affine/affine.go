// Package affine folds frozen batch-normalization statistics into a
// per-channel scale and bias.
package affine

import (
	"fmt"
	"math"

	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// FrozenNorm holds the four per-channel buffers of a frozen normalization
// layer. None of them is trained.
type FrozenNorm struct {
	Weight      []float64 `yaml:"weight" msgpack:"weight"`
	Bias        []float64 `yaml:"bias" msgpack:"bias"`
	RunningMean []float64 `yaml:"running_mean" msgpack:"running_mean"`
	RunningVar  []float64 `yaml:"running_var" msgpack:"running_var"`
}

// Identity returns the default buffers: weight 1, bias 0, mean 0, var 1.
func Identity(channels int) FrozenNorm {
	n := FrozenNorm{
		Weight:      make([]float64, channels),
		Bias:        make([]float64, channels),
		RunningMean: make([]float64, channels),
		RunningVar:  make([]float64, channels),
	}
	for i := 0; i < channels; i++ {
		n.Weight[i] = 1
		n.RunningVar[i] = 1
	}
	return n
}

// Channels returns the channel count, or an error when the buffers disagree.
func (n FrozenNorm) Channels() (int, error) {
	c := len(n.Weight)
	if len(n.Bias) != c || len(n.RunningMean) != c || len(n.RunningVar) != c {
		return 0, fmt.Errorf("frozen norm buffers disagree: weight=%d bias=%d mean=%d var=%d",
			len(n.Weight), len(n.Bias), len(n.RunningMean), len(n.RunningVar))
	}
	return c, nil
}

// ScaleBias is the folded per-channel affine transform.
type ScaleBias struct {
	Scale  []float64
	Bias   []float64
	Layout tensor.Layout
}

// Shape returns the broadcast shape: (1,1,1,C) for NHWC, (1,C,1,1) for NCHW.
// The returned array is in memory order, not logical order.
func (sb ScaleBias) Shape() [4]int {
	c := len(sb.Scale)
	if sb.Layout == tensor.NCHW {
		return [4]int{1, c, 1, 1}
	}
	return [4]int{1, 1, 1, c}
}

// Channels returns the number of channels.
func (sb ScaleBias) Channels() int { return len(sb.Scale) }

// ComputeScaleBias returns scale = weight * rsqrt(runningVar) and
// bias = bias - runningMean * scale. RunningVar must be strictly positive;
// that is not checked.
func ComputeScaleBias(n FrozenNorm, layout tensor.Layout) ScaleBias {
	c := len(n.Weight)
	sb := ScaleBias{
		Scale:  make([]float64, c),
		Bias:   make([]float64, c),
		Layout: layout,
	}
	for i := 0; i < c; i++ {
		s := n.Weight[i] * (1 / math.Sqrt(n.RunningVar[i]))
		sb.Scale[i] = s
		sb.Bias[i] = n.Bias[i] - n.RunningMean[i]*s
	}
	return sb
}

// Grad is the gradient with respect to a ScaleBias.
type Grad struct {
	Scale []float64
	Bias  []float64
}

// NewGrad allocates a zero gradient for c channels.
func NewGrad(c int) Grad {
	return Grad{Scale: make([]float64, c), Bias: make([]float64, c)}
}
