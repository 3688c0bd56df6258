package kernels

import (
	"fmt"

	"github.com/e7canasta/spatial-bottleneck/internal/affine"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

func mustMatch(op string, a, b *tensor.Tensor) {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("kernels: %s of %s/%s and %s/%s", op, a.Shape, a.Layout, b.Shape, b.Layout))
	}
}

func mustChannels(op string, x *tensor.Tensor, c int) {
	if x.C != c {
		panic(fmt.Sprintf("kernels: %s with %d channels on tensor %s", op, c, x.Shape))
	}
}

// ApplyScaleBias returns x*scale[c] + bias[c].
func ApplyScaleBias(x *tensor.Tensor, sb affine.ScaleBias) *tensor.Tensor {
	mustChannels("scale-bias", x, sb.Channels())
	y := tensor.New(x.Layout, x.Shape)
	for i, v := range x.Data {
		c := x.Channel(i)
		y.Data[i] = v*sb.Scale[c] + sb.Bias[c]
	}
	return y
}

// Relu returns max(x, 0).
func Relu(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.New(x.Layout, x.Shape)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	return y
}

// ScaleBiasRelu is relu(x*scale + bias) in one pass.
func ScaleBiasRelu(x *tensor.Tensor, sb affine.ScaleBias) *tensor.Tensor {
	mustChannels("scale-bias-relu", x, sb.Channels())
	y := tensor.New(x.Layout, x.Shape)
	for i, v := range x.Data {
		c := x.Channel(i)
		if r := v*sb.Scale[c] + sb.Bias[c]; r > 0 {
			y.Data[i] = r
		}
	}
	return y
}

// ReluBackward masks gradOut with (forwardOut > 0). forwardOut may be the
// relu input or its output; the mask is the same.
func ReluBackward(gradOut, forwardOut *tensor.Tensor) *tensor.Tensor {
	mustMatch("relu-backward", gradOut, forwardOut)
	g := tensor.New(gradOut.Layout, gradOut.Shape)
	for i, v := range forwardOut.Data {
		if v > 0 {
			g.Data[i] = gradOut.Data[i]
		}
	}
	return g
}

// Add returns a + b.
func Add(a, b *tensor.Tensor) *tensor.Tensor {
	mustMatch("add", a, b)
	y := tensor.New(a.Layout, a.Shape)
	for i, v := range a.Data {
		y.Data[i] = v + b.Data[i]
	}
	return y
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *tensor.Tensor) {
	mustMatch("add", a, b)
	for i, v := range b.Data {
		a.Data[i] += v
	}
}

// Scale multiplies every channel of g by scale[c].
func Scale(g *tensor.Tensor, scale []float64) *tensor.Tensor {
	mustChannels("scale", g, len(scale))
	y := tensor.New(g.Layout, g.Shape)
	for i, v := range g.Data {
		y.Data[i] = v * scale[g.Channel(i)]
	}
	return y
}

// DreluDscale fuses the relu derivative with per-branch scaling:
// dxRelu = (preRelu > 0) * gradOut, and for every scale vector s the
// branch gradient dxRelu * s. The residual merge feeds one branch without
// a downsample and two with one.
func DreluDscale(gradOut, preRelu *tensor.Tensor, scales ...[]float64) (*tensor.Tensor, []*tensor.Tensor) {
	mustMatch("drelu-dscale", gradOut, preRelu)
	dx := tensor.New(gradOut.Layout, gradOut.Shape)
	branches := make([]*tensor.Tensor, len(scales))
	for b, s := range scales {
		mustChannels("drelu-dscale", gradOut, len(s))
		branches[b] = tensor.New(gradOut.Layout, gradOut.Shape)
	}
	for i, v := range preRelu.Data {
		if v <= 0 {
			continue
		}
		g := gradOut.Data[i]
		dx.Data[i] = g
		c := gradOut.Channel(i)
		for b, s := range scales {
			branches[b].Data[i] = g * s[c]
		}
	}
	return dx, branches
}

// ScaleBiasGrad returns the gradient of y = x*scale + bias with respect to
// scale and bias, given dL/dy and the affine input x.
func ScaleBiasGrad(gradY, x *tensor.Tensor) affine.Grad {
	mustMatch("scale-bias-grad", gradY, x)
	g := affine.NewGrad(x.C)
	for i, v := range gradY.Data {
		c := x.Channel(i)
		g.Scale[c] += v * x.Data[i]
		g.Bias[c] += v
	}
	return g
}
