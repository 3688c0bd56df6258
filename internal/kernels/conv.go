// Package kernels provides the stage primitives the block is built from:
// convolution and its two gradients, the folded normalization affine, relu
// and the fused relu-derivative scaling.
//
// Convolutions lower to im2col followed by a single GEMM on gonum. Like
// gonum/mat, the kernels panic on dimension mismatches: shapes are
// validated by the block before any kernel runs, so a panic here is a bug.
package kernels

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// Filter is a convolution weight in [Out][KH][KW][In] order. Groups and
// dilation are not supported.
type Filter struct {
	Out, KH, KW, In int
	Data            []float64
}

// NewFilter allocates a zero filter.
func NewFilter(out, kh, kw, in int) *Filter {
	return &Filter{Out: out, KH: kh, KW: kw, In: in, Data: make([]float64, out*kh*kw*in)}
}

func (f *Filter) index(o, kh, kw, i int) int { return ((o*f.KH+kh)*f.KW+kw)*f.In + i }

// At returns weight (o, kh, kw, i).
func (f *Filter) At(o, kh, kw, i int) float64 { return f.Data[f.index(o, kh, kw, i)] }

// Set stores v at (o, kh, kw, i).
func (f *Filter) Set(o, kh, kw, i int, v float64) { f.Data[f.index(o, kh, kw, i)] = v }

// Clone returns a deep copy.
func (f *Filter) Clone() *Filter {
	c := NewFilter(f.Out, f.KH, f.KW, f.In)
	copy(c.Data, f.Data)
	return c
}

// SameShape reports whether g has the same dimensions as f.
func (f *Filter) SameShape(g *Filter) bool {
	return f.Out == g.Out && f.KH == g.KH && f.KW == g.KW && f.In == g.In
}

func (f *Filter) String() string {
	return fmt.Sprintf("filter(%d,%d,%d,%d)", f.Out, f.KH, f.KW, f.In)
}

// Identity returns a filter that copies input channel i to output channel i
// through the centre tap. Extra output channels stay zero.
func Identity(out, k, in int) *Filter {
	f := NewFilter(out, k, k, in)
	for c := 0; c < out && c < in; c++ {
		f.Set(c, k/2, k/2, c, 1)
	}
	return f
}

// FlipTranspose returns the filter of the transposed convolution: kernel
// rotated by 180 degrees and input/output channels swapped. For stride 1,
// ConvBackwardData(g, f, 1, p, q) equals ConvPadded(g, FlipTranspose(f), 1,
// KH-1-p, KW-1-q).
func FlipTranspose(f *Filter) *Filter {
	t := NewFilter(f.In, f.KH, f.KW, f.Out)
	for o := 0; o < f.Out; o++ {
		for kh := 0; kh < f.KH; kh++ {
			for kw := 0; kw < f.KW; kw++ {
				for i := 0; i < f.In; i++ {
					t.Set(i, f.KH-1-kh, f.KW-1-kw, o, f.At(o, kh, kw, i))
				}
			}
		}
	}
	return t
}

func (f *Filter) matrix() *mat.Dense {
	return mat.NewDense(f.Out, f.KH*f.KW*f.In, f.Data)
}

func outSize(in, k, stride, pad int) int {
	return (in+2*pad-k)/stride + 1
}

// OutShape returns the output shape of ConvPadded for input shape s.
func OutShape(s tensor.Shape, f *Filter, stride, padH, padW int) tensor.Shape {
	return tensor.Shape{
		N: s.N,
		H: outSize(s.H, f.KH, stride, padH),
		W: outSize(s.W, f.KW, stride, padW),
		C: f.Out,
	}
}

// Conv is a no-bias convolution with padding implied by the kernel size.
func Conv(x *tensor.Tensor, f *Filter, stride int) *tensor.Tensor {
	return ConvPadded(x, f, stride, f.KH/2, f.KW/2)
}

// ConvPadded is a no-bias convolution with explicit zero padding.
func ConvPadded(x *tensor.Tensor, f *Filter, stride, padH, padW int) *tensor.Tensor {
	if x.C != f.In {
		panic(fmt.Sprintf("kernels: conv input has %d channels, %s", x.C, f))
	}
	outShape := OutShape(x.Shape, f, stride, padH, padW)
	if !outShape.Valid() {
		panic(fmt.Sprintf("kernels: conv of %s with %s stride %d pad (%d,%d) is empty", x.Shape, f, stride, padH, padW))
	}
	col := im2col(x, f, stride, padH, padW, outShape.H, outShape.W)

	y := tensor.New(x.Layout, outShape)
	if x.Layout == tensor.NHWC {
		// NHWC output rows are exactly the GEMM rows.
		out := mat.NewDense(outShape.N*outShape.H*outShape.W, outShape.C, y.Data)
		out.Mul(col, f.matrix().T())
		return y
	}
	var out mat.Dense
	out.Mul(col, f.matrix().T())
	scatterRows(y, &out)
	return y
}

// ConvBackwardData returns the gradient with respect to the convolution
// input of shape in, given the gradient of its output.
func ConvBackwardData(gradOut *tensor.Tensor, f *Filter, stride, padH, padW int, in tensor.Shape) *tensor.Tensor {
	if gradOut.C != f.Out {
		panic(fmt.Sprintf("kernels: conv grad has %d channels, %s", gradOut.C, f))
	}
	if want := OutShape(in, f, stride, padH, padW); want != gradOut.Shape {
		panic(fmt.Sprintf("kernels: conv grad shape %s, want %s", gradOut.Shape, want))
	}
	var dcol mat.Dense
	dcol.Mul(gatherRows(gradOut), f.matrix())

	dx := tensor.New(gradOut.Layout, in)
	col2im(dx, &dcol, f, stride, padH, padW, gradOut.H, gradOut.W)
	return dx
}

// ConvBackwardFilter returns the weight gradient of a convolution with
// filter shape like, given its input and the gradient of its output.
func ConvBackwardFilter(x, gradOut *tensor.Tensor, like *Filter, stride, padH, padW int) *Filter {
	if x.C != like.In || gradOut.C != like.Out {
		panic(fmt.Sprintf("kernels: filter grad of %s from input %s and grad %s", like, x.Shape, gradOut.Shape))
	}
	if want := OutShape(x.Shape, like, stride, padH, padW); want != gradOut.Shape {
		panic(fmt.Sprintf("kernels: conv grad shape %s, want %s", gradOut.Shape, want))
	}
	col := im2col(x, like, stride, padH, padW, gradOut.H, gradOut.W)
	dw := NewFilter(like.Out, like.KH, like.KW, like.In)
	dm := dw.matrix()
	dm.Mul(gatherRows(gradOut).T(), col)
	return dw
}

// im2col lowers x to an (N*ho*wo) x (KH*KW*In) matrix. Padding positions
// stay zero.
func im2col(x *tensor.Tensor, f *Filter, stride, padH, padW, ho, wo int) *mat.Dense {
	k := f.KH * f.KW * f.In
	m := x.N * ho * wo
	data := make([]float64, m*k)
	row := 0
	for n := 0; n < x.N; n++ {
		for oh := 0; oh < ho; oh++ {
			for ow := 0; ow < wo; ow++ {
				base := row * k
				for kh := 0; kh < f.KH; kh++ {
					ih := oh*stride - padH + kh
					if ih < 0 || ih >= x.H {
						continue
					}
					for kw := 0; kw < f.KW; kw++ {
						iw := ow*stride - padW + kw
						if iw < 0 || iw >= x.W {
							continue
						}
						off := base + (kh*f.KW+kw)*f.In
						for c := 0; c < f.In; c++ {
							data[off+c] = x.At(n, ih, iw, c)
						}
					}
				}
				row++
			}
		}
	}
	return mat.NewDense(m, k, data)
}

// col2im accumulates a column-gradient matrix back into dx.
func col2im(dx *tensor.Tensor, dcol *mat.Dense, f *Filter, stride, padH, padW, ho, wo int) {
	row := 0
	for n := 0; n < dx.N; n++ {
		for oh := 0; oh < ho; oh++ {
			for ow := 0; ow < wo; ow++ {
				r := dcol.RawRowView(row)
				for kh := 0; kh < f.KH; kh++ {
					ih := oh*stride - padH + kh
					if ih < 0 || ih >= dx.H {
						continue
					}
					for kw := 0; kw < f.KW; kw++ {
						iw := ow*stride - padW + kw
						if iw < 0 || iw >= dx.W {
							continue
						}
						off := (kh*f.KW + kw) * f.In
						for c := 0; c < f.In; c++ {
							dx.Data[dx.Offset(n, ih, iw, c)] += r[off+c]
						}
					}
				}
				row++
			}
		}
	}
}

// gatherRows views t as an (N*H*W) x C matrix in NHWC order. NHWC tensors
// are wrapped without a copy.
func gatherRows(t *tensor.Tensor) *mat.Dense {
	if t.Layout == tensor.NHWC {
		return mat.NewDense(t.N*t.H*t.W, t.C, t.Data)
	}
	data := make([]float64, t.Elems())
	i := 0
	for n := 0; n < t.N; n++ {
		for h := 0; h < t.H; h++ {
			for w := 0; w < t.W; w++ {
				for c := 0; c < t.C; c++ {
					data[i] = t.At(n, h, w, c)
					i++
				}
			}
		}
	}
	return mat.NewDense(t.N*t.H*t.W, t.C, data)
}

// scatterRows writes an (N*H*W) x C matrix in NHWC order into t.
func scatterRows(t *tensor.Tensor, m *mat.Dense) {
	row := 0
	for n := 0; n < t.N; n++ {
		for h := 0; h < t.H; h++ {
			for w := 0; w < t.W; w++ {
				r := m.RawRowView(row)
				for c := 0; c < t.C; c++ {
					t.Set(n, h, w, c, r[c])
				}
				row++
			}
		}
	}
}
