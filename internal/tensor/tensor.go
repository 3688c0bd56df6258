// Package tensor implements the 4D activation tensor used by the block.
//
// Shapes are always logical (N, H, W, C). Layout only decides the memory
// order: NHWC is channel-last, NCHW is channel-first. Height is the
// partitioned axis, so every helper that slices or concatenates works on
// rows of H regardless of layout.
package tensor

import (
	"fmt"
	"math"
)

// Layout selects the memory order of a Tensor.
type Layout int

const (
	// NHWC is the channel-last layout.
	NHWC Layout = iota
	// NCHW is the channel-first layout.
	NCHW
)

func (l Layout) String() string {
	switch l {
	case NHWC:
		return "nhwc"
	case NCHW:
		return "nchw"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps "nhwc" / "nchw" to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "nhwc", "NHWC", "channels_last":
		return NHWC, nil
	case "nchw", "NCHW", "channels_first":
		return NCHW, nil
	default:
		return NHWC, fmt.Errorf("unknown layout %q", s)
	}
}

// Shape is the logical (N, H, W, C) extent of a tensor.
type Shape struct {
	N, H, W, C int
}

// Elems returns N*H*W*C.
func (s Shape) Elems() int { return s.N * s.H * s.W * s.C }

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool { return s.N > 0 && s.H > 0 && s.W > 0 && s.C > 0 }

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s.N, s.H, s.W, s.C)
}

// Tensor is a dense float64 tensor with a logical (N, H, W, C) shape.
type Tensor struct {
	Shape
	Layout Layout
	Data   []float64
}

// New allocates a zero tensor.
func New(layout Layout, s Shape) *Tensor {
	return &Tensor{Shape: s, Layout: layout, Data: make([]float64, s.Elems())}
}

// FromData wraps data without copying. It panics when len(data) does not
// match the shape.
func FromData(layout Layout, s Shape, data []float64) *Tensor {
	if len(data) != s.Elems() {
		panic(fmt.Sprintf("tensor: %d elements for shape %s", len(data), s))
	}
	return &Tensor{Shape: s, Layout: layout, Data: data}
}

// Offset returns the index of element (n, h, w, c) in Data.
func (t *Tensor) Offset(n, h, w, c int) int {
	if t.Layout == NCHW {
		return ((n*t.C+c)*t.H+h)*t.W + w
	}
	return ((n*t.H+h)*t.W+w)*t.C + c
}

// At returns element (n, h, w, c).
func (t *Tensor) At(n, h, w, c int) float64 { return t.Data[t.Offset(n, h, w, c)] }

// Set stores v at (n, h, w, c).
func (t *Tensor) Set(n, h, w, c int, v float64) { t.Data[t.Offset(n, h, w, c)] = v }

// Channel returns the channel index of flat position i.
func (t *Tensor) Channel(i int) int {
	if t.Layout == NCHW {
		return (i / (t.H * t.W)) % t.C
	}
	return i % t.C
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Layout, t.Shape)
	copy(out.Data, t.Data)
	return out
}

// Zero clears every element.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SameShape reports whether o has the same shape and layout.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.Shape == o.Shape && t.Layout == o.Layout
}

// Rows copies rows [from, to) of the height axis into a new tensor.
func (t *Tensor) Rows(from, to int) *Tensor {
	if from < 0 || to > t.H || from >= to {
		panic(fmt.Sprintf("tensor: rows [%d,%d) of height %d", from, to, t.H))
	}
	out := New(t.Layout, Shape{N: t.N, H: to - from, W: t.W, C: t.C})
	out.CopyRows(0, t, from, to-from)
	return out
}

// CopyRows copies count rows of src starting at srcRow into t starting at
// dstRow. Both tensors must agree on N, W, C and layout.
func (t *Tensor) CopyRows(dstRow int, src *Tensor, srcRow, count int) {
	if src.N != t.N || src.W != t.W || src.C != t.C || src.Layout != t.Layout {
		panic(fmt.Sprintf("tensor: copy rows between %s/%s and %s/%s", src.Shape, src.Layout, t.Shape, t.Layout))
	}
	if t.Layout == NHWC {
		// A row block is contiguous per batch entry.
		span := t.W * t.C
		for n := 0; n < t.N; n++ {
			d := t.Offset(n, dstRow, 0, 0)
			s := src.Offset(n, srcRow, 0, 0)
			copy(t.Data[d:d+count*span], src.Data[s:s+count*span])
		}
		return
	}
	span := t.W
	for n := 0; n < t.N; n++ {
		for c := 0; c < t.C; c++ {
			d := t.Offset(n, dstRow, 0, c)
			s := src.Offset(n, srcRow, 0, c)
			copy(t.Data[d:d+count*span], src.Data[s:s+count*span])
		}
	}
}

// ZeroRows clears count rows starting at row.
func (t *Tensor) ZeroRows(row, count int) {
	for n := 0; n < t.N; n++ {
		for h := row; h < row+count; h++ {
			for w := 0; w < t.W; w++ {
				for c := 0; c < t.C; c++ {
					t.Data[t.Offset(n, h, w, c)] = 0
				}
			}
		}
	}
}

// SplitHeight cuts t into parts equal slices along H, in order.
func SplitHeight(t *Tensor, parts int) ([]*Tensor, error) {
	if parts <= 0 || t.H%parts != 0 {
		return nil, fmt.Errorf("tensor: height %d not divisible into %d parts", t.H, parts)
	}
	hs := t.H / parts
	out := make([]*Tensor, parts)
	for i := range out {
		out[i] = t.Rows(i*hs, (i+1)*hs)
	}
	return out, nil
}

// ConcatHeight stacks slices along H in the given order.
func ConcatHeight(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tensor: nothing to concatenate")
	}
	first := parts[0]
	total := 0
	for i, p := range parts {
		if p.N != first.N || p.W != first.W || p.C != first.C || p.Layout != first.Layout {
			return nil, fmt.Errorf("tensor: part %d has shape %s/%s, want N,W,C of %s/%s",
				i, p.Shape, p.Layout, first.Shape, first.Layout)
		}
		total += p.H
	}
	out := New(first.Layout, Shape{N: first.N, H: total, W: first.W, C: first.C})
	row := 0
	for _, p := range parts {
		out.CopyRows(row, p, 0, p.H)
		row += p.H
	}
	return out, nil
}

// ToLayout returns t in the requested layout, copying only when needed.
func (t *Tensor) ToLayout(layout Layout) *Tensor {
	if t.Layout == layout {
		return t
	}
	out := New(layout, t.Shape)
	for n := 0; n < t.N; n++ {
		for h := 0; h < t.H; h++ {
			for w := 0; w < t.W; w++ {
				for c := 0; c < t.C; c++ {
					out.Set(n, h, w, c, t.At(n, h, w, c))
				}
			}
		}
	}
	return out
}

// MaxAbsDiff returns the largest elementwise |a-b|. Shapes must match
// logically; layouts may differ.
func MaxAbsDiff(a, b *Tensor) float64 {
	if a.Shape != b.Shape {
		return math.Inf(1)
	}
	b = b.ToLayout(a.Layout)
	var m float64
	for i, v := range a.Data {
		if d := math.Abs(v - b.Data[i]); d > m {
			m = d
		}
	}
	return m
}

// Equal reports bitwise equality of shape, layout and data.
func Equal(a, b *Tensor) bool {
	if !a.SameShape(b) {
		return false
	}
	for i, v := range a.Data {
		if math.Float64bits(v) != math.Float64bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// Norm2 returns the L2 norm of the data.
func (t *Tensor) Norm2() float64 {
	var s float64
	for _, v := range t.Data {
		s += v * v
	}
	return math.Sqrt(s)
}
