package tensor

import (
	"math/rand"
	"testing"
)

func TestOffsetLayouts(t *testing.T) {
	s := Shape{N: 2, H: 3, W: 4, C: 5}
	for _, layout := range []Layout{NHWC, NCHW} {
		x := New(layout, s)
		seen := make(map[int]bool)
		for n := 0; n < s.N; n++ {
			for h := 0; h < s.H; h++ {
				for w := 0; w < s.W; w++ {
					for c := 0; c < s.C; c++ {
						off := x.Offset(n, h, w, c)
						if seen[off] {
							t.Fatalf("%s: offset %d reused", layout, off)
						}
						seen[off] = true
						if got := x.Channel(off); got != c {
							t.Fatalf("%s: Channel(%d) = %d, want %d", layout, off, got, c)
						}
					}
				}
			}
		}
		if len(seen) != s.Elems() {
			t.Errorf("%s: %d offsets, want %d", layout, len(seen), s.Elems())
		}
	}
}

func TestSplitConcatRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, layout := range []Layout{NHWC, NCHW} {
		x := Randn(layout, Shape{N: 2, H: 8, W: 3, C: 4}, rng)

		parts, err := SplitHeight(x, 4)
		if err != nil {
			t.Fatalf("SplitHeight: %v", err)
		}
		if parts[1].H != 2 {
			t.Fatalf("slice height %d, want 2", parts[1].H)
		}
		if parts[2].At(1, 0, 2, 3) != x.At(1, 4, 2, 3) {
			t.Errorf("%s: slice 2 row 0 does not match row 4 of the source", layout)
		}

		back, err := ConcatHeight(parts)
		if err != nil {
			t.Fatalf("ConcatHeight: %v", err)
		}
		if !Equal(back, x) {
			t.Errorf("%s: concat(split(x)) != x", layout)
		}
	}
}

func TestSplitHeightIndivisible(t *testing.T) {
	x := New(NHWC, Shape{N: 1, H: 5, W: 1, C: 1})
	if _, err := SplitHeight(x, 2); err == nil {
		t.Fatal("expected error splitting height 5 into 2")
	}
}

func TestZeroRowsAndCopyRows(t *testing.T) {
	x := New(NCHW, Shape{N: 1, H: 4, W: 2, C: 2})
	x.Fill(3)
	x.ZeroRows(1, 2)
	for h := 0; h < 4; h++ {
		want := 3.0
		if h == 1 || h == 2 {
			want = 0
		}
		if got := x.At(0, h, 1, 1); got != want {
			t.Errorf("row %d = %v, want %v", h, got, want)
		}
	}

	src := New(NCHW, Shape{N: 1, H: 1, W: 2, C: 2})
	src.Fill(9)
	x.CopyRows(2, src, 0, 1)
	if x.At(0, 2, 0, 0) != 9 || x.At(0, 1, 0, 0) != 0 {
		t.Errorf("CopyRows wrote the wrong row")
	}
}

func TestToLayoutPreservesLogicalValues(t *testing.T) {
	x := Randn(NHWC, Shape{N: 1, H: 2, W: 3, C: 4}, rand.New(rand.NewSource(1)))
	y := x.ToLayout(NCHW)
	if MaxAbsDiff(x, y) != 0 {
		t.Errorf("layout conversion changed values")
	}
	if y.Layout != NCHW {
		t.Errorf("layout = %s, want nchw", y.Layout)
	}
}
