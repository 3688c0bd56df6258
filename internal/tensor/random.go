package tensor

import "math/rand"

// Randn allocates a tensor filled with standard normal samples from rng.
// Samples are drawn in logical (n, h, w, c) order so the same seed yields
// the same logical tensor in every layout.
func Randn(layout Layout, s Shape, rng *rand.Rand) *Tensor {
	t := New(layout, s)
	for n := 0; n < s.N; n++ {
		for h := 0; h < s.H; h++ {
			for w := 0; w < s.W; w++ {
				for c := 0; c < s.C; c++ {
					t.Set(n, h, w, c, rng.NormFloat64())
				}
			}
		}
	}
	return t
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
