package block

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

func TestCheckpointRestoresBlock(t *testing.T) {
	cfg := Config{InChannels: 4, BottleneckChannels: 2, OutChannels: 6, Stride: 1, Downsample: true, Fused: true}
	rng := rand.New(rand.NewSource(2))
	w := RandomWeights(cfg, rng)
	n := randomNorms(cfg, rng)

	var buf bytes.Buffer
	if err := SaveCheckpoint(&buf, cfg, w, n); err != nil {
		t.Fatal(err)
	}
	gotW, gotN, err := LoadCheckpoint(bytes.NewReader(buf.Bytes()), cfg)
	if err != nil {
		t.Fatal(err)
	}

	a, err := New(cfg, w, n, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(cfg, gotW, gotN, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	for i := 1; i <= 4; i++ {
		sa, sb := a.ScaleBias(i), b.ScaleBias(i)
		for c := range sa.Scale {
			if sa.Scale[c] != sb.Scale[c] || sa.Bias[c] != sb.Bias[c] {
				t.Fatalf("stage %d channel %d differs after reload", i, c)
			}
		}
	}
	for i, f := range w.Filters() {
		g := gotW.Filters()[i]
		if !f.SameShape(g) {
			t.Fatalf("filter %d shape %s, want %s", i+1, g, f)
		}
		for j := range f.Data {
			if f.Data[j] != g.Data[j] {
				t.Fatalf("filter %d differs after reload", i+1)
			}
		}
	}
}

func TestCheckpointRejectsOtherShape(t *testing.T) {
	cfg := Config{InChannels: 4, BottleneckChannels: 2, OutChannels: 4, Stride: 1, Fused: true}
	var buf bytes.Buffer
	if err := SaveCheckpoint(&buf, cfg, IdentityWeights(cfg), IdentityNorms(cfg)); err != nil {
		t.Fatal(err)
	}
	other := cfg
	other.BottleneckChannels = 3
	if _, _, err := LoadCheckpoint(&buf, other); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Errorf("err = %v, want shape mismatch", err)
	}
	if _, _, err := LoadCheckpoint(bytes.NewReader([]byte{0xc1}), cfg); err == nil {
		t.Error("garbage decoded without error")
	}
}
