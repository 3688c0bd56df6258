package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/config"
	"github.com/e7canasta/spatial-bottleneck/internal/block"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

func parse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

const localDoc = `
instance_id: bn-local
world:
  size: 4
  group_size: 2
block:
  in_channels: 4
  bottleneck_channels: 2
  out_channels: 8
  stride: 2
input:
  batch: 1
  height: 8
  width: 6
  seed: 3
run:
  iterations: 2
  reduce_gradients: true
`

func TestRunLocalWorld(t *testing.T) {
	w := NewFromConfig(parse(t, localDoc))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(w.replicas) != 4 {
		t.Fatalf("hosted %d ranks, want 4", len(w.replicas))
	}
	st := w.Stats()
	if st.Forwards != 2 || st.Backwards != 2 || st.Exchanges != 4 {
		t.Errorf("stats = %+v", st)
	}
	// Two halo gathers and one gradient reduce per iteration.
	if st.Collective.Calls != 6 {
		t.Errorf("collective calls = %d, want 6", st.Collective.Calls)
	}
	if h := w.Health().HealthCheck(); h.Iterations != 2 || h.LastError != "" || !h.Ready {
		t.Errorf("health = %+v", h)
	}

	if err := w.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := parse(t, localDoc)
	cfg.Run.Iterations = 0
	cfg.Run.IntervalMS = 10
	w := NewFromConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	w.Shutdown(context.Background())
}

func TestRunRejectsSecondStart(t *testing.T) {
	w := NewFromConfig(parse(t, localDoc))
	w.isRunning = true
	if err := w.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addrs[i] = ln.Addr().String()
		ln.Close()
	}
	return addrs
}

func TestRunTCPGroup(t *testing.T) {
	addrs := freeAddrs(t, 2)
	session := uuid.NewString()

	var eg errgroup.Group
	workers := make([]*Worker, 2)
	for rank := 0; rank < 2; rank++ {
		doc := fmt.Sprintf(`
instance_id: bn-tcp-%d
world: {size: 2, rank: %d, group_size: 2}
block: {in_channels: 4, bottleneck_channels: 2, out_channels: 4, layout: nchw}
input: {batch: 1, height: 8, width: 4, seed: 5}
run: {iterations: 1, reduce_gradients: true, call_timeout_ms: 5000}
transport:
  kind: tcp
  session: %s
  tcp:
    addrs: [%q, %q]
`, rank, rank, session, addrs[0], addrs[1])
		workers[rank] = NewFromConfig(parse(t, doc))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for _, w := range workers {
		w := w
		eg.Go(func() error { return w.Run(ctx) })
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	for rank, w := range workers {
		if st := w.Stats(); st.Forwards != 1 || st.Collective.Calls != 3 {
			t.Errorf("rank %d stats = %+v", rank, st)
		}
		w.Shutdown(context.Background())
	}
}

// failBlocks makes block construction fail for every rank after the first
// ok ones and records the communicators it was handed.
func failBlocks(t *testing.T, ok int) *[]collective.Communicator {
	t.Helper()
	var seen []collective.Communicator
	orig := newBlock
	newBlock = func(cfg block.Config, w block.Weights, n block.Norms, comm collective.Communicator) (*block.Block, error) {
		seen = append(seen, comm)
		if len(seen) > ok {
			return nil, errs.ErrUnsupported
		}
		return orig(cfg, w, n, comm)
	}
	t.Cleanup(func() { newBlock = orig })
	return &seen
}

func TestSetupFailureClosesCommunicators(t *testing.T) {
	addrs := freeAddrs(t, 1)
	tests := []struct {
		name  string
		doc   string
		ok    int
		comms int
	}{
		{"local", localDoc, 2, 3},
		{"tcp", fmt.Sprintf(`
instance_id: bn-tcp-solo
world: {size: 1, rank: 0, group_size: 1}
block: {in_channels: 4, bottleneck_channels: 2, out_channels: 4}
input: {batch: 1, height: 4, width: 4, seed: 5}
transport:
  kind: tcp
  session: %s
  tcp:
    addrs: [%q]
`, uuid.NewString(), addrs[0]), 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := failBlocks(t, tt.ok)
			w := NewFromConfig(parse(t, tt.doc))

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := w.Run(ctx); !errors.Is(err, errs.ErrUnsupported) {
				t.Fatalf("Run err = %v, want the block error", err)
			}
			if len(*seen) != tt.comms {
				t.Fatalf("block construction saw %d communicators, want %d", len(*seen), tt.comms)
			}
			if len(w.replicas) != 0 || w.world != nil {
				t.Errorf("half-built setup kept %d replicas, world %v", len(w.replicas), w.world)
			}
			for i, c := range *seen {
				if _, err := c.AllGather(ctx, []float64{1}); !errors.Is(err, errs.ErrClosed) {
					t.Errorf("communicator %d: err = %v, want ErrClosed", i, err)
				}
			}
		})
	}
}
