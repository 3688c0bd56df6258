package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/config"
	"github.com/e7canasta/spatial-bottleneck/internal/block"
	"github.com/e7canasta/spatial-bottleneck/internal/telemetry"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// newBlock builds the block of one hosted rank.
var newBlock = block.New

// replica is one rank hosted by this process.
type replica struct {
	m     collective.Membership
	comm  collective.Communicator
	block *block.Block
	input *tensor.Tensor // this rank's height slice
}

// Worker drives forward/backward iterations for the ranks it hosts: every
// rank of the world with the local transport, its own rank otherwise.
//
// Lifecycle: New -> Run (blocks until ctx ends, iterations run out or an
// iteration fails) -> Shutdown.
type Worker struct {
	cfg     *config.Config
	runID   string
	emitter *telemetry.Emitter
	health  *telemetry.HealthServer

	mu        sync.RWMutex
	replicas  []*replica
	world     *collective.LocalWorld // local transport only
	isRunning bool
}

// New loads the configuration at path and prepares a worker.
func New(path string) (*Worker, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewFromConfig(cfg), nil
}

// NewFromConfig prepares a worker from a validated configuration.
func NewFromConfig(cfg *config.Config) *Worker {
	w := &Worker{cfg: cfg, runID: uuid.NewString()}
	if cfg.Telemetry.Broker != "" {
		w.emitter = telemetry.NewEmitter(telemetry.EmitterConfig{
			Broker:   cfg.Telemetry.Broker,
			ClientID: cfg.InstanceID + "-telemetry",
			Topic:    cfg.Telemetry.Topic,
			QoS:      cfg.Telemetry.QoS,
		})
	}
	w.health = telemetry.NewHealthServer(cfg.InstanceID, w, w.emitter)

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"run_id", w.runID,
		"world_size", cfg.World.Size,
		"group_size", cfg.World.GroupSize,
		"transport", cfg.Transport.Kind,
	)
	return w
}

// StartHealthServer serves the health endpoints when configured.
func (w *Worker) StartHealthServer() error {
	if w.cfg.Telemetry.HealthAddr == "" {
		return nil
	}
	_, err := w.health.Start(w.cfg.Telemetry.HealthAddr)
	return err
}

// Health returns the worker's health server.
func (w *Worker) Health() *telemetry.HealthServer { return w.health }

// ShutdownTimeout returns the configured graceful shutdown deadline.
func (w *Worker) ShutdownTimeout() time.Duration { return w.cfg.ShutdownTimeout() }

// Stats returns the statistics of the first hosted rank.
func (w *Worker) Stats() block.Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.replicas) == 0 {
		return block.Stats{}
	}
	return w.replicas[0].block.Stats()
}

// Run connects, builds the blocks and iterates. It returns nil when ctx is
// cancelled or the configured iterations are done.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("worker is already running")
	}
	w.isRunning = true
	w.mu.Unlock()

	if w.emitter != nil {
		if err := w.emitter.Connect(ctx); err != nil {
			// Telemetry is optional; the health status reports it.
			slog.Warn("telemetry unavailable", "error", err)
		}
	}

	if err := w.setup(ctx); err != nil {
		w.health.RecordIteration(err)
		return err
	}
	w.health.MarkReady(true)

	for it := 0; w.cfg.Run.Iterations == 0 || it < w.cfg.Run.Iterations; it++ {
		if ctx.Err() != nil {
			return nil
		}
		err := w.iterate(ctx, it)
		w.health.RecordIteration(err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("iteration %d: %w", it, err)
		}
		if d := time.Duration(w.cfg.Run.IntervalMS) * time.Millisecond; d > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
		}
	}
	slog.Info("iterations complete", "iterations", w.cfg.Run.Iterations, "run_id", w.runID)
	return nil
}

// setup connects the transport and builds one block per hosted rank.
func (w *Worker) setup(ctx context.Context) error {
	cfg := w.cfg
	bc := cfg.BlockConfig()
	weights, norms, err := w.parameters(bc)
	if err != nil {
		return err
	}

	full := tensor.Randn(bc.Layout, cfg.InputShape(), rand.New(rand.NewSource(cfg.Input.Seed)))
	slices, err := tensor.SplitHeight(full, cfg.World.GroupSize)
	if err != nil {
		return err
	}

	var ranks []int
	var comms []collective.Communicator
	if cfg.Transport.Kind == "local" {
		world, all, err := connectLocal(cfg)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.world = world
		w.mu.Unlock()
		for r := range all {
			ranks = append(ranks, r)
		}
		comms = all
	} else {
		m, err := cfg.Membership()
		if err != nil {
			return err
		}
		comm, err := connectRemote(ctx, cfg, m)
		if err != nil {
			return err
		}
		ranks, comms = []int{cfg.World.Rank}, []collective.Communicator{comm}
	}

	for i, r := range ranks {
		m, err := collective.Partition(cfg.World.Size, r, cfg.World.GroupSize)
		if err != nil {
			return w.abandon(comms[i:], err)
		}
		b, err := newBlock(bc, weights, norms, comms[i])
		if err != nil {
			return w.abandon(comms[i:], err)
		}
		w.mu.Lock()
		w.replicas = append(w.replicas, &replica{m: m, comm: comms[i], block: b, input: slices[m.LocalRank]})
		w.mu.Unlock()
	}
	return nil
}

// abandon tears down a half-built setup: the blocks built so far, their
// communicators, the communicators not yet handed to a block and the local
// world. It returns cause.
func (w *Worker) abandon(pending []collective.Communicator, cause error) error {
	w.mu.Lock()
	replicas, world := w.replicas, w.world
	w.replicas, w.world = nil, nil
	w.mu.Unlock()

	for _, rp := range replicas {
		rp.block.Close()
		rp.comm.Close()
	}
	for _, c := range pending {
		c.Close()
	}
	if world != nil {
		world.Close()
	}
	return cause
}

// parameters loads the checkpoint or draws seeded weights shared by every
// rank.
func (w *Worker) parameters(bc block.Config) (block.Weights, block.Norms, error) {
	if path := w.cfg.Block.Checkpoint; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return block.Weights{}, block.Norms{}, fmt.Errorf("open checkpoint: %w", err)
		}
		defer f.Close()
		return block.LoadCheckpoint(f, bc)
	}
	rng := rand.New(rand.NewSource(w.cfg.Input.Seed + 1))
	return block.RandomWeights(bc, rng), block.IdentityNorms(bc), nil
}

// iterate runs one iteration on every hosted rank concurrently.
func (w *Worker) iterate(ctx context.Context, it int) error {
	w.mu.RLock()
	replicas := w.replicas
	w.mu.RUnlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, rp := range replicas {
		rp := rp
		eg.Go(func() error { return w.step(ctx, rp, it) })
	}
	return eg.Wait()
}

// step runs forward, backward with dL/dy = y (L = |y|^2 / 2) and the
// optional gradient all-reduce for one rank.
func (w *Worker) step(ctx context.Context, rp *replica, it int) (err error) {
	rec := telemetry.IterationRecord{
		InstanceID: w.cfg.InstanceID,
		RunID:      w.runID,
		Rank:       rp.m.Rank,
		Group:      rp.m.Group,
		LocalRank:  rp.m.LocalRank,
		Iteration:  it,
	}
	defer func() {
		if err != nil {
			rec.Error = err.Error()
		}
		w.emit(rec)
	}()

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout())
	defer cancel()

	start := time.Now()
	y, cache, err := rp.block.Forward(callCtx, rp.input)
	if err != nil {
		return err
	}
	rec.ForwardMS = ms(time.Since(start))
	rec.OutputNorm = y.Norm2()

	start = time.Now()
	g, err := rp.block.Backward(callCtx, cache, y)
	if err != nil {
		return err
	}
	rec.BackwardMS = ms(time.Since(start))

	if w.cfg.Run.ReduceGradients {
		start = time.Now()
		if err := block.ReduceGradients(callCtx, rp.comm, g); err != nil {
			return err
		}
		rec.ReduceMS = ms(time.Since(start))
	}
	rec.GradNorm = floats.Norm(g.Flatten(), 2)

	st := rp.block.Stats()
	rec.ExchangeMeanUS = float64(st.Exchange.Mean.Microseconds())
	rec.ExchangeStable = st.Exchange.IsStable
	rec.BytesSent = st.Collective.BytesSent
	rec.BytesReceived = st.Collective.BytesReceived

	slog.Info("iteration done",
		"rank", rp.m.Rank,
		"iteration", it,
		"forward_ms", rec.ForwardMS,
		"backward_ms", rec.BackwardMS,
		"output_norm", rec.OutputNorm,
		"grad_norm", rec.GradNorm,
	)
	return nil
}

func (w *Worker) emit(rec telemetry.IterationRecord) {
	if w.emitter == nil || !w.emitter.IsConnected() {
		return
	}
	rec.Timestamp = time.Now()
	if err := w.emitter.PublishIteration(rec); err != nil {
		slog.Debug("telemetry publish failed", "error", err)
	}
}

// Shutdown closes blocks, transports and telemetry.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	replicas, world := w.replicas, w.world
	w.replicas, w.world = nil, nil
	w.isRunning = false
	w.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var errList []error
		for _, rp := range replicas {
			errList = append(errList, rp.block.Close(), rp.comm.Close())
		}
		if world != nil {
			errList = append(errList, world.Close())
		}
		if w.emitter != nil {
			w.emitter.Disconnect()
		}
		errList = append(errList, w.health.Close())
		done <- errors.Join(errList...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
