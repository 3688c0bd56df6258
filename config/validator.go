package config

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateWorld(&cfg.World); err != nil {
		return fmt.Errorf("world: %w", err)
	}
	if err := validateBlock(&cfg.Block); err != nil {
		return fmt.Errorf("block: %w", err)
	}
	if err := validateInput(cfg); err != nil {
		return fmt.Errorf("input: %w", err)
	}

	// Run defaults
	if cfg.Run.Iterations < 0 {
		return fmt.Errorf("run.iterations must be >= 0")
	}
	if cfg.Run.CallTimeoutMS <= 0 {
		cfg.Run.CallTimeoutMS = 30000
	}
	if cfg.Run.IntervalMS < 0 {
		return fmt.Errorf("run.interval_ms must be >= 0")
	}

	if err := validateTransport(cfg); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	// Set default telemetry topic if not provided
	if cfg.Telemetry.Broker != "" && cfg.Telemetry.Topic == "" {
		cfg.Telemetry.Topic = fmt.Sprintf("bottleneck/telemetry/%s", cfg.InstanceID)
	}
	if cfg.Telemetry.QoS > 2 {
		return fmt.Errorf("telemetry.qos must be 0, 1 or 2")
	}

	return nil
}

func validateWorld(w *WorldConfig) error {
	if w.Size <= 0 {
		return fmt.Errorf("size must be > 0")
	}
	if w.GroupSize == 0 {
		w.GroupSize = w.Size
	}
	if w.GroupSize < 0 || w.Size%w.GroupSize != 0 {
		return fmt.Errorf("group_size %d must divide size %d", w.GroupSize, w.Size)
	}
	if w.Rank < 0 || w.Rank >= w.Size {
		return fmt.Errorf("rank %d out of range [0, %d)", w.Rank, w.Size)
	}
	return nil
}

func validateBlock(b *BlockConfig) error {
	if b.InChannels <= 0 || b.BottleneckChannels <= 0 || b.OutChannels <= 0 {
		return fmt.Errorf("channels must be > 0")
	}
	if b.Stride == 0 {
		b.Stride = 1
	}
	if b.Stride < 0 {
		return fmt.Errorf("stride must be >= 1")
	}
	if b.Stride != 1 || b.InChannels != b.OutChannels {
		b.Downsample = true
	}
	if b.Layout == "" {
		b.Layout = "nhwc"
	}
	if _, err := tensor.ParseLayout(b.Layout); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	if b.Fused == nil {
		b.Fused = boolPtr(true)
	}
	if b.Overlap == nil {
		b.Overlap = boolPtr(true)
	}
	return nil
}

func validateInput(cfg *Config) error {
	in := cfg.Input
	if in.Batch <= 0 || in.Height <= 0 || in.Width <= 0 {
		return fmt.Errorf("batch, height and width must be > 0")
	}
	// Every slice must start on a stride boundary so that per-rank outputs
	// tile the full output.
	per := cfg.World.GroupSize * cfg.Block.Stride
	if in.Height%per != 0 {
		return fmt.Errorf("height %d must be a multiple of group_size*stride = %d", in.Height, per)
	}
	return nil
}

func validateTransport(cfg *Config) error {
	t := &cfg.Transport
	if t.Kind == "" {
		t.Kind = "local"
	}
	if t.Session == "" {
		if t.Kind != "local" {
			return fmt.Errorf("session is required for %s", t.Kind)
		}
		t.Session = uuid.NewString()
	}
	if _, err := uuid.Parse(t.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	switch t.Kind {
	case "local":
		// Every rank of the world lives in this process.
	case "tcp":
		if len(t.TCP.Addrs) != cfg.World.Size {
			return fmt.Errorf("tcp.addrs has %d entries, world size is %d", len(t.TCP.Addrs), cfg.World.Size)
		}
		for i, a := range t.TCP.Addrs {
			if a == "" {
				return fmt.Errorf("tcp.addrs[%d] is empty", i)
			}
		}
	case "mqtt":
		if t.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if t.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if t.MQTT.TimeoutS <= 0 {
			t.MQTT.TimeoutS = 5
		}
	default:
		return fmt.Errorf("unknown kind '%s' (must be 'local', 'tcp' or 'mqtt')", t.Kind)
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
