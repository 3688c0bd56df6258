package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/block"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// Config represents the complete configuration of one worker process
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	World            WorldConfig     `yaml:"world"`
	Block            BlockConfig     `yaml:"block"`
	Input            InputConfig     `yaml:"input"`
	Run              RunConfig       `yaml:"run"`
	Transport        TransportConfig `yaml:"transport"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
}

// WorldConfig places this worker in the world
type WorldConfig struct {
	Size      int `yaml:"size"`
	Rank      int `yaml:"rank"`
	GroupSize int `yaml:"group_size"` // must divide size
}

// BlockConfig contains the bottleneck shape and execution options
type BlockConfig struct {
	InChannels         int    `yaml:"in_channels"`
	BottleneckChannels int    `yaml:"bottleneck_channels"`
	OutChannels        int    `yaml:"out_channels"`
	Stride             int    `yaml:"stride"`     // default: 1
	Downsample         bool   `yaml:"downsample"` // forced on when stride or channels require it
	Layout             string `yaml:"layout"`     // nhwc, nchw
	Fused              *bool  `yaml:"fused"`      // default: true
	Overlap            *bool  `yaml:"overlap"`    // default: true
	Checkpoint         string `yaml:"checkpoint"` // msgpack weights file (optional)
}

// InputConfig describes the synthetic full-height input of the group
type InputConfig struct {
	Batch  int   `yaml:"batch"`
	Height int   `yaml:"height"` // full height, split across the group
	Width  int   `yaml:"width"`
	Seed   int64 `yaml:"seed"` // shared by every rank
}

// RunConfig controls the iteration loop
type RunConfig struct {
	Iterations      int  `yaml:"iterations"`       // 0 runs until interrupted
	ReduceGradients bool `yaml:"reduce_gradients"` // all-reduce weight gradients after backward
	CallTimeoutMS   int  `yaml:"call_timeout_ms"`  // per forward/backward call (default: 30000)
	IntervalMS      int  `yaml:"interval_ms"`      // pause between iterations
}

// TransportConfig selects the collective transport
type TransportConfig struct {
	Kind    string     `yaml:"kind"`    // local, tcp, mqtt
	Session string     `yaml:"session"` // UUID shared by the whole world
	TCP     TCPConfig  `yaml:"tcp"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// TCPConfig lists every rank's listen address, by global rank
type TCPConfig struct {
	Addrs []string `yaml:"addrs"`
}

// MQTTConfig contains broker settings for the mqtt transport
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
	TimeoutS int    `yaml:"timeout_s"`
}

// TelemetryConfig contains the optional observability outputs
type TelemetryConfig struct {
	HealthAddr string `yaml:"health_addr"` // e.g. ":8080", empty disables
	Broker     string `yaml:"broker"`      // empty disables the emitter
	Topic      string `yaml:"topic"`
	QoS        byte   `yaml:"qos"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Membership returns this worker's partition group
func (c *Config) Membership() (collective.Membership, error) {
	return collective.Partition(c.World.Size, c.World.Rank, c.World.GroupSize)
}

// BlockConfig maps the block section onto the block configuration
func (c *Config) BlockConfig() block.Config {
	layout, _ := tensor.ParseLayout(c.Block.Layout)
	return block.Config{
		InChannels:         c.Block.InChannels,
		BottleneckChannels: c.Block.BottleneckChannels,
		OutChannels:        c.Block.OutChannels,
		Stride:             c.Block.Stride,
		Downsample:         c.Block.Downsample,
		GroupSize:          c.World.GroupSize,
		Layout:             layout,
		Fused:              *c.Block.Fused,
		Overlap:            *c.Block.Overlap,
	}
}

// InputShape returns the full-height input shape of the group
func (c *Config) InputShape() tensor.Shape {
	return tensor.Shape{N: c.Input.Batch, H: c.Input.Height, W: c.Input.Width, C: c.Block.InChannels}
}

// SessionID returns the parsed world session
func (c *Config) SessionID() uuid.UUID {
	return uuid.MustParse(c.Transport.Session)
}

// GroupSession derives the session of one partition group, so groups of
// one world never accept each other's frames
func (c *Config) GroupSession(group int) uuid.UUID {
	return uuid.NewSHA1(c.SessionID(), []byte(fmt.Sprintf("group-%d", group)))
}

// CallTimeout returns the per-call deadline
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Run.CallTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown deadline
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
