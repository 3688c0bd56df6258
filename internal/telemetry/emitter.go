package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// EmitterConfig contains the broker settings of the telemetry emitter
type EmitterConfig struct {
	Broker   string // host:port
	ClientID string
	Topic    string // records go to <topic>/iterations, health to <topic>/health
	QoS      byte
}

// IterationRecord is published once per forward/backward iteration
type IterationRecord struct {
	InstanceID     string    `json:"instance_id"`
	RunID          string    `json:"run_id"`
	Rank           int       `json:"rank"`
	Group          int       `json:"group"`
	LocalRank      int       `json:"local_rank"`
	Iteration      int       `json:"iteration"`
	ForwardMS      float64   `json:"forward_ms"`
	BackwardMS     float64   `json:"backward_ms"`
	ReduceMS       float64   `json:"reduce_ms"`
	ExchangeMeanUS float64   `json:"exchange_mean_us"`
	ExchangeStable bool      `json:"exchange_stable"`
	BytesSent      uint64    `json:"bytes_sent"`
	BytesReceived  uint64    `json:"bytes_received"`
	OutputNorm     float64   `json:"output_norm"`
	GradNorm       float64   `json:"grad_norm"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Emitter publishes telemetry records to an MQTT broker
type Emitter struct {
	cfg    EmitterConfig
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// EmitterStats contains emitter statistics
type EmitterStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewEmitter creates a new emitter; call Connect before publishing
func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.ClientID == "" {
		cfg.ClientID = "bottleneck-telemetry"
	}
	return &Emitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the MQTT broker
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("telemetry mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("telemetry mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	e.client = mqtt.NewClient(opts)
	slog.Info("connecting to telemetry broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("telemetry connect: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("telemetry connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// PublishIteration publishes one iteration record as JSON
func (e *Emitter) PublishIteration(rec IterationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return e.publish(e.cfg.Topic+"/iterations", payload)
}

// PublishHealth publishes a health snapshot as JSON
func (e *Emitter) PublishHealth(status HealthStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal health: %w", err)
	}
	return e.publish(e.cfg.Topic+"/health", payload)
}

func (e *Emitter) publish(topic string, payload []byte) error {
	if !e.IsConnected() {
		e.countError()
		return fmt.Errorf("telemetry not connected")
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("telemetry published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection and stops pending connect retries
func (e *Emitter) Disconnect() {
	if e.client == nil {
		return
	}
	wasConnected := e.client.IsConnected()
	e.client.Disconnect(250)
	e.setConnected(false)
	if wasConnected {
		slog.Info("telemetry mqtt disconnected")
	}
}

// Stats returns emitter statistics
func (e *Emitter) Stats() EmitterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return EmitterStats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// IsConnected returns connection status
func (e *Emitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
