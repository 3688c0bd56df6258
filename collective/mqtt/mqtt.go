// Package mqtt implements collective.Communicator through an MQTT broker.
//
// Topics:
//
//	<prefix>/<session>/hello/<rank>   retained, one per member
//	<prefix>/<session>/<seq>/<rank>   payload of call seq from rank
//
// Every member subscribes to <prefix>/<session>/# on each (re)connect and
// then announces itself. A hello carries a nonce drawn per Dial and the
// nonces of the peers the member has heard from. Dial returns once every
// peer's hello lists this member's current nonce, so retained hellos left
// by an earlier run are never taken for live members, and no call payload
// is published before all members listen for it. The broker clears a
// member's hello through its will when the connection drops.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

// Config describes one member of an MQTT group.
type Config struct {
	Broker   string // host:port
	ClientID string // defaults to <prefix>-<session>-<rank>
	Prefix   string // defaults to "bottleneck"
	Session  uuid.UUID
	Rank     int
	Size     int
	QoS      byte          // defaults to 1
	Timeout  time.Duration // connect and publish timeout, defaults to 5s
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "bottleneck"
	}
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("%s-%s-%d", c.Prefix, c.Session, c.Rank)
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c Config) validate() error {
	switch {
	case c.Broker == "":
		return errs.Configf("mqtt", errs.ErrUnsupported, "broker address is required")
	case c.Size <= 0:
		return errs.Configf("mqtt", errs.ErrInvalidGroupSize, "group size %d", c.Size)
	case c.Rank < 0 || c.Rank >= c.Size:
		return errs.Configf("mqtt", errs.ErrRankOutOfRange, "rank %d of %d members", c.Rank, c.Size)
	case c.Session == uuid.Nil:
		return errs.Configf("mqtt", errs.ErrUnsupported, "empty session id")
	case c.QoS > 2:
		return errs.Configf("mqtt", errs.ErrUnsupported, "qos %d", c.QoS)
	}
	return nil
}

// hello is the retained announcement of one member.
type hello struct {
	Nonce   string         `msgpack:"nonce"`
	Version uint64         `msgpack:"version"`
	Seen    map[int]string `msgpack:"seen"` // peer rank -> nonce heard
}

type message struct {
	Seq  uint64          `msgpack:"seq"`
	Kind collective.Kind `msgpack:"kind"`
	From int             `msgpack:"from"`
	Data []float64       `msgpack:"data"`
}

// Comm is one member's handle on an MQTT group.
//
// Thread-safety: collective calls must be issued from one goroutine at a
// time. The paho callback goroutines only touch state protected by mu.
type Comm struct {
	cfg       Config
	client    paho.Client
	base      string // <prefix>/<session>
	nonce     string
	connected chan error // result of the first connect handler

	mu      sync.Mutex
	cond    *sync.Cond
	inbox   map[uint64]map[int]*message
	hellos  map[int]*hello // latest hello per peer rank
	seen    map[int]string // peer rank -> nonce, as announced by this member
	version uint64         // of this member's last announcement
	done    uint64         // highest call that has returned
	closed  bool

	announcing sync.WaitGroup

	seq       uint64 // owned by the calling goroutine
	meter     collective.Meter
	malformed uint64 // atomic
}

// Dial connects to the broker and waits for every member to subscribe.
func Dial(ctx context.Context, cfg Config) (*Comm, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := newComm(cfg)
	c.client = paho.NewClient(c.clientOptions())

	token := c.client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		c.client.Disconnect(0)
		return nil, errs.Comm("mqtt connect", fmt.Errorf("connection to %s timed out", cfg.Broker))
	}
	if err := token.Error(); err != nil {
		return nil, errs.Comm("mqtt connect", err)
	}
	select {
	case err := <-c.connected:
		if err != nil {
			c.client.Disconnect(250)
			return nil, errs.Comm("mqtt subscribe", err)
		}
	case <-ctx.Done():
		c.client.Disconnect(250)
		return nil, errs.Comm("mqtt subscribe", ctx.Err())
	}

	if err := c.awaitHellos(ctx); err != nil {
		c.Close()
		return nil, errs.Comm("mqtt hello", err)
	}
	slog.Info("mqtt collective connected",
		"broker", cfg.Broker,
		"rank", cfg.Rank,
		"size", cfg.Size,
		"session", cfg.Session.String(),
	)
	return c, nil
}

func newComm(cfg Config) *Comm {
	c := &Comm{
		cfg:       cfg,
		base:      fmt.Sprintf("%s/%s", cfg.Prefix, cfg.Session),
		nonce:     uuid.NewString(),
		connected: make(chan error, 1),
		inbox:     make(map[uint64]map[int]*message),
		hellos:    make(map[int]*hello),
		seen:      make(map[int]string),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Comm) clientOptions() *paho.ClientOptions {
	cfg := c.cfg
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(500 * time.Millisecond)
	opts.SetOrderMatters(false)
	opts.SetBinaryWill(c.helloTopic(cfg.Rank), []byte{}, cfg.QoS, true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("mqtt collective connection lost, will auto-reconnect",
			"broker", cfg.Broker,
			"rank", cfg.Rank,
			"error", err,
		)
	})
	return opts
}

// onConnect subscribes and announces on every connect. A clean session
// drops subscriptions on reconnect, and the will may have cleared the
// retained hello.
func (c *Comm) onConnect(client paho.Client) {
	err := c.wait(client.Subscribe(c.base+"/#", c.cfg.QoS, c.onMessage))
	if err == nil {
		err = c.announce()
	}
	select {
	case c.connected <- err:
	default:
		if err != nil {
			slog.Warn("mqtt collective resubscribe failed", "rank", c.cfg.Rank, "error", err)
		} else {
			slog.Info("mqtt collective resubscribed", "rank", c.cfg.Rank)
		}
	}
}

// announce publishes this member's hello with the peers heard so far.
func (c *Comm) announce() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrClosed
	}
	c.version++
	h := hello{Nonce: c.nonce, Version: c.version, Seen: make(map[int]string, len(c.seen))}
	for r, n := range c.seen {
		h.Seen[r] = n
	}
	c.mu.Unlock()

	payload, err := msgpack.Marshal(&h)
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	return c.wait(c.client.Publish(c.helloTopic(c.cfg.Rank), c.cfg.QoS, true, payload))
}

// recordHello applies a hello from rank and reports whether this member
// has to announce again. Callers hold mu.
func (c *Comm) recordHello(rank int, payload []byte) (bool, error) {
	if len(payload) == 0 {
		// A cleared hello. Our own is restored unless we are closing.
		delete(c.hellos, rank)
		delete(c.seen, rank)
		return rank == c.cfg.Rank && !c.closed, nil
	}
	if rank == c.cfg.Rank {
		return false, nil
	}
	h := new(hello)
	if err := msgpack.Unmarshal(payload, h); err != nil {
		return false, fmt.Errorf("hello from rank %d: %w", rank, err)
	}
	if h.Nonce == "" {
		return false, fmt.Errorf("hello from rank %d carries no nonce", rank)
	}
	if prev, ok := c.hellos[rank]; ok && prev.Nonce == h.Nonce && prev.Version >= h.Version {
		return false, nil
	}
	c.hellos[rank] = h
	if c.seen[rank] == h.Nonce {
		return false, nil
	}
	c.seen[rank] = h.Nonce
	return !c.closed, nil
}

// liveLocked counts members, this one included, whose latest hello
// acknowledges this member's current nonce.
func (c *Comm) liveLocked() int {
	n := 1
	for r, h := range c.hellos {
		if r != c.cfg.Rank && h.Seen[c.cfg.Rank] == c.nonce {
			n++
		}
	}
	return n
}

func (c *Comm) wait(t paho.Token) error {
	if !t.WaitTimeout(c.cfg.Timeout) {
		return fmt.Errorf("timed out after %s", c.cfg.Timeout)
	}
	return t.Error()
}

func (c *Comm) helloTopic(rank int) string {
	return fmt.Sprintf("%s/hello/%d", c.base, rank)
}

func (c *Comm) callTopic(seq uint64, rank int) string {
	return fmt.Sprintf("%s/%d/%d", c.base, seq, rank)
}

// onMessage runs on the paho goroutine.
func (c *Comm) onMessage(_ paho.Client, m paho.Message) {
	parts := strings.Split(strings.TrimPrefix(m.Topic(), c.base+"/"), "/")
	if len(parts) != 2 {
		atomic.AddUint64(&c.malformed, 1)
		return
	}
	rank, err := strconv.Atoi(parts[1])
	if err != nil || rank < 0 || rank >= c.cfg.Size {
		atomic.AddUint64(&c.malformed, 1)
		return
	}

	if parts[0] == "hello" {
		c.mu.Lock()
		again, err := c.recordHello(rank, m.Payload())
		if again {
			c.announcing.Add(1)
			go func() {
				defer c.announcing.Done()
				if err := c.announce(); err != nil && !errors.Is(err, errs.ErrClosed) {
					slog.Warn("mqtt collective hello failed", "rank", c.cfg.Rank, "error", err)
				}
			}()
		}
		c.cond.Broadcast()
		c.mu.Unlock()
		if err != nil {
			atomic.AddUint64(&c.malformed, 1)
			slog.Debug("mqtt collective dropped malformed hello", "topic", m.Topic(), "error", err)
		}
		return
	}
	if rank == c.cfg.Rank {
		return
	}

	msg := new(message)
	if err := msgpack.Unmarshal(m.Payload(), msg); err != nil || msg.From != rank {
		atomic.AddUint64(&c.malformed, 1)
		slog.Debug("mqtt collective dropped malformed payload", "topic", m.Topic(), "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Seq <= c.done {
		// Redelivery for a call that already returned.
		return
	}
	byRank, ok := c.inbox[msg.Seq]
	if !ok {
		byRank = make(map[int]*message)
		c.inbox[msg.Seq] = byRank
	}
	byRank[msg.From] = msg
	c.cond.Broadcast()
}

func (c *Comm) awaitHellos(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.wake)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		n := c.liveLocked()
		if n == c.cfg.Size {
			return nil
		}
		if c.closed {
			return errs.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%d of %d members subscribed: %w", n, c.cfg.Size, err)
		}
		c.cond.Wait()
	}
}

func (c *Comm) wake() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Rank implements collective.Communicator.
func (c *Comm) Rank() int { return c.cfg.Rank }

// Size implements collective.Communicator.
func (c *Comm) Size() int { return c.cfg.Size }

// Stats implements collective.Communicator.
func (c *Comm) Stats() collective.Stats { return c.meter.Snapshot() }

// AllGather implements collective.Communicator.
func (c *Comm) AllGather(ctx context.Context, send []float64) ([][]float64, error) {
	out, err := c.exchange(ctx, collective.KindAllGather, send)
	if err != nil {
		return nil, errs.Comm("all-gather", err)
	}
	return out, nil
}

// AllReduceSum implements collective.Communicator.
func (c *Comm) AllReduceSum(ctx context.Context, buf []float64) error {
	gathered, err := c.exchange(ctx, collective.KindAllReduce, buf)
	if err != nil {
		return errs.Comm("all-reduce", err)
	}
	return errs.Comm("all-reduce", collective.SumGathered(gathered, buf))
}

func (c *Comm) exchange(ctx context.Context, kind collective.Kind, send []float64) ([][]float64, error) {
	start := time.Now()
	c.seq++
	seq := c.seq

	out := make([][]float64, c.cfg.Size)
	out[c.cfg.Rank] = append([]float64(nil), send...)
	if c.cfg.Size == 1 {
		return out, nil
	}

	payload, err := msgpack.Marshal(&message{Seq: seq, Kind: kind, From: c.cfg.Rank, Data: send})
	if err != nil {
		return nil, fmt.Errorf("marshal call %d: %w", seq, err)
	}
	if err := c.wait(c.client.Publish(c.callTopic(seq, c.cfg.Rank), c.cfg.QoS, false, payload)); err != nil {
		return nil, fmt.Errorf("publish call %d: %w", seq, err)
	}

	stop := context.AfterFunc(ctx, c.wake)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		delete(c.inbox, seq)
		c.done = seq
	}()
	for len(c.inbox[seq]) < c.cfg.Size-1 {
		if c.closed {
			return nil, errs.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("call %d: %d of %d members arrived: %w", seq, len(c.inbox[seq])+1, c.cfg.Size, err)
		}
		c.cond.Wait()
	}
	byRank := c.inbox[seq]

	received := 0
	for r, m := range byRank {
		if m.Kind != kind {
			return nil, fmt.Errorf("%w: rank %d sent %s #%d, want %s", errs.ErrOutOfOrder, r, m.Kind, seq, kind)
		}
		out[r] = m.Data
		received += collective.Bytes(len(m.Data))
	}
	if err := collective.CheckLengths(out, len(send)); err != nil {
		return nil, err
	}
	d := time.Since(start)
	c.meter.Observe(len(payload)*(c.cfg.Size-1), received, d)
	slog.Debug("mqtt collective call",
		"rank", c.cfg.Rank,
		"kind", kind.String(),
		"seq", seq,
		"duration_us", d.Microseconds(),
	)
	return out, nil
}

// Close clears the member's hello and disconnects.
func (c *Comm) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.announcing.Wait()

	if c.client.IsConnected() {
		c.wait(c.client.Publish(c.helloTopic(c.cfg.Rank), c.cfg.QoS, true, []byte{}))
		c.client.Disconnect(250)
	}
	if n := atomic.LoadUint64(&c.malformed); n > 0 {
		slog.Warn("mqtt collective dropped malformed messages", "rank", c.cfg.Rank, "count", n)
	}
	return nil
}
