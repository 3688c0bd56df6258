package telemetry

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/spatial-bottleneck/internal/block"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

// StatsSource is anything that reports block statistics.
type StatsSource interface {
	Stats() block.Stats
}

// HealthStatus represents the health state of one worker
type HealthStatus struct {
	Status          string    `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID      string    `json:"instance_id"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	Ready           bool      `json:"ready"`
	Iterations      int       `json:"iterations"`
	LastIterationAt time.Time `json:"last_iteration_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	ErrorCategory   string    `json:"error_category,omitempty"`
	ExchangeStable  bool      `json:"exchange_stable"`
	TelemetryUp     bool      `json:"telemetry_connected"`
}

// HealthServer serves /health, /readiness and /stats for one worker.
//
// Status rules:
//   - unhealthy: not ready yet, or the last iteration failed with a
//     collective error (the group must be restarted)
//   - degraded: the last iteration failed otherwise, exchange latency is
//     jittery, or the telemetry emitter is disconnected
//   - healthy otherwise
type HealthServer struct {
	instanceID string
	started    time.Time
	source     StatsSource
	emitter    *Emitter // optional

	mu         sync.RWMutex
	ready      bool
	iterations int
	lastAt     time.Time
	lastErr    error

	server *http.Server
}

// NewHealthServer creates a health server for source. emitter may be nil.
func NewHealthServer(instanceID string, source StatsSource, emitter *Emitter) *HealthServer {
	return &HealthServer{
		instanceID: instanceID,
		started:    time.Now(),
		source:     source,
		emitter:    emitter,
	}
}

// MarkReady flips the readiness flag, normally once the transport is up.
func (h *HealthServer) MarkReady(ready bool) {
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

// RecordIteration records the outcome of one iteration.
func (h *HealthServer) RecordIteration(err error) {
	h.mu.Lock()
	h.iterations++
	h.lastAt = time.Now()
	h.lastErr = err
	h.mu.Unlock()
}

// HealthCheck returns the current health status
func (h *HealthServer) HealthCheck() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := HealthStatus{
		Status:          "healthy",
		InstanceID:      h.instanceID,
		UptimeSeconds:   int64(time.Since(h.started).Seconds()),
		Ready:           h.ready,
		Iterations:      h.iterations,
		LastIterationAt: h.lastAt,
	}
	if h.source != nil {
		bs := h.source.Stats()
		// Fewer than two samples cannot be judged.
		st.ExchangeStable = bs.Exchange.Samples < 2 || bs.Exchange.IsStable
	}
	if h.emitter != nil {
		st.TelemetryUp = h.emitter.IsConnected()
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
		st.ErrorCategory = errs.CategoryOf(h.lastErr).String()
	}

	switch {
	case !h.ready || errs.CategoryOf(h.lastErr) == errs.Collective:
		st.Status = "unhealthy"
	case h.lastErr != nil || !st.ExchangeStable || (h.emitter != nil && !st.TelemetryUp):
		st.Status = "degraded"
	}
	return st
}

// LivenessHandler handles /health (simple liveness check)
func (h *HealthServer) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(h.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness; 503 only when unhealthy
func (h *HealthServer) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := h.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// StatsHandler handles /stats with the block counters
func (h *HealthServer) StatsHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if h.source != nil {
		resp["block"] = h.source.Stats()
	}
	if h.emitter != nil {
		resp["telemetry"] = h.emitter.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Handler returns the endpoint mux
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.LivenessHandler)
	mux.HandleFunc("/readiness", h.ReadinessHandler)
	mux.HandleFunc("/stats", h.StatsHandler)
	return mux
}

// Start listens on addr and serves in a goroutine. It returns the bound
// address, useful with ":0".
func (h *HealthServer) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/stats"},
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Close stops the server if it was started
func (h *HealthServer) Close() error {
	if h.server == nil {
		return nil
	}
	return h.server.Close()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health response write failed", "error", err)
	}
}
