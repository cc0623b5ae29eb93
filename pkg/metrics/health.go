package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PeerStats reports the federation peers known to the server
type PeerStats interface {
	PeerCounts() (total, available int)
}

// ChannelLister reports the channels tracked by the server
type ChannelLister interface {
	List() []string
}

// PositionSource reports the local stream position
type PositionSource interface {
	Position() int64
}

// HealthMonitor performs periodic health checks and metric collection
type HealthMonitor struct {
	metrics  *Metrics
	peers    PeerStats
	channels ChannelLister
	stream   PositionSource
	logger   *zap.Logger

	checkInterval time.Duration
	mu            sync.RWMutex
	lastCheck     time.Time
	health        float64
	stopOnce      sync.Once
	stopChan      chan struct{}
}

// NewHealthMonitor creates a health monitor. Any source may be nil.
func NewHealthMonitor(metrics *Metrics, peers PeerStats, channels ChannelLister, stream PositionSource, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		metrics:       metrics,
		peers:         peers,
		channels:      channels,
		stream:        stream,
		logger:        logger,
		checkInterval: 30 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// Start begins periodic health monitoring
func (hm *HealthMonitor) Start() {
	hm.Check()
	go hm.monitorLoop()
}

// Stop stops the health monitor
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

func (hm *HealthMonitor) monitorLoop() {
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hm.Check()
		case <-hm.stopChan:
			return
		}
	}
}

// Check collects the gauges and recomputes the health score
func (hm *HealthMonitor) Check() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.lastCheck = time.Now()
	score := 70.0

	if hm.channels != nil && hm.metrics != nil {
		hm.metrics.ChannelsTracked.Set(float64(len(hm.channels.List())))
	}
	if hm.stream != nil && hm.metrics != nil {
		hm.metrics.StreamPosition.Set(float64(hm.stream.Position()))
	}
	if hm.peers != nil {
		total, available := hm.peers.PeerCounts()
		if hm.metrics != nil {
			hm.metrics.PeersTotal.Set(float64(total))
			hm.metrics.PeersAvailable.Set(float64(available))
		}
		// Peer reachability weighs 30%; a server without peers is whole
		if total > 0 {
			score += float64(available) / float64(total) * 30
		} else {
			score += 30
		}
	} else {
		score += 30
	}

	hm.health = score
	if hm.metrics != nil {
		hm.metrics.HealthScore.Set(score)
		hm.metrics.LastHealthCheck.Set(float64(hm.lastCheck.Unix()))
	}
	hm.logger.Debug("Health check completed",
		zap.Float64("health", score),
		zap.Time("timestamp", hm.lastCheck))
}

// Health returns the last score and when it was computed
func (hm *HealthMonitor) Health() (float64, time.Time) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.health, hm.lastCheck
}

// HealthEndpoint serves the health and metrics routes
type HealthEndpoint struct {
	monitor  *HealthMonitor
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHealthEndpoint creates the health handlers. A nil gatherer serves the
// default registry.
func NewHealthEndpoint(monitor *HealthMonitor, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{monitor: monitor, gatherer: gatherer, logger: logger}
}

// RegisterHandlers mounts /health, /health/live, /health/ready and /metrics
func (he *HealthEndpoint) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/health", he.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", he.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", he.handleReadiness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, lastCheck := he.monitor.Health()

	status := "healthy"
	statusCode := http.StatusOK
	if health < 50 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if health < 80 {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":       status,
		"health_score": health,
		"last_check":   lastCheck.Format(time.RFC3339),
		"timestamp":    time.Now().Format(time.RFC3339),
	}); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health, lastCheck := he.monitor.Health()
	if !lastCheck.IsZero() && health > 30 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}
