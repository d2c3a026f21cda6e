package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading agent.
type Metrics struct {
	KlinesTotal       prometheus.Counter
	ClosedKlinesTotal prometheus.Counter
	WSReconnects      prometheus.Counter
	RejectedKlines    prometheus.Counter

	SignalsTotal *prometheus.CounterVec // labels: kind
	ErrorsTotal  *prometheus.CounterVec // labels: location

	IndicatorComputeDur prometheus.Histogram
	ExecutionDur        prometheus.Histogram
	SQLiteWriteDur      prometheus.Histogram

	QueueDepth         prometheus.Gauge
	ExecutionSuspended prometheus.Gauge // 0=active, 1=suspended
	KlineLag           prometheus.Gauge // seconds between kline close and processing
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		KlinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_klines_total",
			Help: "Total kline updates received from WebSocket",
		}),
		ClosedKlinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_closed_klines_total",
			Help: "Total closed klines processed through the strategy",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		RejectedKlines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_rejected_klines_total",
			Help: "Klines rejected by integrity validation",
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Signals emitted by the strategy (by kind)",
		}, []string{"kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_errors_total",
			Help: "Recoverable faults recorded (by location)",
		}, []string{"location"}),

		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_indicator_compute_duration_seconds",
			Help:    "Band computation latency per closed kline",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		ExecutionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_execution_duration_seconds",
			Help:    "Signal execution latency including exchange round trips",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		SQLiteWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_sqlite_write_duration_seconds",
			Help:    "SQLite write latency",
			Buckets: prometheus.DefBuckets,
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_feed_queue_depth",
			Help: "Klines buffered between the WebSocket reader and the pipeline",
		}),
		ExecutionSuspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_execution_suspended",
			Help: "Whether order submission is suspended (0=active, 1=suspended)",
		}),
		KlineLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_kline_lag_seconds",
			Help: "Lag between kline close time and processing time",
		}),
	}

	prometheus.MustRegister(
		m.KlinesTotal,
		m.ClosedKlinesTotal,
		m.WSReconnects,
		m.RejectedKlines,
		m.SignalsTotal,
		m.ErrorsTotal,
		m.IndicatorComputeDur,
		m.ExecutionDur,
		m.SQLiteWriteDur,
		m.QueueDepth,
		m.ExecutionSuspended,
		m.KlineLag,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastKlineTime  time.Time `json:"last_kline_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Simulated      bool      `json:"simulated"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(simulated bool) *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		Simulated: simulated,
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastKlineTime(t time.Time) {
	h.mu.Lock()
	h.LastKlineTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.WSConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.WSConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	klineAge := ""
	if !h.LastKlineTime.IsZero() {
		klineAge = time.Since(h.LastKlineTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastKlineTime   string  `json:"last_kline_time"`
		KlineAge        string  `json:"kline_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		Simulated       bool    `json:"simulated"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastKlineTime:   h.LastKlineTime.Format(time.RFC3339),
		KlineAge:        klineAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Simulated:       h.Simulated,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
