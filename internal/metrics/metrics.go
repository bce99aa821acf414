package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	FramesTotal     *prometheus.CounterVec // labels: channel
	MalformedFrames prometheus.Counter
	StaleFrames     prometheus.Counter
	WSReconnects    prometheus.Counter
	ConnState       prometheus.Gauge

	// Order book reconciliation
	SeqGaps      prometheus.Counter
	CrossedBooks prometheus.Counter
	Resnapshots  prometheus.Counter

	// Trade feed
	TradesTotal     prometheus.Counter
	DuplicateTrades prometheus.Counter

	// Candle aggregation
	CandlesSealed *prometheus.CounterVec // labels: tf
	CandleRejects prometheus.Counter

	// History backfill
	BackfillRequests  prometheus.Counter
	BackfillCoalesced prometheus.Counter
	BackfillRetries   prometheus.Counter
	BackfillFailures  prometheus.Counter

	// Subscriptions and fanout
	SubsActive prometheus.Gauge
	WatchDrops *prometheus.CounterVec // labels: channel

	DispatchDur prometheus.Histogram

	// Redis mirror
	RedisPublishDur   prometheus.Histogram
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips prometheus.Counter
	RedisDrops        prometheus.Counter

	// SQLite recorder
	SQLiteCommitDur prometheus.Histogram
	RecorderRows    prometheus.Counter
	RecorderDrops   prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdsync_frames_total",
			Help: "Frames received from the venue WebSocket (by channel)",
		}, []string{"channel"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_malformed_frames_total",
			Help: "Inbound frames dropped because they failed to decode",
		}),
		StaleFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_stale_frames_total",
			Help: "Frames discarded because they belonged to a dead connection generation",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		ConnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdsync_conn_state",
			Help: "Connection state (0=connecting, 1=open, 2=degraded, 3=reconnecting, 4=closed)",
		}),

		SeqGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_book_seq_gaps_total",
			Help: "Order book deltas rejected for a sequence gap",
		}),
		CrossedBooks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_book_crossed_total",
			Help: "Order book states rejected because best bid crossed best ask",
		}),
		Resnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_book_resnapshots_total",
			Help: "Snapshot re-requests issued to recover book state",
		}),

		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_trades_total",
			Help: "Trades accepted into the feed buffer",
		}),
		DuplicateTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_duplicate_trades_total",
			Help: "Trades discarded as duplicates of an already buffered hash",
		}),

		CandlesSealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdsync_candles_sealed_total",
			Help: "Candles sealed when their bucket closed (by timeframe)",
		}, []string{"tf"}),
		CandleRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_candle_rejects_total",
			Help: "Candle updates rejected for landing before the forming bucket",
		}),

		BackfillRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_backfill_requests_total",
			Help: "History pages requested from the info endpoint",
		}),
		BackfillCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_backfill_coalesced_total",
			Help: "Backfill calls that joined an in-flight page instead of fetching",
		}),
		BackfillRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_backfill_retries_total",
			Help: "History fetch attempts retried after an error",
		}),
		BackfillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_backfill_failures_total",
			Help: "History pages abandoned after exhausting retries",
		}),

		SubsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdsync_subscriptions_active",
			Help: "Distinct (channel, asset, timeframe) tuples currently subscribed",
		}),
		WatchDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdsync_watch_drops_total",
			Help: "Store change notifications dropped on slow watchers (by channel)",
		}, []string{"channel"}),

		DispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdsync_dispatch_duration_seconds",
			Help:    "Frame dispatch latency from receive to store publish",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdsync_redis_publish_duration_seconds",
			Help:    "Redis mirror publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdsync_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_redis_drops_total",
			Help: "Mirror publishes skipped while the circuit breaker was open",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdsync_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RecorderRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_recorder_rows_total",
			Help: "Rows written by the SQLite recorder",
		}),
		RecorderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdsync_recorder_drops_total",
			Help: "Rows dropped because the recorder queue was full",
		}),
	}

	prometheus.MustRegister(
		m.FramesTotal,
		m.MalformedFrames,
		m.StaleFrames,
		m.WSReconnects,
		m.ConnState,
		m.SeqGaps,
		m.CrossedBooks,
		m.Resnapshots,
		m.TradesTotal,
		m.DuplicateTrades,
		m.CandlesSealed,
		m.CandleRejects,
		m.BackfillRequests,
		m.BackfillCoalesced,
		m.BackfillRetries,
		m.BackfillFailures,
		m.SubsActive,
		m.WatchDrops,
		m.DispatchDur,
		m.RedisPublishDur,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.RedisDrops,
		m.SQLiteCommitDur,
		m.RecorderRows,
		m.RecorderDrops,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected     bool      `json:"ws_connected"`
	ConnState       string    `json:"conn_state"`
	LastMessageTime time.Time `json:"last_message_time"`
	Subscriptions   int       `json:"subscriptions"`

	MirrorEnabled   bool `json:"mirror_enabled"`
	RedisConnected  bool `json:"redis_connected"`
	RecorderEnabled bool `json:"recorder_enabled"`
	SQLiteOK        bool `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetConnState(s string) {
	h.mu.Lock()
	h.ConnState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastMessageTime(t time.Time) {
	h.mu.Lock()
	h.LastMessageTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSubscriptions(n int) {
	h.mu.Lock()
	h.Subscriptions = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetMirrorEnabled(v bool) {
	h.mu.Lock()
	h.MirrorEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRecorderEnabled(v bool) {
	h.mu.Lock()
	h.RecorderEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
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

	if !h.WSConnected ||
		(h.MirrorEnabled && !h.RedisConnected) ||
		(h.RecorderEnabled && !h.SQLiteOK) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.WSConnected && h.LastMessageTime.IsZero() {
		// Never heard from the venue at all.
		overallStatus = "unhealthy"
	}

	msgAge := ""
	if !h.LastMessageTime.IsZero() {
		msgAge = time.Since(h.LastMessageTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		ConnState       string  `json:"conn_state"`
		LastMessageTime string  `json:"last_message_time"`
		MessageAge      string  `json:"message_age"`
		Subscriptions   int     `json:"subscriptions"`
		MirrorEnabled   bool    `json:"mirror_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		RecorderEnabled bool    `json:"recorder_enabled"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		ConnState:       h.ConnState,
		LastMessageTime: h.LastMessageTime.Format(time.RFC3339),
		MessageAge:      msgAge,
		Subscriptions:   h.Subscriptions,
		MirrorEnabled:   h.MirrorEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		RecorderEnabled: h.RecorderEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
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
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
