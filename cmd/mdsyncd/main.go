// mdsyncd keeps a venue's market data synchronized for UI backends: one
// WebSocket in, reconciled books, trade windows, and live candles out
// through a local read API, with optional Redis mirroring and SQLite
// recording.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/bowen31337/liquidVex-sub003/config"
	"github.com/bowen31337/liquidVex-sub003/internal/candles"
	"github.com/bowen31337/liquidVex-sub003/internal/conn"
	"github.com/bowen31337/liquidVex-sub003/internal/engine"
	"github.com/bowen31337/liquidVex-sub003/internal/history"
	"github.com/bowen31337/liquidVex-sub003/internal/httpapi"
	"github.com/bowen31337/liquidVex-sub003/internal/logger"
	"github.com/bowen31337/liquidVex-sub003/internal/metrics"
	"github.com/bowen31337/liquidVex-sub003/internal/mirror"
	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/recorder"
)

// Set via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "mdsyncd",
	Short: "Market data sync daemon",
	Long: `mdsyncd maintains a synchronized local copy of a venue's market data:
order books reconciled from snapshot/delta streams, recent trades, and
live OHLCV candles with on-demand history backfill.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the venue and serve synchronized market data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mdsyncd %s (commit %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (env overrides file)")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := logger.Init(cfg.Service, logger.ParseLevel(cfg.LogLevel))
	log.Info("starting",
		"version", version,
		"ws_url", cfg.Feed.WSURL,
		"assets", cfg.Feed.Assets,
		"timeframes", cfg.Feed.Timeframes)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite recorder (optional, off the hot path) ----
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		if dir := filepath.Dir(cfg.Recorder.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("recorder dir: %w", err)
			}
		}
		rec, err = recorder.New(recorder.Config{Path: cfg.Recorder.Path})
		if err != nil {
			return fmt.Errorf("recorder init: %w", err)
		}
		defer rec.Close()
		rec.OnCommit = func(rows int, d time.Duration) {
			prom.SQLiteCommitDur.Observe(d.Seconds())
			prom.RecorderRows.Add(float64(rows))
		}
		rec.OnDropped = prom.RecorderDrops.Inc
		go rec.Run(ctx)
		health.SetRecorderEnabled(true)
		health.SetSQLiteOK(true)
		log.Info("recorder ready", "path", cfg.Recorder.Path)
	}

	// ---- Venue connection ----
	mgr := conn.New(conn.Config{URL: cfg.Feed.WSURL})
	mgr.OnRetry = func(attempt int, delay time.Duration) {
		prom.WSReconnects.Inc()
	}
	mgr.OnMalformed = func(error) {
		prom.MalformedFrames.Inc()
	}

	// ---- History fetcher ----
	var fetcher candles.Fetcher
	if cfg.Feed.HistoryURL != "" {
		fetcher = history.NewClient(cfg.Feed.HistoryURL)
	} else {
		log.Warn("no history url configured, candle backfill disabled")
	}

	// ---- Sync engine ----
	eng := engine.New(engine.Config{
		Conn:       mgr,
		Fetcher:    fetcher,
		TradeDepth: cfg.Feed.TradeDepth,
	})
	st := eng.Store()

	mgr.OnSessionUp = eng.SessionUp
	mgr.OnStateChange = func(s model.ConnState) {
		prom.ConnState.Set(float64(s))
		health.SetConnState(s.String())
		health.SetWSConnected(s == model.StateOpen)
		eng.ConnStateChanged(s)
	}

	eng.OnFrame = func(channel string) {
		prom.FramesTotal.WithLabelValues(channel).Inc()
		health.SetLastMessageTime(time.Now())
	}
	eng.OnStale = prom.StaleFrames.Inc
	eng.OnMalformed = func(error) { prom.MalformedFrames.Inc() }
	eng.OnGap = func(string) { prom.SeqGaps.Inc() }
	eng.OnCrossed = func(string) { prom.CrossedBooks.Inc() }
	eng.OnResnapshot = func(string) { prom.Resnapshots.Inc() }
	eng.OnDuplicateTrade = func(string) { prom.DuplicateTrades.Inc() }
	eng.OnTrades = func(asset string, accepted []model.Trade) {
		prom.TradesTotal.Add(float64(len(accepted)))
		if rec != nil {
			rec.RecordTrades(accepted)
		}
	}
	eng.OnSealed = func(asset string, tf model.Timeframe, c model.Candle) {
		prom.CandlesSealed.WithLabelValues(string(tf)).Inc()
		if rec != nil {
			rec.RecordCandle(asset, tf, c)
		}
	}
	eng.OnCandleReject = func(string, model.Timeframe) { prom.CandleRejects.Inc() }
	eng.OnBackfillRequest = prom.BackfillRequests.Inc
	eng.OnBackfillCoalesced = prom.BackfillCoalesced.Inc
	eng.OnBackfillRetry = prom.BackfillRetries.Inc
	eng.OnBackfillFailure = prom.BackfillFailures.Inc
	eng.OnDispatch = func(d time.Duration) { prom.DispatchDur.Observe(d.Seconds()) }
	st.OnDrop = func(asset, channel string) {
		prom.WatchDrops.WithLabelValues(channel).Inc()
	}

	// ---- Redis mirror (optional) ----
	var pub *mirror.Publisher
	if cfg.Mirror.Enabled {
		health.SetMirrorEnabled(true)
		pub, err = mirror.New(mirror.Config{
			Addr:     cfg.Mirror.Addr,
			Password: cfg.Mirror.Password,
			DB:       cfg.Mirror.DB,
		}, st)
		if err != nil {
			log.Warn("redis mirror unavailable, continuing without it", "err", err)
			health.SetRedisConnected(false)
			pub = nil
		} else {
			defer pub.Close()
			health.SetRedisConnected(true)
			pub.OnPublish = func(d time.Duration) { prom.RedisPublishDur.Observe(d.Seconds()) }
			pub.OnDrop = prom.RedisDrops.Inc
			pub.Breaker().OnChange = func(from, to mirror.BreakerState) {
				prom.RedisBreakerState.Set(float64(to))
				if to == mirror.BreakerOpen {
					prom.RedisBreakerTrips.Inc()
				}
				log.Warn("redis circuit breaker state change",
					"from", from.String(), "to", to.String())
			}
			go pub.Run(ctx, st.Watch("", ""))
		}
	}

	// ---- Periodic liveness checks ----
	var rdb *goredis.Client
	if pub != nil {
		rdb = pub.Client()
	}
	var sqlDB *sql.DB
	if rec != nil {
		sqlDB = rec.DB()
	}
	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	// ---- Run the pipeline ----
	engErrCh := make(chan error, 1)
	go func() { engErrCh <- eng.Run(ctx) }()

	// ---- Startup subscriptions ----
	subsCount := 0
	for _, asset := range cfg.Feed.Assets {
		for _, ch := range []string{model.ChannelOrderbook, model.ChannelTrades} {
			if _, err := eng.Subscribe(ch, asset, ""); err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", ch, asset, err)
			}
			subsCount++
		}
		for _, tf := range cfg.Timeframes() {
			if _, err := eng.Subscribe(model.ChannelCandles, asset, tf); err != nil {
				return fmt.Errorf("subscribe candles/%s/%s: %w", asset, tf, err)
			}
			subsCount++
		}
	}
	prom.SubsActive.Set(float64(subsCount))
	health.SetSubscriptions(subsCount)
	log.Info("subscriptions registered", "count", subsCount)

	// ---- Read API ----
	api := httpapi.NewServer(cfg.API.Addr, eng, log)
	api.Start()
	log.Info("ready", "api_addr", cfg.API.Addr, "metrics_addr", cfg.Metrics.Addr)

	// ---- Wait for shutdown ----
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-engErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped", "err", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	api.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Info("shutdown complete")
	return nil
}
