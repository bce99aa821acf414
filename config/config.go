package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

// Config holds the full runtime configuration for the sync daemon.
// Values are layered: built-in defaults, then an optional YAML file,
// then environment variables. Environment always wins.
type Config struct {
	Service  string `yaml:"service"`
	LogLevel string `yaml:"log_level"`

	Feed     FeedConfig     `yaml:"feed"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Recorder RecorderConfig `yaml:"recorder"`
}

// FeedConfig describes the upstream venue connection and what to subscribe.
type FeedConfig struct {
	// WSURL is the venue websocket endpoint.
	WSURL string `yaml:"ws_url"`
	// HistoryURL is the venue REST endpoint for candle backfill.
	// Empty disables backfill.
	HistoryURL string `yaml:"history_url"`
	// Assets to subscribe on startup (orderbook + trades per asset,
	// candles per asset and timeframe).
	Assets []string `yaml:"assets"`
	// Timeframes for candle subscriptions, e.g. "1m", "5m", "1h".
	Timeframes []string `yaml:"timeframes"`
	// TradeDepth is the per-asset trade ring size. 0 uses the default.
	TradeDepth int `yaml:"trade_depth"`
}

// APIConfig describes the local read API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig describes the Prometheus/health endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MirrorConfig describes the optional Redis mirror of live views.
type MirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RecorderConfig describes the optional SQLite recorder for sealed
// candles and trades.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with sensible defaults. The feed
// endpoints point at a local feedsim instance.
func Default() *Config {
	return &Config{
		Service:  "mdsyncd",
		LogLevel: "info",
		Feed: FeedConfig{
			WSURL:      "ws://localhost:8089/ws",
			HistoryURL: "http://localhost:8089/info",
			Assets:     []string{"BTC", "ETH"},
			Timeframes: []string{"1m", "5m", "15m", "1h"},
		},
		API:     APIConfig{Addr: ":8080"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Mirror: MirrorConfig{
			Addr: "localhost:6379",
		},
		Recorder: RecorderConfig{
			Path: "data/mdsync.db",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service = getEnv("SERVICE_NAME", c.Service)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Feed.WSURL = getEnv("FEED_WS_URL", c.Feed.WSURL)
	c.Feed.HistoryURL = getEnv("HISTORY_URL", c.Feed.HistoryURL)
	c.Feed.Assets = getEnvList("SUBSCRIBE_ASSETS", c.Feed.Assets)
	c.Feed.Timeframes = getEnvList("ENABLED_TFS", c.Feed.Timeframes)
	c.Feed.TradeDepth = getEnvInt("TRADE_DEPTH", c.Feed.TradeDepth)

	c.API.Addr = getEnv("API_ADDR", c.API.Addr)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	c.Mirror.Enabled = getEnvBool("MIRROR_ENABLED", c.Mirror.Enabled)
	c.Mirror.Addr = getEnv("REDIS_ADDR", c.Mirror.Addr)
	c.Mirror.Password = getEnv("REDIS_PASSWORD", c.Mirror.Password)
	c.Mirror.DB = getEnvInt("REDIS_DB", c.Mirror.DB)

	c.Recorder.Enabled = getEnvBool("RECORDER_ENABLED", c.Recorder.Enabled)
	c.Recorder.Path = getEnv("SQLITE_PATH", c.Recorder.Path)
}

// Validate checks that the configuration can actually drive the daemon.
func (c *Config) Validate() error {
	if c.Feed.WSURL == "" {
		return fmt.Errorf("feed.ws_url is required")
	}
	if len(c.Feed.Assets) == 0 {
		return fmt.Errorf("feed.assets must name at least one asset")
	}
	if len(c.Feed.Timeframes) == 0 {
		return fmt.Errorf("feed.timeframes must name at least one timeframe")
	}
	for _, s := range c.Feed.Timeframes {
		if _, err := model.ParseTimeframe(s); err != nil {
			return fmt.Errorf("feed.timeframes: %w", err)
		}
	}
	if c.Feed.TradeDepth < 0 {
		return fmt.Errorf("feed.trade_depth must not be negative")
	}
	if c.Mirror.Enabled && c.Mirror.Addr == "" {
		return fmt.Errorf("mirror.addr is required when mirror is enabled")
	}
	if c.Recorder.Enabled && c.Recorder.Path == "" {
		return fmt.Errorf("recorder.path is required when recorder is enabled")
	}
	return nil
}

// Timeframes parses the configured timeframe labels. Labels that fail to
// parse are skipped; Validate has already rejected them on the Load path.
func (c *Config) Timeframes() []model.Timeframe {
	tfs := make([]model.Timeframe, 0, len(c.Feed.Timeframes))
	for _, s := range c.Feed.Timeframes {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			continue
		}
		tfs = append(tfs, tf)
	}
	return tfs
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid env value", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid env value", "key", key, "value", v)
		return fallback
	}
	return b
}

// getEnvList splits a comma-separated env value, trimming whitespace and
// dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
