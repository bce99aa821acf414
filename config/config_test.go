package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mdsyncd", cfg.Service)
	assert.Equal(t, "ws://localhost:8089/ws", cfg.Feed.WSURL)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Feed.Assets)
	assert.False(t, cfg.Mirror.Enabled)
	assert.False(t, cfg.Recorder.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdsync.yaml")
	body := `
service: mdsync-test
log_level: debug
feed:
  ws_url: wss://venue.example.com/ws
  assets: [SOL]
  timeframes: ["5m"]
  trade_depth: 64
mirror:
  enabled: true
  addr: redis:6379
  db: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mdsync-test", cfg.Service)
	assert.Equal(t, "wss://venue.example.com/ws", cfg.Feed.WSURL)
	assert.Equal(t, []string{"SOL"}, cfg.Feed.Assets)
	assert.Equal(t, []string{"5m"}, cfg.Feed.Timeframes)
	assert.Equal(t, 64, cfg.Feed.TradeDepth)
	assert.True(t, cfg.Mirror.Enabled)
	assert.Equal(t, "redis:6379", cfg.Mirror.Addr)
	assert.Equal(t, 2, cfg.Mirror.DB)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, "data/mdsync.db", cfg.Recorder.Path)
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdsync.yaml")
	body := `
feed:
  ws_url: wss://from-file.example.com/ws
  assets: [SOL]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("FEED_WS_URL", "wss://from-env.example.com/ws")
	t.Setenv("SUBSCRIBE_ASSETS", "BTC, ETH ,")
	t.Setenv("ENABLED_TFS", "1m,1h")
	t.Setenv("TRADE_DEPTH", "128")
	t.Setenv("RECORDER_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://from-env.example.com/ws", cfg.Feed.WSURL)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Feed.Assets)
	assert.Equal(t, []string{"1m", "1h"}, cfg.Feed.Timeframes)
	assert.Equal(t, 128, cfg.Feed.TradeDepth)
	assert.True(t, cfg.Recorder.Enabled)
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("TRADE_DEPTH", "plenty")
	t.Setenv("MIRROR_ENABLED", "yep")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Feed.TradeDepth)
	assert.False(t, cfg.Mirror.Enabled)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing ws url", func(c *Config) { c.Feed.WSURL = "" }, "feed.ws_url"},
		{"no assets", func(c *Config) { c.Feed.Assets = nil }, "feed.assets"},
		{"no timeframes", func(c *Config) { c.Feed.Timeframes = nil }, "feed.timeframes"},
		{"bad timeframe", func(c *Config) { c.Feed.Timeframes = []string{"7x"} }, "feed.timeframes"},
		{"negative depth", func(c *Config) { c.Feed.TradeDepth = -1 }, "trade_depth"},
		{"mirror without addr", func(c *Config) { c.Mirror.Enabled = true; c.Mirror.Addr = "" }, "mirror.addr"},
		{"recorder without path", func(c *Config) { c.Recorder.Enabled = true; c.Recorder.Path = "" }, "recorder.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantSub)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feed: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestTimeframes(t *testing.T) {
	cfg := Default()
	cfg.Feed.Timeframes = []string{"1m", "1h"}

	assert.Equal(t, []model.Timeframe{model.TF1m, model.TF1h}, cfg.Timeframes())
}
