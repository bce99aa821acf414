// Package mirror republishes the store's market-data views to Redis so
// backend consumers (dashboards, alerting) can read the latest state and
// subscribe to pubsub updates without touching the venue connection.
// A circuit breaker keeps a dead Redis from stalling the pipeline.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/store"
)

const defaultLatestTTL = 30 * time.Minute

// Config configures the Redis mirror.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	TTL             time.Duration // latest-key TTL (default 30m)
	BreakerLimit    int           // consecutive failures before tripping (default 5)
	BreakerCooldown time.Duration // time before the half-open probe (default 10s)
}

// Publisher mirrors store views into Redis. Updates arriving while the
// breaker is open are dropped; the next update after recovery carries
// the current view, so nothing stays stale.
type Publisher struct {
	client  *goredis.Client
	store   *store.Store
	breaker *Breaker
	ttl     time.Duration
	log     *slog.Logger

	OnPublish func(d time.Duration) // successful pipeline latency
	OnDrop    func()                // update skipped, breaker open
}

// New connects to Redis and pings it.
func New(cfg Config, st *store.Store) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	limit := cfg.BreakerLimit
	if limit <= 0 {
		limit = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}

	p := &Publisher{
		client:  client,
		store:   st,
		breaker: NewBreaker(limit, cooldown),
		ttl:     ttl,
		log:     slog.With("component", "mirror"),
	}
	p.log.Info("connected", "addr", cfg.Addr)
	return p, nil
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker exposes the circuit for metrics wiring.
func (p *Publisher) Breaker() *Breaker { return p.breaker }

// Run consumes store updates until ctx is cancelled or the watcher
// closes. Dropped watcher notifications are fine: each publish reads
// the current view, so the next update catches everything up.
func (p *Publisher) Run(ctx context.Context, w *store.Watcher) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-w.C():
			if !ok {
				return
			}
			p.publish(ctx, u)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, u store.Update) {
	payload, latestKey, pubCh, ok := p.render(u)
	if !ok {
		return // view released since the notification
	}

	start := time.Now()
	err := p.breaker.Do(func() error {
		pipe := p.client.Pipeline()
		pipe.Set(ctx, latestKey, payload, p.ttl)
		pipe.Publish(ctx, pubCh, payload)
		_, err := pipe.Exec(ctx)
		return err
	})
	switch {
	case err == ErrBreakerOpen:
		if p.OnDrop != nil {
			p.OnDrop()
		}
	case err != nil:
		p.log.Warn("publish failed", "key", latestKey, "err", err)
	default:
		if p.OnPublish != nil {
			p.OnPublish(time.Since(start))
		}
	}
}

// render marshals the current view for one update notification.
func (p *Publisher) render(u store.Update) (payload string, latestKey, pubCh string, ok bool) {
	switch u.Channel {
	case model.ChannelOrderbook:
		b, found := p.store.GetOrderBook(u.Asset)
		if !found {
			return "", "", "", false
		}
		raw, err := json.Marshal(b)
		if err != nil {
			return "", "", "", false
		}
		return string(raw), "md:book:" + u.Asset, "pub:orderbook:" + u.Asset, true

	case model.ChannelTrades:
		ts, found := p.store.GetRecentTrades(u.Asset)
		if !found {
			return "", "", "", false
		}
		raw, err := json.Marshal(ts)
		if err != nil {
			return "", "", "", false
		}
		return string(raw), "md:trades:" + u.Asset, "pub:trades:" + u.Asset, true

	case model.ChannelCandles:
		sr, found := p.store.GetCandleSeries(u.Asset, u.TF)
		if !found {
			return "", "", "", false
		}
		raw, err := json.Marshal(sr)
		if err != nil {
			return "", "", "", false
		}
		tf := string(u.TF)
		return string(raw), "md:candles:" + tf + ":" + u.Asset, "pub:candles:" + tf + ":" + u.Asset, true
	}
	return "", "", "", false
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
