// Package recorder archives sealed candles and trade prints to SQLite.
// A single writer goroutine batches inserts into transactions; enqueues
// from the dispatch path never block.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueDepth = 1024
)

// Config configures the recorder.
type Config struct {
	Path string // SQLite file, e.g. "data/market.db"
}

// SealedCandle is one archived row.
type SealedCandle struct {
	Asset string
	TF    model.Timeframe
	model.Candle
}

// Recorder is a single-goroutine SQLite writer with transaction
// batching. Enqueue methods drop when the queue is full rather than
// stall the caller.
type Recorder struct {
	db       *sql.DB
	candleCh chan SealedCandle
	tradeCh  chan model.Trade
	log      *slog.Logger

	OnCommit  func(rows int, d time.Duration)
	OnDropped func()
}

// DB returns the underlying handle for health checks.
func (r *Recorder) DB() *sql.DB { return r.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Recorder, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single-writer pool
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	r := &Recorder{
		db:       db,
		candleCh: make(chan SealedCandle, defaultQueueDepth),
		tradeCh:  make(chan model.Trade, defaultQueueDepth),
		log:      slog.With("component", "recorder"),
	}
	r.log.Info("opened database", "path", cfg.Path)
	return r, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			asset  TEXT    NOT NULL,
			tf     TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL    NOT NULL,
			high   REAL    NOT NULL,
			low    REAL    NOT NULL,
			close  REAL    NOT NULL,
			volume REAL,
			PRIMARY KEY (asset, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS trades (
			hash TEXT    PRIMARY KEY,
			coin TEXT    NOT NULL,
			side TEXT    NOT NULL,
			px   REAL    NOT NULL,
			sz   REAL    NOT NULL,
			ts   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trades_coin_ts ON trades (coin, ts);
	`)
	return err
}

// RecordCandle enqueues a sealed candle. Never blocks.
func (r *Recorder) RecordCandle(asset string, tf model.Timeframe, c model.Candle) {
	select {
	case r.candleCh <- SealedCandle{Asset: asset, TF: tf, Candle: c}:
	default:
		if r.OnDropped != nil {
			r.OnDropped()
		}
	}
}

// RecordTrades enqueues a batch of accepted trades. Never blocks.
func (r *Recorder) RecordTrades(ts []model.Trade) {
	for _, t := range ts {
		select {
		case r.tradeCh <- t:
		default:
			if r.OnDropped != nil {
				r.OnDropped()
			}
		}
	}
}

// Run batches inserts until ctx is cancelled. Flushes every batchSize
// rows or every flushDelay, whichever comes first.
func (r *Recorder) Run(ctx context.Context) {
	candleBatch := make([]SealedCandle, 0, defaultBatchSize)
	tradeBatch := make([]model.Trade, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		rows := len(candleBatch) + len(tradeBatch)
		if rows == 0 {
			return
		}
		start := time.Now()
		if err := r.commit(candleBatch, tradeBatch); err != nil {
			r.log.Error("batch commit failed", "rows", rows, "err", err)
		} else {
			if r.OnCommit != nil {
				r.OnCommit(rows, time.Since(start))
			}
			r.log.Debug("committed batch", "rows", rows, "took", time.Since(start))
		}
		candleBatch = candleBatch[:0]
		tradeBatch = tradeBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case c := <-r.candleCh:
			candleBatch = append(candleBatch, c)
			if len(candleBatch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case t := <-r.tradeCh:
			tradeBatch = append(tradeBatch, t)
			if len(tradeBatch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// commit writes both batches in one transaction.
func (r *Recorder) commit(candles []SealedCandle, trades []model.Trade) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	if len(candles) > 0 {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO candles (asset, tf, ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, c := range candles {
			if _, err := stmt.Exec(c.Asset, string(c.TF), c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
	}

	if len(trades) > 0 {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO trades (hash, coin, side, px, sz, ts)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, t := range trades {
			if _, err := stmt.Exec(t.Hash, t.Coin, t.Side, t.Px, t.Sz, t.Time); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// LastCandleTime returns the newest archived open time for a tuple,
// 0 when nothing is stored.
func (r *Recorder) LastCandleTime(asset string, tf model.Timeframe) (int64, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(ts) FROM candles WHERE asset = ? AND tf = ?`,
		asset, string(tf),
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// TradeCount returns the archived trade count for one coin.
func (r *Recorder) TradeCount(coin string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE coin = ?`, coin).Scan(&n)
	return n, err
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
