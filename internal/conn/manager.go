// Package conn owns the feed WebSocket: dialing, heartbeats, reconnect
// with backoff, and the inbound frame stream. One logical connection
// multiplexes every subscribed channel; each established session gets a
// new generation number so stale frames can be recognized after a
// reconnect.
package conn

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
)

// ErrNotConnected: Send called while no session is open. Subscriptions
// are not lost; the registry replays them when the next session opens.
var ErrNotConnected = errors.New("not connected")

// Frame is one decoded inbound envelope tagged with the generation of
// the session that produced it.
type Frame struct {
	Gen uint64
	Msg *wire.Frame
}

// Config tunes the connection lifecycle.
type Config struct {
	URL string

	DialTimeout       time.Duration // default 10s
	HeartbeatInterval time.Duration // ping cadence, default 10s
	HeartbeatTimeout  time.Duration // silence budget before teardown, default 30s
	WriteTimeout      time.Duration // default 10s
	ReconnectDelay    time.Duration // backoff base, default 1s
	MaxReconnectDelay time.Duration // backoff cap, default 30s
	ReadLimit         int64         // max frame size, default 1 MiB
	FrameBuffer       int           // inbound frame channel, default 1024
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.FrameBuffer == 0 {
		c.FrameBuffer = 1024
	}
}

// Manager drives the connection state machine. Create with New, start
// with Run; Run blocks until the context is cancelled and retries
// forever in between.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	frames chan Frame
	log    *slog.Logger

	mu    sync.Mutex
	ws    *websocket.Conn
	state model.ConnState

	gen          atomic.Uint64
	lastActivity atomic.Int64 // unix nano of last inbound data or pong

	// Hooks, all optional. OnSessionUp fires after every successful
	// dial, before any frame of that session is delivered; the engine
	// replays subscriptions there.
	OnStateChange func(model.ConnState)
	OnSessionUp   func(gen uint64)
	OnMalformed   func(err error)
	OnRetry       func(attempt int, delay time.Duration)
}

// New creates a manager for the given feed URL.
func New(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		frames: make(chan Frame, cfg.FrameBuffer),
		log:    slog.With("component", "conn"),
		state:  model.StateConnecting,
	}
}

// Frames is the inbound frame stream. It closes when Run returns; it is
// consumed by exactly one dispatch goroutine so per-channel order holds.
func (m *Manager) Frames() <-chan Frame { return m.frames }

// State returns the current lifecycle state.
func (m *Manager) State() model.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the generation of the latest established session.
func (m *Manager) Generation() uint64 { return m.gen.Load() }

// Send marshals v as JSON onto the socket. Serialized internally;
// returns ErrNotConnected while no session is open.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ws == nil {
		return ErrNotConnected
	}
	m.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return m.ws.WriteJSON(v)
}

// Run drives the connection until ctx is cancelled: dial, pump frames,
// tear down on trouble, back off with jitter, redial. Retries are
// unbounded. A session that established resets the backoff to its base;
// only failed dials escalate it.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.frames)
	defer m.setState(model.StateClosed)

	delay := m.cfg.ReconnectDelay
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.setState(model.StateConnecting)
		established, err := m.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			delay = m.cfg.ReconnectDelay
			attempt = 0
		}
		attempt++

		wait := jitter(delay)
		m.setState(model.StateReconnecting)
		m.log.Warn("disconnected, reconnecting",
			"err", err, "attempt", attempt, "delay", wait)
		if m.OnRetry != nil {
			m.OnRetry(attempt, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if !established {
			delay *= 2
			if delay > m.cfg.MaxReconnectDelay {
				delay = m.cfg.MaxReconnectDelay
			}
		}
	}
}

// runSession performs one dial and reads until the connection dies.
// established reports whether the dial succeeded.
func (m *Manager) runSession(ctx context.Context) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	ws, _, err := m.dialer.DialContext(dctx, m.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}

	gen := m.gen.Add(1)
	m.log.Info("connected", "url", m.cfg.URL, "gen", gen)

	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()
	m.setState(model.StateOpen)
	m.touch()

	ws.SetReadLimit(m.cfg.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
	ws.SetPongHandler(func(string) error {
		m.touch()
		ws.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
		return nil
	})

	sctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup

	// Close the socket when the session context ends so the blocked
	// read returns.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sctx.Done()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeat(sctx, ws)
	}()

	if m.OnSessionUp != nil {
		m.OnSessionUp(gen)
	}

	readErr := m.readLoop(sctx, gen, ws)

	m.mu.Lock()
	m.ws = nil
	m.mu.Unlock()
	stop()
	wg.Wait()

	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	return true, readErr
}

// readLoop parses inbound messages and forwards them to the frame
// channel. Malformed frames are counted and dropped; the channel send
// blocks when full, which backpressures the socket instead of
// self-inflicting sequence gaps.
func (m *Manager) readLoop(sctx context.Context, gen uint64, ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		m.touch()
		ws.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
		m.setState(model.StateOpen) // clears a degraded flag once traffic resumes

		f, err := wire.ParseFrame(raw)
		if err != nil {
			if m.OnMalformed != nil {
				m.OnMalformed(err)
			}
			m.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		if f.Channel == wire.ChannelPong {
			continue
		}

		select {
		case m.frames <- Frame{Gen: gen, Msg: f}:
		case <-sctx.Done():
			return sctx.Err()
		}
	}
}

// heartbeat pings on the interval and flags the session degraded when
// nothing has been heard for two intervals. Actual teardown is left to
// the read deadline.
func (m *Manager) heartbeat(sctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				m.log.Debug("ping failed", "err", err)
				return
			}
			silent := time.Since(time.Unix(0, m.lastActivity.Load()))
			if silent > 2*m.cfg.HeartbeatInterval {
				m.setState(model.StateDegraded)
				m.log.Warn("heartbeat overdue", "silent", silent)
			}
		}
	}
}

func (m *Manager) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Manager) setState(st model.ConnState) {
	m.mu.Lock()
	if m.state == st {
		m.mu.Unlock()
		return
	}
	m.state = st
	hook := m.OnStateChange
	m.mu.Unlock()
	if hook != nil {
		hook(st)
	}
}

// jitter spreads a backoff delay over [d/2, d] so reconnecting clients
// do not stampede the venue in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}
