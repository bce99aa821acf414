// cmd/feedsim — demo venue for local development.
// Speaks the subscribe/unsubscribe WebSocket protocol mdsyncd consumes and
// serves the candleSnapshot history endpoint, generating sequenced order
// book deltas, trades, and live candles from a random walk. Sequence gaps
// are injected on purpose so snapshot recovery can be watched end to end.
//
// Config (env vars):
//
//	FEEDSIM_ADDR      — listen address (default ":8089")
//	FEEDSIM_ASSETS    — comma-separated assets (default "BTC,ETH")
//	FEEDSIM_TFS       — comma-separated candle timeframes (default "1m,5m,15m,1h")
//	FEEDSIM_TICK_MS   — generator interval in milliseconds (default 250)
//	FEEDSIM_GAP_EVERY — skip a sequence every N book deltas, 0 disables (default 300)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
)

const (
	bookDepth     = 12
	historyDays   = 30 // synthetic history reaches back this far
	maxPageLimit  = 1000
	defaultLimit  = 500
	writeDeadline = 5 * time.Second
)

// ─── Subscriptions ────────────────────────────────────────────────────────────

type subKey struct {
	channel string
	asset   string
	tf      string
}

type client struct {
	ws  *websocket.Conn
	out chan []byte

	mu   sync.Mutex
	subs map[subKey]bool
}

func (c *client) subscribed(k subKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[k]
}

func (c *client) set(k subKey, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[k] = true
	} else {
		delete(c.subs, k)
	}
}

// send enqueues a payload for this client, dropping if the writer is slow.
func (c *client) send(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case c.out <- payload:
	default:
	}
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*client]bool)}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// remove closes the client's outbound channel under the hub lock so no
// sendTo can race the close.
func (h *hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.out)
	}
	h.mu.Unlock()
}

// sendTo delivers payload to every client subscribed to k.
func (h *hub) sendTo(k subKey, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribed(k) {
			c.send(payload)
		}
	}
}

// ─── Asset simulation ─────────────────────────────────────────────────────────

// assetSim holds one asset's generator state. The price grid is fixed at
// startup so delta levels always match snapshot levels bit for bit; only
// sizes walk.
type assetSim struct {
	name string
	tfs  []model.Timeframe

	mu       sync.Mutex
	seq      uint64
	deltaN   uint64
	mid      float64
	lastPx   float64
	bidPx    []float64 // best first
	askPx    []float64
	bidSz    []float64
	askSz    []float64
	forming  map[model.Timeframe]*candleSim
	tradeN   uint64
	prevHash string
}

type candleSim struct {
	t          int64
	o, h, l, c float64
	v          float64
}

func newAssetSim(name string, base float64, tfs []model.Timeframe) *assetSim {
	s := &assetSim{
		name:    name,
		tfs:     tfs,
		seq:     1, // consumers treat sequence 0 as malformed
		mid:     base,
		lastPx:  base,
		forming: make(map[model.Timeframe]*candleSim),
	}
	for i := 0; i < bookDepth; i++ {
		step := base * 0.0005 * float64(i+1)
		s.bidPx = append(s.bidPx, round2(base-step))
		s.askPx = append(s.askPx, round2(base+step))
		s.bidSz = append(s.bidSz, 0.5+rand.Float64()*4)
		s.askSz = append(s.askSz, 0.5+rand.Float64()*4)
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Seq returns the current book sequence, for subscribe acks.
func (s *assetSim) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// snapshotMsg renders the full book at the current sequence.
func (s *assetSim) snapshotMsg() *wire.BookMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookMsgLocked(true, nil, nil)
}

func (s *assetSim) bookMsgLocked(snapshot bool, bidIdx, askIdx []int) *wire.BookMsg {
	msg := &wire.BookMsg{
		Asset:    s.name,
		Snapshot: snapshot,
		Sequence: s.seq,
		Time:     time.Now().UnixMilli(),
	}
	if snapshot {
		for i := 0; i < bookDepth; i++ {
			if s.bidSz[i] > 0 {
				msg.Bids = append(msg.Bids, wire.LevelPair{wire.Num(s.bidPx[i]), wire.Num(s.bidSz[i])})
			}
			if s.askSz[i] > 0 {
				msg.Asks = append(msg.Asks, wire.LevelPair{wire.Num(s.askPx[i]), wire.Num(s.askSz[i])})
			}
		}
		return msg
	}
	for _, i := range bidIdx {
		msg.Bids = append(msg.Bids, wire.LevelPair{wire.Num(s.bidPx[i]), wire.Num(s.bidSz[i])})
	}
	for _, i := range askIdx {
		msg.Asks = append(msg.Asks, wire.LevelPair{wire.Num(s.askPx[i]), wire.Num(s.askSz[i])})
	}
	return msg
}

// step advances the simulation one tick and returns the frames to fan out.
func (s *assetSim) step(now time.Time, gapEvery int) (*wire.BookMsg, []wire.TradeMsg, []wire.CandleMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()

	// Random walk on the mid, sizes only on the book grid.
	s.mid *= 1 + (rand.Float64()*0.001 - 0.0005)

	nBid := 1 + rand.Intn(3)
	nAsk := 1 + rand.Intn(3)
	bidIdx := pickLevels(nBid)
	askIdx := pickLevels(nAsk)
	for _, i := range bidIdx {
		s.bidSz[i] = walkSize(s.bidSz[i])
	}
	for _, i := range askIdx {
		s.askSz[i] = walkSize(s.askSz[i])
	}

	s.deltaN++
	s.seq++
	if gapEvery > 0 && s.deltaN%uint64(gapEvery) == 0 {
		// Deliberate hole: consumers must detect it and resnapshot.
		s.seq++
	}
	delta := s.bookMsgLocked(false, bidIdx, askIdx)

	var trades []wire.TradeMsg
	if rand.Float64() < 0.7 {
		n := 1 + rand.Intn(3)
		for i := 0; i < n; i++ {
			px := round2(s.mid * (1 + (rand.Float64()*0.0006 - 0.0003)))
			side := model.SideBuy
			if rand.Float64() < 0.5 {
				side = model.SideSell
			}
			s.tradeN++
			hash := fmt.Sprintf("0x%063x%d", s.tradeN, i)
			if s.tradeN%50 == 0 && s.prevHash != "" {
				// Venues occasionally re-deliver a fill; consumers dedup by hash.
				hash = s.prevHash
			}
			s.prevHash = hash
			trades = append(trades, wire.TradeMsg{
				Coin: s.name,
				Side: side,
				Px:   wire.Num(px),
				Sz:   wire.Num(round4(0.01 + rand.Float64()*2)),
				Time: nowMs,
				Hash: hash,
			})
			s.lastPx = px
		}
	}

	var candleMsgs []wire.CandleMsg
	for _, tf := range s.tfs {
		bucket := tf.Bucket(nowMs)
		cs := s.forming[tf]
		if cs == nil || cs.t != bucket {
			cs = &candleSim{t: bucket, o: s.lastPx, h: s.lastPx, l: s.lastPx, c: s.lastPx}
			s.forming[tf] = cs
		}
		for _, t := range trades {
			px, sz := float64(t.Px), float64(t.Sz)
			cs.h = math.Max(cs.h, px)
			cs.l = math.Min(cs.l, px)
			cs.c = px
			cs.v += sz
		}
		candleMsgs = append(candleMsgs, wire.CandleMsg{
			Asset:     s.name,
			Timeframe: string(tf),
			T:         cs.t,
			O:         wire.Num(cs.o),
			H:         wire.Num(cs.h),
			L:         wire.Num(cs.l),
			C:         wire.Num(cs.c),
			V:         wire.Num(round4(cs.v)),
		})
	}

	return delta, trades, candleMsgs
}

func pickLevels(n int) []int {
	idx := make([]int, 0, n)
	seen := make(map[int]bool, n)
	for len(idx) < n {
		i := rand.Intn(bookDepth)
		if seen[i] {
			continue
		}
		seen[i] = true
		idx = append(idx, i)
	}
	return idx
}

// walkSize nudges a level size, occasionally removing the level entirely.
// A removed level comes back the next time it is picked.
func walkSize(sz float64) float64 {
	if rand.Float64() < 1.0/12 {
		return 0
	}
	next := sz + (rand.Float64()*0.8 - 0.4)
	if next < 0.05 {
		next = 0.5 + rand.Float64()*2
	}
	return round4(next)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func frame(channel string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	payload, err := json.Marshal(wire.Frame{Channel: channel, Data: data})
	if err != nil {
		return nil
	}
	return payload
}

func wsHandler(h *hub, sims map[string]*assetSim) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

		c := &client{
			ws:   ws,
			out:  make(chan []byte, 256),
			subs: make(map[subKey]bool),
		}
		h.add(c)
		defer func() {
			h.remove(c)
			ws.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Write pump.
		go func() {
			for msg := range c.out {
				ws.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		// Read pump: subscribe/unsubscribe requests.
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req wire.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				c.send(frame(wire.ChannelError, wire.ErrorMsg{Message: "malformed request"}))
				continue
			}
			handleRequest(c, sims, req)
		}
	}
}

func handleRequest(c *client, sims map[string]*assetSim, req wire.Request) {
	reject := func(msg string) {
		c.send(frame(wire.ChannelError, wire.ErrorMsg{ReqID: req.ReqID, Message: msg}))
	}

	sim, ok := sims[req.Asset]
	if !ok {
		reject(fmt.Sprintf("unknown asset %q", req.Asset))
		return
	}
	tf := ""
	switch req.Channel {
	case model.ChannelOrderbook, model.ChannelTrades:
	case model.ChannelCandles:
		parsed, err := model.ParseTimeframe(req.Params.Timeframe)
		if err != nil {
			reject(err.Error())
			return
		}
		tf = string(parsed)
	default:
		reject(fmt.Sprintf("unknown channel %q", req.Channel))
		return
	}

	k := subKey{channel: req.Channel, asset: req.Asset, tf: tf}
	switch req.Op {
	case wire.OpSubscribe:
		c.set(k, true)
		ack := wire.AckMsg{ReqID: req.ReqID, Channel: req.Channel, Asset: req.Asset}
		if req.Channel == model.ChannelOrderbook {
			ack.Sequence = sim.Seq()
		}
		c.send(frame(wire.ChannelSubAck, ack))
		// Books and candles get current state immediately; trades flow
		// from the next tick.
		switch req.Channel {
		case model.ChannelOrderbook:
			c.send(frame(model.ChannelOrderbook, sim.snapshotMsg()))
		case model.ChannelCandles:
			if msg, ok := sim.formingMsg(model.Timeframe(tf)); ok {
				c.send(frame(model.ChannelCandles, msg))
			}
		}
	case wire.OpUnsubscribe:
		c.set(k, false)
		c.send(frame(wire.ChannelSubAck, wire.AckMsg{ReqID: req.ReqID, Channel: req.Channel, Asset: req.Asset}))
	default:
		reject(fmt.Sprintf("unknown op %q", req.Op))
	}
}

// formingMsg renders the current forming candle, if one exists yet.
func (s *assetSim) formingMsg(tf model.Timeframe) (*wire.CandleMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.forming[tf]
	if !ok {
		return nil, false
	}
	return &wire.CandleMsg{
		Asset:     s.name,
		Timeframe: string(tf),
		T:         cs.t,
		O:         wire.Num(cs.o),
		H:         wire.Num(cs.h),
		L:         wire.Num(cs.l),
		C:         wire.Num(cs.c),
		V:         wire.Num(round4(cs.v)),
	}, true
}

// ─── Generator ────────────────────────────────────────────────────────────────

func runGenerator(h *hub, sims map[string]*assetSim, interval time.Duration, gapEvery int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for now := range ticker.C {
		for _, sim := range sims {
			delta, trades, candleMsgs := sim.step(now, gapEvery)

			h.sendTo(subKey{channel: model.ChannelOrderbook, asset: sim.name},
				frame(model.ChannelOrderbook, delta))
			if len(trades) > 0 {
				h.sendTo(subKey{channel: model.ChannelTrades, asset: sim.name},
					frame(model.ChannelTrades, trades))
			}
			for i := range candleMsgs {
				h.sendTo(subKey{channel: model.ChannelCandles, asset: sim.name, tf: candleMsgs[i].Timeframe},
					frame(model.ChannelCandles, &candleMsgs[i]))
			}
		}
	}
}

// ─── History endpoint ─────────────────────────────────────────────────────────

// histPx is a deterministic price curve so repeated history requests
// agree with each other.
func histPx(base float64, idx int64) float64 {
	wiggle := float64(uint64(idx)*2654435761%997)/997*0.004 - 0.002
	return round2(base * (1 + 0.02*math.Sin(float64(idx)/25.0) + wiggle))
}

func historyHandler(sims map[string]*assetSim, bases map[string]float64, genesis int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req wire.HistoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		if req.Type != "candleSnapshot" {
			http.Error(w, fmt.Sprintf("unknown type %q", req.Type), http.StatusBadRequest)
			return
		}
		if _, ok := sims[req.Asset]; !ok {
			http.Error(w, fmt.Sprintf("unknown asset %q", req.Asset), http.StatusBadRequest)
			return
		}
		tf, err := model.ParseTimeframe(req.Timeframe)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultLimit
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
		before := req.Before
		if before <= 0 {
			before = time.Now().UnixMilli()
		}

		base := bases[req.Asset]
		width := tf.Millis()
		end := tf.Bucket(before - 1)
		start := end - int64(limit-1)*width
		hasMore := true
		if start <= genesis {
			start = tf.Bucket(genesis)
			hasMore = false
		}

		resp := wire.HistoryResponse{HasMore: hasMore, Candles: []wire.CandlePoint{}}
		for t := start; t <= end; t += width {
			idx := t / width
			openPx, closePx := histPx(base, idx), histPx(base, idx+1)
			hi := round2(math.Max(openPx, closePx) * 1.001)
			lo := round2(math.Min(openPx, closePx) * 0.999)
			resp.Candles = append(resp.Candles, wire.CandlePoint{
				T: t,
				O: wire.Num(openPx),
				H: wire.Num(hi),
				L: wire.Num(lo),
				C: wire.Num(closePx),
				V: wire.Num(float64(1 + uint64(idx)%7)),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[feedsim] starting demo venue...")

	addr := envOrDefault("FEEDSIM_ADDR", ":8089")
	assets := splitCSV(envOrDefault("FEEDSIM_ASSETS", "BTC,ETH"))
	tickMs := envIntOrDefault("FEEDSIM_TICK_MS", 250)
	gapEvery := envIntOrDefault("FEEDSIM_GAP_EVERY", 300)

	var tfs []model.Timeframe
	for _, s := range splitCSV(envOrDefault("FEEDSIM_TFS", "1m,5m,15m,1h")) {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			log.Printf("[feedsim] skipping invalid timeframe %q", s)
			continue
		}
		tfs = append(tfs, tf)
	}
	if len(assets) == 0 || len(tfs) == 0 {
		log.Fatalf("[feedsim] need at least one asset and one timeframe")
	}

	basePrices := map[string]float64{
		"BTC":  64000,
		"ETH":  3400,
		"SOL":  180,
		"DOGE": 0.14,
	}
	sims := make(map[string]*assetSim, len(assets))
	bases := make(map[string]float64, len(assets))
	for _, a := range assets {
		base := basePrices[a]
		if base == 0 {
			base = 100
		}
		sims[a] = newAssetSim(a, base, tfs)
		bases[a] = base
	}
	log.Printf("[feedsim] assets: %v, timeframes: %v, tick: %dms, gap every: %d",
		assets, tfs, tickMs, gapEvery)

	h := newHub()
	go runGenerator(h, sims, time.Duration(tickMs)*time.Millisecond, gapEvery)

	genesis := time.Now().AddDate(0, 0, -historyDays).UnixMilli()

	http.HandleFunc("/ws", wsHandler(h, sims))
	http.HandleFunc("/info", historyHandler(sims, bases, genesis))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] listening on %s (ws://localhost%s/ws, history at /info)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
