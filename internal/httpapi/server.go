// Package httpapi serves the synchronized market-data views over REST
// for the browser interface. It reads the engine's published store; it
// never touches the venue connection except to trigger candle backfill.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bowen31337/liquidVex-sub003/internal/candles"
	"github.com/bowen31337/liquidVex-sub003/internal/engine"
	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/subs"
)

const (
	requestTimeout      = 10 * time.Second
	requestIDContextKey = "request_id"
	requestIDHeaderKey  = "X-Request-ID"
)

// MarketData is the engine surface the API consumes.
type MarketData interface {
	Book(asset string) (*model.Book, bool)
	Trades(asset string) ([]model.Trade, bool)
	Candles(asset string, tf model.Timeframe) (*model.Series, bool)
	RequestHistory(ctx context.Context, asset string, tf model.Timeframe, before int64) error
	Subscriptions() []subs.State
	ConnState() model.ConnState
	Generation() uint64
}

// Server is the REST read API.
type Server struct {
	data   MarketData
	logger *slog.Logger
	srv    *http.Server
}

// NewServer builds the router and wraps it in an http.Server on addr.
func NewServer(addr string, data MarketData, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{data: data, logger: logger}
	s.srv = &http.Server{Addr: addr, Handler: s.Router()}
	return s
}

// Router configures all API routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(s.logMiddleware())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	api := router.Group("/api/market")
	api.GET("/orderbook", s.GetOrderBook)
	api.GET("/trades", s.GetTrades)
	api.GET("/candles", s.GetCandles)
	api.GET("/status", s.GetStatus)

	return router
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("api server", "err", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// GetOrderBook handles GET /api/market/orderbook?asset=BTC.
// The stale flag tells the client the book survives from a dead stream.
func (s *Server) GetOrderBook(c *gin.Context) {
	asset, ok := s.requireAsset(c)
	if !ok {
		return
	}
	b, found := s.data.Book(asset)
	if !found {
		s.notSubscribed(c, asset)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GetTrades handles GET /api/market/trades?asset=BTC.
func (s *Server) GetTrades(c *gin.Context) {
	asset, ok := s.requireAsset(c)
	if !ok {
		return
	}
	ts, found := s.data.Trades(asset)
	if !found {
		s.notSubscribed(c, asset)
		return
	}
	c.JSON(http.StatusOK, ts)
}

// GetCandles handles GET /api/market/candles?asset=BTC&timeframe=1m.
// An optional before=<ms> pulls one older history page into the series
// before responding, which is how the UI loads candles on scroll-back.
func (s *Server) GetCandles(c *gin.Context) {
	asset, ok := s.requireAsset(c)
	if !ok {
		return
	}
	tf, err := model.ParseTimeframe(c.DefaultQuery("timeframe", string(model.TF1m)))
	if err != nil {
		s.badRequest(c, err)
		return
	}

	if rawBefore := c.Query("before"); rawBefore != "" {
		before, err := strconv.ParseInt(rawBefore, 10, 64)
		if err != nil || before < 0 {
			s.badRequest(c, errors.New("before must be a non-negative ms timestamp"))
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()

		switch err := s.data.RequestHistory(ctx, asset, tf, before); {
		case err == nil, errors.Is(err, candles.ErrExhausted):
			// exhausted history still renders: hasMore is false now
		case errors.Is(err, engine.ErrNotSubscribed):
			s.notSubscribed(c, asset)
			return
		default:
			s.handleError(c, err, http.StatusBadGateway, "history fetch failed")
			return
		}
	}

	sr, found := s.data.Candles(asset, tf)
	if !found {
		s.notSubscribed(c, asset)
		return
	}
	c.JSON(http.StatusOK, sr)
}

// GetStatus handles GET /api/market/status.
func (s *Server) GetStatus(c *gin.Context) {
	states := s.data.Subscriptions()
	subList := make([]gin.H, 0, len(states))
	for _, st := range states {
		subList = append(subList, gin.H{
			"channel":   st.Key.Channel,
			"asset":     st.Key.Asset,
			"timeframe": st.Key.TF,
			"refs":      st.Refs,
			"acked":     st.Acked,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"conn_state":    s.data.ConnState().String(),
		"generation":    s.data.Generation(),
		"subscriptions": subList,
	})
}

func (s *Server) requireAsset(c *gin.Context) (string, bool) {
	asset := c.Query("asset")
	if asset == "" {
		s.badRequest(c, errors.New("asset is required"))
		return "", false
	}
	return asset, true
}

func (s *Server) notSubscribed(c *gin.Context, asset string) {
	s.handleError(c, errors.New("no data for "+asset), http.StatusNotFound, "not subscribed")
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.handleError(c, err, http.StatusBadRequest, err.Error())
}

// handleError logs the error and sends the uniform error response.
func (s *Server) handleError(c *gin.Context, err error, statusCode int, userMessage string) {
	requestID := c.GetString(requestIDContextKey)
	if requestID == "" {
		requestID = "unknown"
	}

	s.logger.Error("api error",
		slog.String("request_id", requestID),
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
		slog.Int("status_code", statusCode),
	)

	c.JSON(statusCode, gin.H{
		"error":      userMessage,
		"request_id": requestID,
	})
}
