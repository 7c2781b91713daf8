package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyengine/core"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// API - Read-only status server
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET /healthz   liveness
//   GET /status    full engine snapshot
//   GET /trades    recent closed trades (needs a journal)
//   GET /metrics   prometheus scrape (needs a metrics handler)
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider is implemented by core.Engine
type StatusProvider interface {
	Status() core.Status
}

// TradeHistory is implemented by the journal
type TradeHistory interface {
	RecentClosedTrades(ctx context.Context, limit int) ([]types.ClosedTrade, error)
}

const (
	defaultTradeLimit = 20
	maxTradeLimit     = 500
)

// Server wraps Echo
type Server struct {
	echo    *echo.Echo
	status  StatusProvider
	history TradeHistory
}

// Option configures the server
type Option func(*Server)

// WithMetrics mounts a prometheus handler at /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.echo.GET("/metrics", echo.WrapHandler(h))
	}
}

// WithTradeHistory enables /trades
func WithTradeHistory(h TradeHistory) Option {
	return func(s *Server) { s.history = h }
}

// NewServer builds the routes
func NewServer(status StatusProvider, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogging())

	s := &Server{echo: e, status: status}
	e.GET("/healthz", s.healthz)
	e.GET("/status", s.getStatus)
	e.GET("/trades", s.getTrades)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr in the background. The listener is bound before
// returning so a busy port fails fast.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.echo.Listener = ln

	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("❌ Status server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("🌐 Status server listening")
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) healthz(c echo.Context) error {
	st := s.status.Status()
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"mode":    st.Mode,
		"running": st.Running,
	})
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) getTrades(c echo.Context) error {
	if s.history == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trade journal disabled")
	}

	limit := defaultTradeLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxTradeLimit)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	trades, err := s.history.RecentClosedTrades(ctx, limit)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load trades")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load trades")
	}
	if trades == nil {
		trades = []types.ClosedTrade{}
	}
	return c.JSON(http.StatusOK, trades)
}

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Debug().
				Str("method", c.Request().Method).
				Str("uri", c.Request().RequestURI).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("http")
			return nil
		}
	}
}
