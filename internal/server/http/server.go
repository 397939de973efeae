package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/recovery"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	redisstore "github.com/rzbill/relay/internal/storage/redis"
	"github.com/rzbill/relay/pkg/log"
)

// Server is the REST surface: liveness plus a recovery endpoint for clients
// that cannot hold a WebSocket open.
type Server struct {
	echo   *echo.Echo
	rdb    *redis.Client
	db     *pebblestore.DB
	recov  *recovery.Engine
	nodeID string
	lg     log.Logger
}

// NewServer builds the REST server. Register any extra routes (the
// WebSocket handler) on Echo() before calling Start.
func NewServer(rdb *redis.Client, db *pebblestore.DB, recov *recovery.Engine, nodeID string, lg log.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, rdb: rdb, db: db, recov: recov, nodeID: nodeID, lg: lg.WithComponent("http")}
	e.GET("/v1/healthz", s.handleHealth)
	e.POST("/v1/recovery", s.handleRecovery)
	return s
}

// Echo exposes the router for additional route registration.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until Shutdown. Blocking.
func (s *Server) Start(addr string) error {
	s.lg.Info("http server listening", log.Str("addr", addr))
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type healthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"nodeId"`
	Redis  string `json:"redis"`
	Store  string `json:"store"`
	Time   int64  `json:"time"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", NodeID: s.nodeID, Redis: "ok", Store: "ok", Time: time.Now().UnixMilli()}
	code := http.StatusOK
	if err := redisstore.CheckHealth(c.Request().Context(), s.rdb); err != nil {
		resp.Status = "degraded"
		resp.Redis = err.Error()
		code = http.StatusServiceUnavailable
	}
	// any read proves the store is open and serving
	if _, err := s.db.Has([]byte("healthz")); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) handleRecovery(c echo.Context) error {
	var req recovery.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	resp := s.recov.Recover(c.Request().Context(), req)
	return c.JSON(http.StatusOK, resp)
}
