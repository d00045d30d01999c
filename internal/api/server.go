// Package api provides the REST management API for the CoAP forward proxy.
// It exposes endpoints for health checks, runtime statistics, and C1 cache
// introspection/invalidation via a Gin-based HTTP server.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/coapfwd/internal/api/handlers"
	"github.com/jroosing/coapfwd/internal/api/middleware"
	"github.com/jroosing/coapfwd/internal/config"
	"github.com/jroosing/coapfwd/internal/proxy"
)

// Server is the management REST API server.
//
// Security note: do not expose the API to untrusted networks without
// authentication (config.Config.API.APIKey).
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a Server bound to cfg.API.Host:Port. engine and post let the
// admin surface read and invalidate the proxy's cache without ever
// touching it from the HTTP goroutine directly — every engine access goes
// through post onto the single engine goroutine (spec §5). statsFn reads
// the atomic proxy counters, which are safe from any goroutine.
func New(cfg *config.Config, logger *slog.Logger, engine *proxy.Engine, post handlers.CachePoster, statsFn handlers.StatsFunc) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(cfg, logger, engine, post, statsFn)
	RegisterRoutes(ginEngine, h, cfg)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           ginEngine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: ginEngine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
