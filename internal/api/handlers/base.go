// Package handlers implements the REST API endpoint handlers for the CoAP
// forward proxy's admin surface.
//
// @title CoAP Forward Proxy Management API
// @version 1.0
// @description REST API for introspecting and managing a coapfwd proxy instance's cache and runtime stats.
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"log/slog"
	"time"

	"github.com/jroosing/coapfwd/internal/config"
	"github.com/jroosing/coapfwd/internal/proxy"
)

// CachePoster posts a closure onto the single goroutine that owns
// proxy.Engine state — the only way this handler is allowed to touch the
// cache or pair tables (spec §5).
type CachePoster func(f func())

// StatsSnapshot mirrors internal/server.ProxyStatsSnapshot without importing
// that package, avoiding an internal/server <-> internal/api import cycle
// (cmd/coap-proxy wires a Handler from the Runner's engine, Post and stats).
type StatsSnapshot struct {
	CacheHits          uint64
	CacheMisses        uint64
	CacheHitRatio      float64
	Forwarded          uint64
	GatewayTimeouts    uint64
	BadGateways        uint64
	ServiceUnavailable uint64
	ServerErrors       uint64
}

// StatsFunc returns the current proxy statistics snapshot.
type StatsFunc func() StatsSnapshot

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time

	engine  *proxy.Engine
	post    CachePoster
	statsFn StatsFunc
}

// postSync runs f on the engine goroutine and blocks until it returns,
// the only safe way for an HTTP handler goroutine to read or mutate
// cache/pair-table state owned by proxy.Engine (spec §5). If no poster was
// configured, f runs inline — used in tests that construct a Handler
// without a running Server.
func (h *Handler) postSync(f func()) {
	if h.post == nil {
		f()
		return
	}
	done := make(chan struct{})
	h.post(func() {
		f()
		close(done)
	})
	<-done
}

// New creates a new Handler with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, engine *proxy.Engine, post CachePoster, statsFn StatsFunc) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
		engine:    engine,
		post:      post,
		statsFn:   statsFn,
	}
}
