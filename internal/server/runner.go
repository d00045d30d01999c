package server

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jroosing/coapfwd/internal/coaptransport"
	"github.com/jroosing/coapfwd/internal/config"
	"github.com/jroosing/coapfwd/internal/proxy"
)

// Runner orchestrates the proxy's startup, wiring, and shutdown.
type Runner struct {
	logger *slog.Logger

	engine *proxy.Engine
	stats  *ProxyStats
	srv    *Server
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Engine returns the proxy engine built by Run, once it has been called.
// Used by cmd/coap-proxy to wire the admin API's cache-introspection
// endpoints without Runner depending on internal/api.
func (r *Runner) Engine() *proxy.Engine { return r.engine }

// Stats returns the proxy statistics collector built by Run.
func (r *Runner) Stats() *ProxyStats { return r.stats }

// Post schedules f to run on the engine goroutine, once Run has started.
// Safe to call from any goroutine, including an HTTP handler's.
func (r *Runner) Post(f func()) {
	if r.srv != nil {
		r.srv.Post(f)
	}
}

// Run starts the CoAP forward proxy with the given configuration.
//
// Server lifecycle:
//  1. Open the UDP listener socket
//  2. Build the transport (internal/coaptransport) and the engine (internal/proxy)
//  3. Wire the transport's retransmission-timeout callback back to the
//     engine through the single post-to-engine-goroutine channel
//  4. Run the receiver + engine goroutines until a shutdown signal arrives
//  5. Close the transport on the way out; there is no shutdown deadline
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	conn, err := ListenUDP(addr)
	if err != nil {
		return err
	}

	ackTimeout, err := time.ParseDuration(cfg.Transport.AckTimeout)
	if err != nil || ackTimeout <= 0 {
		ackTimeout = coaptransport.DefaultTransmission.AcknowledgeTimeout
	}

	stats := NewProxyStats()
	limiter := NewRateLimiter(RateLimitSettings{
		CleanupSeconds:   cfg.RateLimit.CleanupSeconds,
		MaxIPEntries:     cfg.RateLimit.MaxIPEntries,
		MaxPrefixEntries: cfg.RateLimit.MaxPrefixEntries,
		GlobalQPS:        cfg.RateLimit.GlobalQPS,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PrefixQPS:        cfg.RateLimit.PrefixQPS,
		PrefixBurst:      cfg.RateLimit.PrefixBurst,
		IPQPS:            cfg.RateLimit.IPQPS,
		IPBurst:          cfg.RateLimit.IPBurst,
	})

	// srv is assigned after construction; post and the transport's timeout
	// callback both close over it so the engine and transport can be built
	// before the Server that owns the goroutine which drives them exists.
	var srv *Server
	var engine *proxy.Engine
	post := func(f func()) {
		if srv != nil {
			srv.Post(f)
		} else {
			f()
		}
	}

	transport := coaptransport.New(conn, cfg.Engine.MaxOpenTransactions, coaptransport.Transmission{
		AcknowledgeTimeout: ackTimeout,
		MaxRetransmit:      cfg.Transport.MaxRetransmit,
	}, func(pairKey uint16, reason proxy.Status) {
		post(func() {
			if engine != nil {
				engine.FailTransaction(pairKey, reason)
			}
		})
	})

	engine = proxy.NewEngine(proxy.Config{
		MaxOpenTransactions:    cfg.Engine.MaxOpenTransactions,
		KeyMax:                 cfg.Engine.KeyMax,
		PayloadMax:             cfg.Engine.PayloadMax,
		DefaultMaxAge:          time.Duration(cfg.Engine.DefaultMaxAgeSeconds) * time.Second,
		MaxAgeMax:              time.Duration(cfg.Engine.MaxAgeMaxSeconds) * time.Second,
		ObserveClient:          cfg.Engine.ObserveClient,
		ForwardVerbatimMethods: cfg.Engine.ForwardVerbatimMethods,
	}, transport, r.logger, stats, post)

	srv = New(conn, engine, transport, r.logger, limiter, stats)
	r.engine = engine
	r.stats = stats
	r.srv = srv

	r.logStartup(cfg, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancelRun()
		return err
	}

	_ = transport.Close()
	return nil
}

func (r *Runner) logStartup(cfg *config.Config, addr string) {
	if r.logger == nil {
		return
	}
	r.logger.Info(
		"coap forward proxy listening",
		"addr", addr,
		"max_open_transactions", cfg.Engine.MaxOpenTransactions,
		"default_max_age_s", cfg.Engine.DefaultMaxAgeSeconds,
		"ack_timeout", cfg.Transport.AckTimeout,
		"max_retransmit", cfg.Transport.MaxRetransmit,
	)
}
