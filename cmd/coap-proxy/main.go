// Command coap-proxy runs the CoAP forward proxy daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/coapfwd/internal/api"
	"github.com/jroosing/coapfwd/internal/api/handlers"
	"github.com/jroosing/coapfwd/internal/config"
	"github.com/jroosing/coapfwd/internal/logging"
	"github.com/jroosing/coapfwd/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	host       string
	port       int
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.host, "host", "", "Override bind host")
	flag.IntVar(&f.port, "port", 0, "Override bind port")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	configPath := config.ResolveConfigPath(flags.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("coap forward proxy starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	logger.Info("rate limits", "effective", server.FormatRateLimitsLog(server.RateLimitSettings{
		CleanupSeconds:   cfg.RateLimit.CleanupSeconds,
		MaxIPEntries:     cfg.RateLimit.MaxIPEntries,
		MaxPrefixEntries: cfg.RateLimit.MaxPrefixEntries,
		GlobalQPS:        cfg.RateLimit.GlobalQPS,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PrefixQPS:        cfg.RateLimit.PrefixQPS,
		PrefixBurst:      cfg.RateLimit.PrefixBurst,
		IPQPS:            cfg.RateLimit.IPQPS,
		IPBurst:          cfg.RateLimit.IPBurst,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := server.NewRunner(logger)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(cfg) }()

	var apiSrv *api.Server
	if cfg.API.Enabled {
		// Give the runner a moment to populate its engine/stats before the
		// admin API binds; Run itself blocks until the process receives
		// SIGINT or SIGTERM, so the API server is started from this
		// goroutine, not after Run returns.
		for i := 0; i < 100 && runner.Engine() == nil; i++ {
			time.Sleep(10 * time.Millisecond)
		}
		apiSrv = api.New(cfg, logger, runner.Engine(), runner.Post, func() handlers.StatsSnapshot {
			snap := runner.Stats().Snapshot()
			return handlers.StatsSnapshot{
				CacheHits:          snap.CacheHits,
				CacheMisses:        snap.CacheMisses,
				CacheHitRatio:      snap.CacheHitRatio,
				Forwarded:          snap.Forwarded,
				GatewayTimeouts:    snap.GatewayTimeouts,
				BadGateways:        snap.BadGateways,
				ServiceUnavailable: snap.ServiceUnavailable,
				ServerErrors:       snap.ServerErrors,
			}
		})
		logger.Info("admin api starting", "addr", apiSrv.Addr())
		go func() {
			if serveErr := apiSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("admin api error", "err", serveErr)
				cancel()
			}
		}()
	}

	err = <-errCh

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		logger.Info("admin api stopped")
	}

	if err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}
