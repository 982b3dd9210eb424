// Command rtmbrokerd is the RTM broker server entry point. It loads
// configuration, wires the backend/apps/filter/telemetry/audit
// collaborators, and serves the WebSocket protocol until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rtmbroker/rtmbroker/internal/apps"
	"github.com/rtmbroker/rtmbroker/internal/audit/postgres"
	"github.com/rtmbroker/rtmbroker/internal/backend"
	"github.com/rtmbroker/rtmbroker/internal/config"
	"github.com/rtmbroker/rtmbroker/internal/connstate"
	"github.com/rtmbroker/rtmbroker/internal/domain"
	"github.com/rtmbroker/rtmbroker/internal/filter"
	"github.com/rtmbroker/rtmbroker/internal/handlers"
	"github.com/rtmbroker/rtmbroker/internal/protocol"
	"github.com/rtmbroker/rtmbroker/internal/telemetry"
	"github.com/rtmbroker/rtmbroker/internal/wsserver"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("rtmbrokerd starting", "config", *configPath, "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Error("rtmbrokerd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("rtmbrokerd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	appsSnapshot, err := apps.Load(cfg.Apps.Path)
	if err != nil {
		return fmt.Errorf("load apps document: %w", err)
	}
	appsStore := apps.NewStore(appsSnapshot)

	be, err := backend.New(ctx, backend.Config{
		Node: backend.NodeClientConfig{
			Addr:       cfg.Backend.Addr,
			Password:   cfg.Backend.Password,
			DB:         cfg.Backend.DB,
			PoolSize:   cfg.Backend.PoolSize,
			MaxRetries: cfg.Backend.MaxRetries,
			TLSEnabled: cfg.Backend.TLSEnabled,
		},
		Cluster:         cfg.Backend.Cluster,
		ClusterSlotsTTL: cfg.Backend.ClusterSlotsTTL.Duration,
	})
	if err != nil {
		return fmt.Errorf("connect to backend: %w", err)
	}
	defer be.Close()

	metrics, shutdownTelemetry, err := telemetry.Init(ctx, "rtmbroker", cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	var audit domain.AuditLog
	if cfg.Audit.Enabled {
		auditClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Audit.DSN,
			Host:     cfg.Audit.Host,
			Port:     cfg.Audit.Port,
			Database: cfg.Audit.Database,
			User:     cfg.Audit.User,
			Password: cfg.Audit.Password,
			SSLMode:  cfg.Audit.SSLMode,
			MaxConns: cfg.Audit.PoolMaxConns,
			MinConns: cfg.Audit.PoolMinConns,
		})
		if err != nil {
			return fmt.Errorf("connect to audit database: %w", err)
		}
		defer auditClient.Close()

		if err := auditClient.RunMigrations(ctx); err != nil {
			return fmt.Errorf("run audit migrations: %w", err)
		}
		audit = postgres.NewAuditStore(auditClient.Pool())
	}

	registry := connstate.NewRegistry()

	h := handlers.New(handlers.Config{
		Apps:           appsStore,
		Backend:        be,
		Filterer:       filter.New(),
		Metrics:        metrics,
		Audit:          audit,
		Registry:       registry,
		MaxLen:         cfg.Backend.StreamMaxLen,
		MaxSubs:        cfg.Server.MaxSubscriptionsPerConn,
		ReconnectSleep: cfg.Backend.ReconnectSleep.Duration,
		Logger:         logger,
	})

	srv := wsserver.New(wsserver.Config{
		Apps:          appsStore,
		Dispatcher:    protocol.NewDispatcher(h),
		Registry:      registry,
		Metrics:       metrics,
		Logger:        logger,
		IdleTimeout:   cfg.Server.IdleTimeout.Duration,
		HandshakeWait: cfg.Server.HandshakeTimeout.Duration,
	})

	mux := http.NewServeMux()
	mux.Handle("/v2", srv)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown did not complete cleanly", "error", err)
		}
		return nil
	})

	serveErr := g.Wait()

	h.Wait()
	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
