// Command console is the admin console server. It loads a YAML configuration
// file, restores console sessions from the SQLite registry, polls each
// session's selected monitor for new file events, pushes delivered batches to
// browsers over WebSocket, records them in PostgreSQL, exposes a REST API and
// a gRPC health service, and shuts down gracefully on SIGTERM or SIGINT.
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

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/console/internal/audit"
	"github.com/tripwire/console/internal/config"
	"github.com/tripwire/console/internal/console"
	"github.com/tripwire/console/internal/monitor"
	"github.com/tripwire/console/internal/poller"
	"github.com/tripwire/console/internal/registry"
	grpcserver "github.com/tripwire/console/internal/server/grpc"
	"github.com/tripwire/console/internal/server/rest"
	"github.com/tripwire/console/internal/server/storage"
	"github.com/tripwire/console/internal/server/websocket"
)

func main() {
	configPath := flag.String("config", "/etc/console/config.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("console exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("console exited cleanly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("admin console starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.Int("monitors", len(cfg.Monitors)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── JWT public key ────────────────────────────────────────────────────────
	pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("read JWT public key: %w", err)
	}
	pubKey, err := rest.ParseRSAPublicKey(pem)
	if err != nil {
		return err
	}

	// ── Session registry (SQLite) ─────────────────────────────────────────────
	var persist registry.Persister
	if cfg.RegistryPath != "" {
		sq, err := registry.OpenSQLite(cfg.RegistryPath)
		if err != nil {
			return err
		}
		defer sq.Close()
		persist = sq
		logger.Info("session registry opened", slog.String("path", cfg.RegistryPath))
	} else {
		logger.Warn("no registry_path configured; endpoint selections will not survive a restart")
	}
	sessions := registry.NewSessions(persist)

	// ── PostgreSQL history ────────────────────────────────────────────────────
	opts := []console.Option{}
	var history rest.Store
	if cfg.Database.DSN != "" {
		store, err := storage.New(ctx, cfg.Database.DSN, storage.Options{
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.Database.FlushInterval,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer store.Close(context.Background())
		history = store
		opts = append(opts, console.WithHistory(store))
		logger.Info("PostgreSQL history connected")
	} else {
		logger.Warn("no database DSN configured; event history disabled")
	}

	// ── Audit log ─────────────────────────────────────────────────────────────
	if cfg.AuditLogPath != "" {
		al, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		defer al.Close()
		opts = append(opts, console.WithAuditor(al))
		logger.Info("audit log opened", slog.String("path", cfg.AuditLogPath))
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	var grpcSrv *grpcserver.Server
	if cfg.GRPCAddr != "" {
		grpcSrv, err = grpcserver.New(grpcserver.Config{
			Addr:     cfg.GRPCAddr,
			CertPath: cfg.TLS.CertPath,
			KeyPath:  cfg.TLS.KeyPath,
			CAPath:   cfg.TLS.CAPath,
		}, logger)
		if err != nil {
			return err
		}
		opts = append(opts, console.WithListenerObserver(grpcSrv))
	}

	// ── Console ───────────────────────────────────────────────────────────────
	bc := websocket.NewBroadcaster(logger, 0)

	metrics := poller.NewMetrics()
	fetcher := monitor.NewClient(monitor.WithRequestTimeout(cfg.Poller.RequestTimeout))

	opts = append(opts, console.WithPublisher(bc), console.WithMetrics(metrics))
	cons := console.New(cfg, sessions, fetcher, logger, opts...)

	if _, err := cons.Restore(ctx); err != nil {
		return err
	}

	// ── REST API + WebSocket ──────────────────────────────────────────────────
	events := websocket.NewHandler(bc, func(r *http.Request) (string, bool) {
		id := chi.URLParam(r, "id")
		return id, cons.HasSession(id)
	}, logger, 10*time.Second)

	router := rest.NewRouter(rest.NewServer(cons, history, logger), rest.RouterConfig{
		JWT: rest.JWTConfig{
			PublicKey: pubKey,
			Issuer:    cfg.JWTIssuer,
			Audience:  cfg.JWTAudience,
			Leeway:    30 * time.Second,
			Logger:    logger,
		},
		Metrics: metrics.Handler(),
		Events:  events,
	})

	// WriteTimeout stays zero: websocket connections are long-lived.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── Start servers ─────────────────────────────────────────────────────────
	grpcErrCh := make(chan error, 1)
	if grpcSrv != nil {
		go func() {
			if err := grpcSrv.Serve(ctx); err != nil {
				grpcErrCh <- fmt.Errorf("gRPC server: %w", err)
			}
			close(grpcErrCh)
		}()
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case runErr = <-grpcErrCh:
	case runErr = <-httpErrCh:
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")
	cons.Shutdown()
	if grpcSrv != nil {
		grpcSrv.Shutdown()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown; closing the
	// broadcaster ends their writers.
	bc.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	if grpcSrv != nil {
		select {
		case err := <-grpcErrCh:
			if err != nil {
				logger.Warn("gRPC server drain error", slog.Any("error", err))
			}
		case <-shutdownCtx.Done():
			logger.Warn("gRPC graceful stop timed out; forcing stop")
			grpcSrv.Stop()
		}
	}

	return runErr
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
