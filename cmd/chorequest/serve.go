// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/chorequest/chorequest/internal/audit"
	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/auth/memory"
	"github.com/chorequest/chorequest/internal/auth/postgres"
	"github.com/chorequest/chorequest/internal/config"
	"github.com/chorequest/chorequest/internal/kv"
	"github.com/chorequest/chorequest/internal/logging"
	"github.com/chorequest/chorequest/internal/observability"
	"github.com/chorequest/chorequest/internal/store"
	"github.com/chorequest/chorequest/internal/web"
	"github.com/chorequest/chorequest/pkg/errutil"
)

const (
	serviceName       = "chorequest"
	readHeaderTimeout = 10 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authentication API",
		Long: `Run the HTTP API together with the metrics and health server.
The process shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// services is everything serve builds before it starts listening.
type services struct {
	handler http.Handler
	closers []func()
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// runServeWithDeps runs the API with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.SetDefault(serviceName, version, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return oops.Code("LOGGING_SETUP_FAILED").Wrap(err)
	}

	logger.Info("starting chorequest",
		"env", cfg.Env,
		"addr", cfg.HTTP.Addr,
		"kv_driver", cfg.KV.Driver,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var db Database
	if cfg.Database.URL != "" {
		db, err = deps.DatabaseFactory(ctx, cfg.Database.URL, store.PoolConfig{
			MaxConns: cfg.Database.MaxConns,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("connected to database")
	} else {
		logger.Warn("no database configured, accounts and sessions are kept in memory")
	}

	ready := func(context.Context) error { return nil }
	if db != nil {
		ready = store.Ready(db, observability.ReadinessTimeout)
	}

	var obsServer ObservabilityServer
	var registerer prometheus.Registerer = prometheus.NewRegistry()
	var httpMetrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready)
		registerer = obsServer.Registerer()
		httpMetrics = obsServer.Metrics()
	} else {
		httpMetrics = observability.NewMetrics(registerer)
	}

	svc, err := buildServices(ctx, cfg, logger, db, registerer, httpMetrics, deps)
	if err != nil {
		return err
	}
	defer svc.close()

	listener, err := deps.ListenerFactory("tcp", cfg.HTTP.Addr)
	if err != nil {
		return oops.Code("HTTP_LISTEN_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
	}
	httpServer := &http.Server{
		Handler:           svc.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if obsServer != nil {
		obsErrChan, startErr := obsServer.Start()
		if startErr != nil {
			_ = listener.Close() //nolint:errcheck // start error takes precedence
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(startErr)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	cmd.Println("ChoreQuest API listening on " + listener.Addr().String())
	logger.Info("api ready", "addr", listener.Addr().String())

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		serveErr = oops.Code("HTTP_SERVE_FAILED").Wrap(err)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownWait)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping api server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}
	cancel()

	logger.Info("shutdown complete")
	return serveErr
}

// buildServices wires the auth core. db may be nil, in which case the
// in-memory repositories are used.
func buildServices(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db Database,
	reg prometheus.Registerer,
	httpMetrics *observability.Metrics,
	deps *ServeDeps,
) (*services, error) {
	svc := &services{}
	fail := func(err error) (*services, error) {
		svc.close()
		return nil, err
	}

	var codes kv.Store
	switch cfg.KV.Driver {
	case config.KVPostgres:
		pgStore := postgres.NewKVStore(db, postgres.WithKVLogger(logger))
		go pgStore.RunSweeper(ctx, cfg.KV.SweepInterval)
		codes = pgStore
	default:
		memStore := kv.NewMemoryStore(
			kv.WithSweepInterval(cfg.KV.SweepInterval),
			kv.WithRegisterer(reg),
		)
		svc.closers = append(svc.closers, memStore.Close)
		codes = memStore
	}

	var actors auth.ActorRepository
	var sessionRepo auth.SessionRepository
	if db != nil {
		actors = postgres.NewActorRepository(db)
		sessionRepo = postgres.NewSessionRepository(db)
	} else {
		actors = memory.NewActorRepository()
		sessionRepo = memory.NewSessionRepository()
	}

	opts := []auth.Option{
		auth.WithLogger(logger),
		auth.WithMetrics(auth.NewMetrics(reg)),
	}

	if cfg.Audit.Enabled {
		var writer audit.Writer = audit.NewSlogWriter(logger)
		if db != nil {
			writer = audit.NewPostgresWriter(db)
		}
		auditLog, err := audit.NewLogger(writer, audit.Config{
			Buffer:     cfg.Audit.Buffer,
			WALPath:    cfg.Audit.WALPath,
			Logger:     logger,
			Registerer: reg,
		})
		if err != nil {
			return fail(err)
		}
		svc.closers = append(svc.closers, func() {
			if err := auditLog.Close(); err != nil {
				errutil.LogError(logger, "closing audit log", err)
			}
		})
		if replayed, err := auditLog.ReplayWAL(ctx); err != nil {
			errutil.LogErrorContext(ctx, logger, "replaying audit wal", err)
		} else if replayed > 0 {
			logger.Info("replayed audit events", "count", replayed)
		}
		opts = append(opts, auth.WithAuditSink(auditLog))
	}

	smsCfg := cfg.SMSSender()
	smsCfg.Logger = logger
	smsCfg.Registerer = reg
	sender, err := deps.SenderFactory(smsCfg)
	if err != nil {
		return fail(err)
	}

	limiter := auth.NewLoginLimiter(codes, cfg.RateLimiter(), opts...)
	otp, err := auth.NewOTPIssuer(codes, sender, cfg.OTPIssuer(), opts...)
	if err != nil {
		return fail(err)
	}
	sessions := auth.NewSessionManager(sessionRepo, cfg.Sessions(), opts...)
	go sessions.RunSweeper(ctx, cfg.Session.SweepInterval)

	verifier, err := auth.NewVerifier(auth.VerifierDeps{
		Actors:   actors,
		Sessions: sessions,
		Limiter:  limiter,
		OTP:      otp,
		Hasher:   auth.NewArgon2idHasher(),
	}, opts...)
	if err != nil {
		return fail(err)
	}

	api, err := web.NewServer(web.Deps{
		Verifier: verifier,
		Sessions: sessions,
		Logger:   logger,
		Metrics:  httpMetrics,
	}, web.Config{
		TrustProxy:   cfg.HTTP.TrustProxy,
		CookieSecure: cfg.HTTP.CookieSecure,
	})
	if err != nil {
		return fail(err)
	}
	svc.handler = api.Handler()
	return svc, nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
