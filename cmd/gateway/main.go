package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"llmgate/internal/adapters/registry"
	"llmgate/internal/audit"
	"llmgate/internal/config"
	"llmgate/internal/crypto"
	"llmgate/internal/metrics"
	"llmgate/internal/router"
	"llmgate/internal/server"
	"llmgate/internal/session"
	"llmgate/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Dur("session_ttl", cfg.Session.TTL).
		Int("session_capacity", cfg.Session.Capacity).
		Msg("starting llmgate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations", cryptoManager)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()

	// Streaming responses outlive any fixed client timeout, so the bound
	// lives on the connect and header phases; whole-call deadlines for
	// non-streaming requests come from the router's context.
	backendClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.Backend.Timeout,
		},
	}

	adapterCache := registry.NewCache(registry.BuildOptions{
		HTTPClient:    backendClient,
		ParentIDField: cfg.Session.ParentIDField,
		Logger:        log.Logger,
	})

	sessions := session.NewManager(session.Config{
		TTL:      cfg.Session.TTL,
		Capacity: cfg.Session.Capacity,
		Logger:   log.Logger,
		Metrics:  m,
	})

	auditQueue := audit.NewQueue(rdb, cfg.Redis.AuditStream, cfg.Redis.AuditGroup, cfg.Audit.ConsumerName, cfg.Redis.AuditBlock)
	auditSink := audit.NewSink(audit.SinkConfig{
		Queue:   auditQueue,
		Buffer:  cfg.Audit.Buffer,
		Logger:  log.Logger,
		Metrics: m,
	})
	go auditSink.Start(ctx)

	auditWorker := audit.NewWorker(audit.WorkerConfig{
		Store:   store,
		Queue:   auditQueue,
		Logger:  log.Logger,
		Metrics: m,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := auditWorker.Start(ctx, 1); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("audit worker failed: %w", err)
		}
	}()

	rt := router.New(router.Config{
		Store:    store,
		Adapters: adapterCache,
		Sessions: sessions,
		Audit:    auditSink,
		Metrics:  m,
		Logger:   log.Logger,
		Timeout:  cfg.Backend.Timeout,
	})

	janitor := cron.New()
	if _, err := janitor.AddFunc(cfg.Session.SweepSpec, sessions.Sweep); err != nil {
		log.Fatal().Err(err).Msg("invalid session sweep spec")
	}
	if _, err := janitor.AddFunc(cfg.Audit.PruneSpec, func() {
		auditWorker.Prune(ctx, cfg.Audit.Retention)
	}); err != nil {
		log.Fatal().Err(err).Msg("invalid audit prune spec")
	}
	janitor.Start()
	defer janitor.Stop()

	mux := http.NewServeMux()
	server.NewHandlers(rt, log.Logger).Register(mux)
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
