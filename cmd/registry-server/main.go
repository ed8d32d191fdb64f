// Command registry-server runs the IaC artifact registry and run
// orchestrator as a standalone binary. It serves:
//   - Inbound VCS webhooks (GitHub/GitLab/Bitbucket push events)
//   - The executor callback channel (status/logs/plan/outputs)
//   - The registry CRUD/run-trigger API
//
// and drives the background dispatcher loop (poll, crash recovery,
// confirmation sweep) that hands queued runs off to the configured
// executor transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/artifactstore"
	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/cascade"
	"github.com/qendev/iacreg/internal/config"
	"github.com/qendev/iacreg/internal/dag"
	"github.com/qendev/iacreg/internal/dispatch"
	"github.com/qendev/iacreg/internal/helmcache"
	"github.com/qendev/iacreg/internal/httpapi"
	"github.com/qendev/iacreg/internal/ingest"
	"github.com/qendev/iacreg/internal/policy"
	"github.com/qendev/iacreg/internal/ratelimit"
	"github.com/qendev/iacreg/internal/storage/sqlite"
	"github.com/qendev/iacreg/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file overlaying defaults")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting registry-server",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, os.Getenv("IACREG_OTLP_ENDPOINT"), version)
	if err != nil {
		logger.Fatal("init trace provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("shutdown trace provider", zap.Error(err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	dbPath := cfg.DataDir + "/iacreg.db"
	store, err := sqlite.Open(dbPath, logger)
	if err != nil {
		logger.Fatal("open store", zap.String("path", dbPath), zap.Error(err))
	}
	defer store.Close()

	auditRecorder := audit.NewRecorder(store, logger)
	cascadeManager := cascade.New(store, auditRecorder, logger)
	ingestor := ingest.New(store, cascadeManager, auditRecorder, logger)
	dagExecutor := dag.NewExecutor(store, logger)
	policyResolver := policy.NewResolver()
	policyEval := policy.NewEvaluator()
	artifacts := artifactstore.New().WithPlainHTTP(cfg.Storage.PlainHTTP)

	helmCache := helmcache.NewContextCache(helmcache.New(
		time.Duration(cfg.HelmCache.TTLSeconds)*time.Second,
		time.Now,
	))
	var cacheBackend httpapi.HelmCache = helmCache
	if cfg.HelmCache.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.HelmCache.RedisAddr})
		cacheBackend = helmcache.NewRedisCache(
			redisClient,
			time.Duration(cfg.HelmCache.TTLSeconds)*time.Second,
			"iacreg:helmcache:",
		)
	}

	webhookLimiter := ratelimit.New(ratelimit.Config{
		BurstSize:         float64(cfg.RateLimit.WebhookBurstSize),
		RequestsPerMinute: float64(cfg.RateLimit.WebhookRequestsPerMinute),
		IdleEvictionAfter: 5 * time.Minute,
	}, time.Now)
	apiLimiter := ratelimit.New(ratelimit.Config{
		BurstSize:         float64(cfg.RateLimit.APIBurstSize),
		RequestsPerMinute: float64(cfg.RateLimit.APIRequestsPerMinute),
		IdleEvictionAfter: 5 * time.Minute,
	}, time.Now)

	server := httpapi.New(httpapi.Deps{
		Store:          store,
		Ingestor:       ingestor,
		Cascade:        cascadeManager,
		DAG:            dagExecutor,
		PolicyResolver: policyResolver,
		PolicyEval:     policyEval,
		Audit:          auditRecorder,
		Artifacts:      artifacts,
		HelmCache:      cacheBackend,
		WebhookLimiter: webhookLimiter,
		APILimiter:     apiLimiter,
		Webhooks:       cfg.Webhooks,
		Storage:        cfg.Storage,
		Log:            logger,
	})

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.Enabled = cfg.Dispatch.Enabled
	dispatchCfg.MaxConcurrentRuns = cfg.Dispatch.MaxConcurrentRuns
	dispatchCfg.TimeoutSeconds = cfg.Dispatch.TimeoutSeconds
	dispatchCfg.ConfirmationTimeoutSeconds = cfg.Dispatch.ConfirmationTimeoutSeconds
	dispatchCfg.ButlerURL = cfg.Dispatch.ButlerURL
	dispatchCfg.PeaaSOwner = cfg.Dispatch.PeaaSOwner
	dispatchCfg.PeaaSRepo = cfg.Dispatch.PeaaSRepo
	dispatchCfg.GitHubToken = cfg.Dispatch.GitHubToken
	dispatcher := dispatch.New(store, dagExecutor, auditRecorder, dispatchCfg, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher loop exited", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("fatal server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapCfg zap.Config
	switch level {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		zapCfg = zap.NewProductionConfig()
	}
	return zapCfg.Build()
}
