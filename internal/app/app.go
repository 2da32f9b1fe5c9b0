// Package app wires configuration, infrastructure, and every domain
// package into the two runtime modes: the API server and the background
// worker (spec.md §1: admission, usage metrics, webhook delivery, and
// their supporting operator surfaces).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/uploadgw/internal/audit"
	"github.com/wisbric/uploadgw/internal/auth"
	"github.com/wisbric/uploadgw/internal/config"
	"github.com/wisbric/uploadgw/internal/crypto"
	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/internal/httpserver"
	"github.com/wisbric/uploadgw/internal/platform"
	"github.com/wisbric/uploadgw/internal/telemetry"
	"github.com/wisbric/uploadgw/internal/version"
	"github.com/wisbric/uploadgw/pkg/admission"
	"github.com/wisbric/uploadgw/pkg/apikey"
	"github.com/wisbric/uploadgw/pkg/counterstore"
	"github.com/wisbric/uploadgw/pkg/deadletter"
	"github.com/wisbric/uploadgw/pkg/delivery"
	"github.com/wisbric/uploadgw/pkg/gatewayapi"
	"github.com/wisbric/uploadgw/pkg/retention"
	"github.com/wisbric/uploadgw/pkg/rollup"
	"github.com/wisbric/uploadgw/pkg/tenantquota"
	"github.com/wisbric/uploadgw/pkg/usagemetrics"
	"github.com/wisbric/uploadgw/pkg/verifier"
	"github.com/wisbric/uploadgw/pkg/webhook"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting uploadgw", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "uploadgw", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing credential sealer: %w", err)
	}

	queries := db.New(pool)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, queries, rdb, metricsReg, sealer)
	case "worker":
		return runWorker(ctx, cfg, logger, queries, rdb, metricsReg, sealer)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// newSealer builds the credential sealer from cfg.CredentialSealKey,
// minting a throwaway dev key with a loud warning when unset.
func newSealer(cfg *config.Config, logger *slog.Logger) (*crypto.Sealer, error) {
	key := cfg.CredentialSealKey
	if key == "" {
		var err error
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating dev credential seal key: %w", err)
		}
		logger.Warn("using auto-generated dev credential seal key (set GATEWAY_CREDENTIAL_SEAL_KEY in production)")
	}
	return crypto.NewSealer(key)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, queries *db.Queries, rdb *redis.Client, metricsReg *prometheus.Registry, sealer *crypto.Sealer) error {
	store := counterstore.New(rdb)

	if err := bootstrapAdminKey(ctx, cfg, queries, logger); err != nil {
		return fmt.Errorf("bootstrapping admin api key: %w", err)
	}

	auditWriter := audit.NewWriter(queries, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	authn := auth.NewAuthenticator(queries)

	srv := httpserver.NewServer(cfg, logger, pool, rdb, metricsReg, authn)

	memoryWindow, err := time.ParseDuration(cfg.AdmissionMemoryWindow)
	if err != nil {
		return fmt.Errorf("parsing ADMISSION_MEMORY_WINDOW: %w", err)
	}
	sharedWindow, err := time.ParseDuration(cfg.AdmissionSharedWindow)
	if err != nil {
		return fmt.Errorf("parsing ADMISSION_SHARED_WINDOW: %w", err)
	}
	quotaCacheTTL, err := time.ParseDuration(cfg.AdmissionQuotaCacheTTL)
	if err != nil {
		return fmt.Errorf("parsing ADMISSION_QUOTA_CACHE_TTL: %w", err)
	}
	pipeline := admission.NewPipeline(admission.Config{
		MemoryWindow:  memoryWindow,
		MemoryBurst:   cfg.AdmissionMemoryBurst,
		SharedWindow:  sharedWindow,
		SharedQuota:   cfg.AdmissionSharedQuota,
		QuotaCacheTTL: quotaCacheTTL,
	}, store, queries, logger, telemetry.AdmissionDecisionsTotal, telemetry.AdmissionFailOpenTotal)

	go func() {
		if err := pipeline.ListenInvalidations(ctx); err != nil {
			logger.Error("quota invalidation subscriber stopped", "error", err)
		}
	}()

	webhookStore := webhook.NewStore(queries, sealer)
	queue := counterstore.NewQueue(rdb)
	engine := buildDeliveryEngine(cfg, queue, webhookStore, queries, logger)

	confirmTTL := confirmLockTTL(cfg)
	gatewaySvc := gatewayapi.NewService(webhookStore, pipeline, engine, store, confirmTTL)
	gatewayHandler := gatewayapi.NewHandler(gatewaySvc, auditWriter, logger)
	srv.APIRouter.Mount("/webhooks", gatewayHandler.Routes())

	apikeyHandler := apikey.NewHandler(logger, auditWriter, queries)
	mountAdminOnly(srv, "/apikeys", apikeyHandler.Routes())

	auditHandler := audit.NewHandler(logger, queries)
	mountAdminOnly(srv, "/audit-log", auditHandler.Routes())

	deadLetterStore := deadletter.NewStore(queries)
	deadLetterHandler := deadletter.NewHandler(deadLetterStore, auditWriter, logger)
	mountAdminOnly(srv, "/dead-letters", deadLetterHandler.Routes())

	tenantQuotaHandler := tenantquota.NewHandler(queries, pipeline, auditWriter, logger)
	mountAdminOnly(srv, "/tenants", tenantQuotaHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, queries *db.Queries, rdb *redis.Client, metricsReg *prometheus.Registry, sealer *crypto.Sealer) error {
	logger.Info("worker started")

	store := counterstore.New(rdb)
	webhookStore := webhook.NewStore(queries, sealer)
	queue := counterstore.NewQueue(rdb)
	engine := buildDeliveryEngine(cfg, queue, webhookStore, queries, logger)

	batchDeadline, err := time.ParseDuration(cfg.WebhookBatchDeadline)
	if err != nil {
		return fmt.Errorf("parsing WEBHOOK_BATCH_DEADLINE: %w", err)
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		go runDeliveryLoop(ctx, engine, logger, batchDeadline)
	}

	aggregator := usagemetrics.NewAggregator(store, logger, telemetry.MetricsDroppedTotal)
	_ = aggregator // constructed only: no code path in the API or the worker calls Record

	reaperInterval, err := time.ParseDuration(cfg.ReaperInterval)
	if err != nil {
		return fmt.Errorf("parsing REAPER_INTERVAL: %w", err)
	}
	reaper := deadletter.NewReaper(queries, webhookStore, engine, logger, telemetry.DeadLetterResurrectedTotal, int32(cfg.ReaperLimit), reaperInterval)
	go reaper.Run(ctx)

	rollupHour, rollupMinute, err := parseWallClock(cfg.RollupDailyAt)
	if err != nil {
		return fmt.Errorf("parsing ROLLUP_DAILY_AT: %w", err)
	}
	reader := usagemetrics.NewReader(store)
	rollupWorker := rollup.NewWorker(reader, queries, logger, telemetry.RollupRowsTotal)
	go rollupWorker.Run(ctx, rollupHour, rollupMinute)

	retentionInterval, err := time.ParseDuration(cfg.RetentionInterval)
	if err != nil {
		return fmt.Errorf("parsing RETENTION_INTERVAL: %w", err)
	}
	sweeper := retention.NewSweeper(queries, logger,
		retention.WithInterval(retentionInterval),
		retention.WithDeadLetterRetention(time.Duration(cfg.RetentionDeadLetterAfterDays)*24*time.Hour),
	)
	go sweeper.Run(ctx)

	_ = metricsReg
	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}

// buildDeliveryEngine wires the C9 delivery engine from config: circuit
// breakers, HTTP client, object verifier, and dead-letter recorder.
func buildDeliveryEngine(cfg *config.Config, queue *counterstore.Queue, webhookStore *webhook.Store, queries *db.Queries, logger *slog.Logger) *delivery.Engine {
	breakers := delivery.NewBreakerRegistry(delivery.BreakerConfig{
		Threshold: cfg.WebhookCircuitBreakThreshold,
		Duration:  time.Duration(cfg.WebhookCircuitBreakDurationMs) * time.Millisecond,
		Window:    time.Duration(cfg.WebhookCircuitBreakWindowMs) * time.Millisecond,
	}, telemetry.CircuitBreakerStateGauge)

	httpClient := delivery.NewHTTPClient()
	v := verifier.New(verifier.NewS3Checker())
	deadLetterStore := deadletter.NewStore(queries)

	retryDelays := []time.Duration{
		time.Duration(cfg.WebhookRetryDelay1Ms) * time.Millisecond,
		time.Duration(cfg.WebhookRetryDelay2Ms) * time.Millisecond,
		time.Duration(cfg.WebhookRetryDelay3Ms) * time.Millisecond,
	}
	return delivery.NewEngine(delivery.Config{
		BatchSize:       cfg.WebhookBatchSize,
		HTTPConcurrency: cfg.WebhookHTTPConcurrency,
		MaxAttempts:     cfg.WebhookMaxAttempts,
		RetryDelays:     retryDelays,
	}, queue, webhookStore, v, breakers, httpClient, deadLetterStore, logger, telemetry.WebhookDeliveriesTotal, telemetry.WebhookDeliveryDuration)
}

// runDeliveryLoop polls the queue once a second, running one RunOnce pass
// per wake (C9 worker loop, spec.md §4.6). tickInterval is not used; each
// pass is bounded by the engine's own fixed batch deadline.
func runDeliveryLoop(ctx context.Context, engine *delivery.Engine, logger *slog.Logger, tickInterval time.Duration) {
	const idlePoll = time.Second
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.RunOnce(ctx)
			if err != nil {
				logger.Error("delivery engine pass failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("delivery engine pass complete", "delivered", n)
			}
		}
	}
}

// confirmLockTTL derives the confirm-upload idempotency lock TTL
// (spec.md §4.6, §9 Open Question). An explicit CONFIRM_LOCK_TTL wins;
// otherwise it's derived from the HTTP timeout plus the longest retry
// delay plus 10s headroom, and never less than 60s.
func confirmLockTTL(cfg *config.Config) time.Duration {
	if cfg.ConfirmLockTTLMs > 0 {
		return time.Duration(cfg.ConfirmLockTTLMs) * time.Millisecond
	}
	longestDelay := cfg.WebhookRetryDelay3Ms
	if cfg.WebhookRetryDelay2Ms > longestDelay {
		longestDelay = cfg.WebhookRetryDelay2Ms
	}
	if cfg.WebhookRetryDelay1Ms > longestDelay {
		longestDelay = cfg.WebhookRetryDelay1Ms
	}
	headroom := 10 * time.Second
	ttl := time.Duration(cfg.WebhookTimeoutMs)*time.Millisecond + time.Duration(longestDelay)*time.Millisecond + headroom
	if ttl < 60*time.Second {
		ttl = 60 * time.Second
	}
	return ttl
}

// parseWallClock parses an "HH:MM" string into hour/minute.
func parseWallClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing wall-clock time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// bootstrapAdminKey hashes cfg.ApiKeyAdminBootstrap and inserts it as a
// single admin-role key under a platform-owned tenant sentinel, if no key
// with that hash exists yet — lets a fresh deployment issue its first key
// without direct database access.
func bootstrapAdminKey(ctx context.Context, cfg *config.Config, queries *db.Queries, logger *slog.Logger) error {
	if cfg.ApiKeyAdminBootstrap == "" {
		return nil
	}
	hash := auth.HashAPIKey(cfg.ApiKeyAdminBootstrap)
	_, err := queries.GetApiKeyByHash(ctx, hash)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("checking for existing bootstrap key: %w", err)
	}

	prefix := cfg.ApiKeyAdminBootstrap
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	if _, err := queries.CreateApiKey(ctx, db.CreateApiKeyParams{
		TenantID:    uuid.Nil,
		KeyHash:     hash,
		KeyPrefix:   prefix,
		Description: "bootstrap admin key",
		Role:        auth.RoleAdmin,
		Scopes:      []string{},
	}); err != nil {
		return fmt.Errorf("inserting bootstrap admin key: %w", err)
	}
	logger.Info("inserted bootstrap admin api key")
	return nil
}

// mountAdminOnly mounts handler at path behind auth.RequireAdmin, on top
// of the Middleware already applied to srv.APIRouter.
func mountAdminOnly(srv *httpserver.Server, path string, handler http.Handler) {
	srv.APIRouter.With(auth.RequireAdmin).Mount(path, handler)
}
