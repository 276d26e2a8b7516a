package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentswallets/cli/config"
	"github.com/agentswallets/cli/internal/adapter/chain"
	httpHandler "github.com/agentswallets/cli/internal/adapter/http/handler"
	"github.com/agentswallets/cli/internal/adapter/http/middleware"
	"github.com/agentswallets/cli/internal/adapter/provider"
	"github.com/agentswallets/cli/internal/adapter/resilience"
	pgStorage "github.com/agentswallets/cli/internal/adapter/storage/postgres"
	redisStorage "github.com/agentswallets/cli/internal/adapter/storage/redis"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/internal/service"
	"github.com/agentswallets/cli/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultUnlockTTL = 15 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("AW_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "unlock" {
		os.Exit(unlock(cfg, os.Args[2:]))
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Int64("chain_id", cfg.Chain.ChainID).
		Msg("Starting gatekeeper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	if cfg.Database.AutoMigrate {
		if err := pgStorage.Migrate(ctx, pool, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	healthCheckers := []ports.HealthChecker{pgStorage.NewHealthCheck(pool)}

	// Redis is optional: it backs the replay cache and the command throttle.
	var (
		replayCache    ports.ReplayCache
		rateLimitStore middleware.RateLimitStore
	)
	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")

		replayCache = redisStorage.NewReplayCache(rdb)
		rateLimitStore = redisStorage.NewRateLimitStore(rdb)
		healthCheckers = append(healthCheckers, redisStorage.NewHealthCheck(rdb))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	// Initialize repositories
	walletRepo := pgStorage.NewWalletRepo(pool)
	policyRepo := pgStorage.NewPolicyRepo(pool)
	opRepo := pgStorage.NewOperationRepo(pool)
	idempotencyRepo := pgStorage.NewIdempotencyRepo(pool)
	auditRepo := pgStorage.NewAuditRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// External dependencies
	chainGuard := resilience.New(resilience.Settings{
		Name:          "chain",
		RatePerSecond: cfg.Chain.RatePerSecond,
		Burst:         2,
	}, metrics.SetBreakerState, log)
	endpoints, err := chain.NewEndpointPool(cfg.Chain.RPCURLs, chain.DialEthclient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure chain endpoints")
	}
	defer endpoints.Close()
	chainClient, err := chain.NewClient(cfg.Chain, endpoints, chainGuard, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chain client")
	}

	providerGuard := resilience.New(resilience.Settings{
		Name:          "provider",
		RatePerSecond: cfg.Provider.RatePerSecond,
		CallTimeout:   cfg.Provider.Timeout,
	}, metrics.SetBreakerState, log)
	market := provider.NewBridge(cfg.Provider, &http.Client{Timeout: cfg.Provider.Timeout}, providerGuard, log)

	// Initialize core services
	vault, err := service.NewScryptVault(cfg.Vault.ScryptN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize key vault")
	}
	gate := service.NewJWTSessionGate(cfg.Session.Secret, cfg.Session.Issuer)
	engine, err := service.NewPolicyEngine(cfg.Policy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid default policy")
	}

	keys := service.NewIdempotencyKeyManager(idempotencyRepo, cfg.Idempotency.StaleAfter, log)
	ledger := service.NewOperationLedger(opRepo, keys, transactor, replayCache, cfg.Redis.ReplayTTL, log)
	spend := service.NewSpendAccounting(opRepo, transactor)
	auditLog := service.NewAuditLog(auditRepo, transactor, cfg.Audit.MaxPayloadBytes, metrics, log)

	orch := service.NewOrchestrator(service.OrchestratorDeps{
		Transactor:   transactor,
		PolicyRepo:   policyRepo,
		OpRepo:       opRepo,
		Keys:         keys,
		Ledger:       ledger,
		Spend:        spend,
		Engine:       engine,
		Audit:        auditLog,
		Metrics:      metrics,
		PendingGrace: cfg.Idempotency.PendingGrace,
	}, log)

	// Initialize business services
	policySvc := service.NewPolicyService(policyRepo, walletRepo, transactor, engine, spend, auditLog, log)
	operationSvc := service.NewOperationService(
		orch,
		auditLog,
		walletRepo,
		chainClient,
		market,
		vault,
		gate,
		cfg.Chain.ReceiptTimeout,
		metrics,
		log,
	)

	if cfg.Reconcile.Enabled {
		reconciler := service.NewReconciler(
			opRepo,
			chainClient,
			ledger,
			auditLog,
			metrics,
			cfg.Reconcile.OlderThan,
			cfg.Reconcile.BatchSize,
			log,
		)
		go reconciler.Run(ctx, cfg.Reconcile.Interval)
	}

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		OperationSvc:   operationSvc,
		PolicySvc:      policySvc,
		AuditSvc:       auditLog,
		SessionGate:    gate,
		RateLimitStore: rateLimitStore,
		CommandRule:    middleware.CommandRule(cfg.Server.CommandRateLimit),
		HealthCheckers: healthCheckers,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Mode:           cfg.Server.Mode,
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// unlock prints a session token for the configured secret. An optional
// argument overrides the lifetime, e.g. "gatekeeper unlock 30m".
func unlock(cfg *config.Config, args []string) int {
	ttl := defaultUnlockTTL
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "invalid ttl %q\n", args[0])
			return 2
		}
		ttl = d
	}

	gate := service.NewJWTSessionGate(cfg.Session.Secret, cfg.Session.Issuer)
	token, expiresAt, err := gate.Issue(ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unlock failed: %v\n", err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "session valid until %s\n", expiresAt.UTC().Format(time.RFC3339))
	return 0
}
