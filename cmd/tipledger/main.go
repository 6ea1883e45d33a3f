package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tipledger/config"
	httpHandler "tipledger/internal/adapter/http/handler"
	"tipledger/internal/adapter/noderpc"
	"tipledger/internal/adapter/notify"
	memStorage "tipledger/internal/adapter/storage/memory"
	pgStorage "tipledger/internal/adapter/storage/postgres"
	redisStorage "tipledger/internal/adapter/storage/redis"
	"tipledger/internal/core/ports"
	"tipledger/internal/service"
	"tipledger/internal/settlement"
	"tipledger/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// repositories groups the storage ports so either driver can back the services.
type repositories struct {
	users        ports.UserRepository
	accounts     ports.AccountRepository
	transactions ports.TransactionRepository
	giveaways    ports.GiveawayRepository
	audit        ports.AuditRepository
	transactor   ports.DBTransactor
	health       []ports.HealthChecker
	close        func()
}

func main() {
	cfg, err := config.Load(os.Getenv("TIPLEDGER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if cfg.Auth.ClientSecret == "" || cfg.JWT.Secret == "" {
		log.Fatal().Msg("auth.client_secret and jwt.secret must be set")
	}

	log.Info().
		Str("mode", cfg.Server.Mode).
		Str("driver", cfg.Database.Driver).
		Int("port", cfg.Server.Port).
		Msg("Starting tipledger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, err := openRepositories(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer repos.close()

	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node := noderpc.NewClient(cfg.Node, log)
	sigSvc := service.NewHMACSignatureService()
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)

	var notifier ports.Notifier = notify.NewLogNotifier(log)
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Auth.ClientSecret, cfg.Notify.Timeout, sigSvc, &http.Client{})
	}

	metrics := settlement.NewMetrics(registry)
	queue := settlement.NewQueue(metrics)

	accountSvc := service.NewAccountService(repos.users, repos.accounts, node, log)
	ledger := service.NewLedgerService(repos.accounts, repos.transactions, repos.transactor, node, log)
	transferSvc := service.NewTransferService(ledger, accountSvc, repos.users, queue, redisStorage.NewIdempotencyCache(rdb), log)
	giveawaySvc := service.NewGiveawayService(repos.giveaways, repos.accounts, repos.transactor, node, ledger, transferSvc, accountSvc, log)
	reportingSvc := service.NewReportingService(repos.transactions)
	auditSvc := service.NewAuditService(repos.audit, log)

	worker := settlement.NewWorker(
		cfg.Settlement,
		queue,
		ledger,
		node,
		redisStorage.NewLeaseLock(rdb, cfg.Settlement.LockTTL),
		notifier,
		cfg.Notify.OperatorIDs,
		metrics,
		logger.Component(log, "settlement"),
	)
	if _, err := worker.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover settlement queue")
	}

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		AccountSvc:     accountSvc,
		TransferSvc:    transferSvc,
		GiveawaySvc:    giveawaySvc,
		ReportingSvc:   reportingSvc,
		SigSvc:         sigSvc,
		TokenSvc:       tokenSvc,
		NonceStore:     redisStorage.NewNonceStore(rdb),
		Auth:           cfg.Auth,
		RateLimitStore: redisStorage.NewRateLimitStore(rdb),
		AuditSvc:       auditSvc,
		HealthCheckers: append(repos.health, redisStorage.NewHealthCheck(rdb), node),
		Registry:       registry,
		Mode:           cfg.Server.Mode,
		Logger:         logger.Component(log, "http"),
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		stop()
	}

	// Stop accepting requests first so nothing new is queued, then let
	// in-flight settlements finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Int("queued", queue.Len()).Msg("Settlement still in flight at shutdown deadline; recovery will resume it")
	}
	queue.Close()

	log.Info().Msg("Server exited")
}

func openRepositories(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*repositories, error) {
	if cfg.Driver == "memory" {
		log.Warn().Msg("Using in-memory storage; ledger state is lost on exit")
		store := memStorage.New()
		return &repositories{
			users:        store.Users(),
			accounts:     store.Accounts(),
			transactions: store.Transactions(),
			giveaways:    store.Giveaways(),
			audit:        store.Audit(),
			transactor:   store.Transactor(),
			close:        func() {},
		}, nil
	}

	if cfg.AutoMigrate {
		if err := pgStorage.RunMigrations(cfg.MigrateURL()); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("Database migrations applied")
	}

	pool, err := pgStorage.NewPool(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	log.Info().Msg("PostgreSQL connected")

	return &repositories{
		users:        pgStorage.NewUserRepo(pool),
		accounts:     pgStorage.NewAccountRepo(pool),
		transactions: pgStorage.NewTransactionRepo(pool),
		giveaways:    pgStorage.NewGiveawayRepo(pool),
		audit:        pgStorage.NewAuditRepo(pool),
		transactor:   pgStorage.NewTransactor(pool),
		health:       []ports.HealthChecker{pgStorage.NewHealthCheck(pool)},
		close:        pool.Close,
	}, nil
}
