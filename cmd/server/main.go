package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"anypay.backend/internal/config"
	"anypay.backend/internal/domain/entities"
	"anypay.backend/internal/infrastructure/blockchain"
	"anypay.backend/internal/infrastructure/bridge"
	"anypay.backend/internal/infrastructure/datasources/postgres"
	"anypay.backend/internal/infrastructure/jobs"
	"anypay.backend/internal/infrastructure/models"
	"anypay.backend/internal/infrastructure/registry"
	"anypay.backend/internal/infrastructure/repositories"
	"anypay.backend/internal/interfaces/http/handlers"
	"anypay.backend/internal/usecases"
	"anypay.backend/pkg/jwt"
	"anypay.backend/pkg/logger"
	"anypay.backend/pkg/redis"
)

var (
	loadDotenv   = godotenv.Load
	loadCfg      = config.Load
	initLog      = logger.Init
	initRedis    = redis.Init
	loadRegistry = registry.Load
	openDB       = func(cfg config.DatabaseConfig) (*gorm.DB, error) {
		sqlDB, err := postgres.NewConnection(cfg)
		if err != nil {
			return nil, err
		}
		return postgres.OpenGorm(sqlDB)
	}
	migrateDB = func(db *gorm.DB) error { return db.AutoMigrate(models.All()...) }
	runServer = func(srv *http.Server) error { return srv.ListenAndServe() }
	signals   = func() <-chan os.Signal {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		return quit
	}
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := runMainProcess(); err != nil {
		log.Fatal(err)
	}
}

func runMainProcess() error {
	if err := loadDotenv(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := loadCfg()

	initLog(cfg.Server.Env)
	ctx := context.Background()
	logger.Info(ctx, "Logger initialized", zap.String("env", cfg.Server.Env))

	if err := initRedis(cfg.Redis.URL, cfg.Redis.PASSWORD); err != nil {
		logger.Error(ctx, "Failed to initialize Redis", zap.Error(err))
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer func() { _ = redis.Close() }()
	logger.Info(ctx, "Redis initialized")

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	chains, err := loadRegistry(registry.Options{
		Path:                cfg.Settlement.RegistryPath,
		SettlementChainID:   cfg.Settlement.SettlementChainID,
		RPCURLs:             cfg.Settlement.RPCURLs,
		SettlementContracts: cfg.Settlement.SettlementContracts,
		OffRamps:            cfg.Settlement.OffRamps,
	})
	if err != nil {
		return fmt.Errorf("failed to load chain registry: %w", err)
	}
	logger.Info(ctx, "Chain registry loaded",
		zap.Int("chains", len(chains.Chains())),
		zap.Uint64("settlementChainId", chains.SettlementChainID()),
	)

	db, err := openDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get generic database object: %w", err)
	}
	defer sqlDB.Close()

	if err := migrateDB(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info(ctx, "Connected to PostgreSQL via GORM")

	jwtService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)

	// Chain access
	clientFactory := blockchain.NewClientFactory()
	defer clientFactory.Close()
	clients := usecases.NewChainClients(chains, clientFactory)

	statusSource := bridge.NewFallback().
		Add("explorer", bridge.NewExplorerSource(cfg.Bridge.ExplorerBaseURL, &http.Client{Timeout: cfg.Settlement.BridgeTimeout})).
		Add("offramp", bridge.NewOffRampSource(chains, func(chain entities.ChainInfo) (bridge.LogFilterer, error) {
			client, err := clientFactory.ForChain(chain)
			if err != nil {
				return nil, err
			}
			return client, nil
		}, cfg.Bridge.OffRampLookback))

	// Ledger
	var locker usecases.DebtLocker
	if cfg.Redis.UseLeaseLocks {
		locker = redis.NewLeaseLocker(redis.GetClient(), "lock:debt:", cfg.Redis.LeaseTTL, 0)
	}
	ledger := usecases.NewSettlementLedger(
		repositories.NewDebtRepository(db),
		repositories.NewSettlementAttemptRepository(db),
		repositories.NewUnitOfWork(db),
		locker,
	)

	verifier := usecases.NewBalanceVerifier(chains, clients, cfg.Settlement.RPCTimeout)
	builder := usecases.NewIntentBuilder(chains, clients, cfg.Settlement.RPCTimeout)
	coordinator := usecases.NewSettlementCoordinator(ledger, verifier, builder, chains, clients, usecases.CoordinatorConfig{
		ConfirmationDepth: cfg.Settlement.ConfirmationDepth,
		RPCTimeout:        cfg.Settlement.RPCTimeout,
		MaxAttemptAge:     cfg.Settlement.MaxAttemptAge,
		Concurrency:       cfg.Settlement.PollConcurrency,
		BatchSize:         cfg.Settlement.SweepLimit,
	})
	reconciler := usecases.NewBridgeReconciler(ledger, coordinator, statusSource, chains, clients, usecases.ReconcilerConfig{
		BridgeTimeout:  cfg.Settlement.BridgeTimeout,
		InitialBackoff: cfg.Settlement.BackoffInitial,
		MaxBackoff:     cfg.Settlement.BackoffMax,
		MaxAttemptAge:  cfg.Settlement.MaxAttemptAge,
		Concurrency:    cfg.Settlement.PollConcurrency,
		BatchSize:      cfg.Settlement.SweepLimit,
	})

	// Background jobs
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	sweeps := []*jobs.SweepJob{
		jobs.NewBridgeReconcileJob(reconciler, cfg.Settlement.ReconcileInterval),
		jobs.NewDirectTransferJob(coordinator, cfg.Settlement.DirectConfirmInterval),
	}
	var wg sync.WaitGroup
	for _, job := range sweeps {
		wg.Add(1)
		go func(j *jobs.SweepJob) {
			defer wg.Done()
			j.Start(jobCtx)
		}(job)
	}
	stopJobs := func() {
		for _, job := range sweeps {
			job.Stop()
		}
		cancelJobs()
		wg.Wait()
	}
	defer stopJobs()

	r := newRouter(cfg, routeDeps{
		chainHandler:      handlers.NewChainHandler(chains),
		balanceHandler:    handlers.NewBalanceHandler(verifier),
		debtHandler:       handlers.NewDebtHandler(ledger),
		settlementHandler: handlers.NewSettlementHandler(coordinator),
		webhookHandler:    handlers.NewWebhookHandler(reconciler, coordinator),
		healthHandler: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": sqlDB.PingContext,
			"redis":    pingRedis,
		}),
		jwtService: jwtService,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := signals()
	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "AnyPay settlement backend starting", zap.String("port", cfg.Server.Port))
		serveErr <- runServer(srv)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info(ctx, "Shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func pingRedis(ctx context.Context) error {
	c := redis.GetClient()
	if c == nil {
		return errors.New("redis client not initialized")
	}
	return c.Ping(ctx).Err()
}
