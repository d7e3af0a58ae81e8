package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/adapter/chain/avalanche"
	"github.com/tiltvault/tiltvault-cloud/internal/adapter/repository/postgres"
	"github.com/tiltvault/tiltvault-cloud/internal/api"
	"github.com/tiltvault/tiltvault-cloud/internal/config"
	"github.com/tiltvault/tiltvault-cloud/internal/domain/chain"
	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
	"github.com/tiltvault/tiltvault-cloud/internal/executor"
	"github.com/tiltvault/tiltvault-cloud/internal/idempotency"
	"github.com/tiltvault/tiltvault-cloud/internal/queue"
	"github.com/tiltvault/tiltvault-cloud/internal/ratelimit"
	"github.com/tiltvault/tiltvault-cloud/internal/recovery"
	"github.com/tiltvault/tiltvault-cloud/internal/webhook"
	"github.com/tiltvault/tiltvault-cloud/internal/worker"
	"github.com/tiltvault/tiltvault-cloud/pkg/db"
	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
	zaplog "github.com/tiltvault/tiltvault-cloud/pkg/log"
	"github.com/tiltvault/tiltvault-cloud/pkg/snowflake"
	"github.com/tiltvault/tiltvault-cloud/sql/migrations"
)

// RunServer starts the HTTP server and background workers.
func RunServer() {
	app := fx.New(
		fx.Provide(
			// Config
			config.Load,

			// Chain adapter
			fx.Annotate(
				newChainClient,
				fx.As(new(chain.Actions)),
			),

			// Persistence (Bind Interfaces)
			fx.Annotate(
				postgres.NewRepository,
				fx.As(new(position.Repository)),
			),

			// Pipeline components
			newValidator,
			newRateLimiter,
			idempotency.NewStore,
			queue.New,
			newAdmission,
			newExecutor,
			newWorker,
			newRecovery,

			// API
			api.NewRouter,
		),
		db.Module,        // Database Module
		kv.Module,        // Coordination store Module
		snowflake.Module, // Snowflake ID Module
		zaplog.Module,    // Logger Module
		fx.Invoke(registerHooks),
	)

	app.Run()
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	if command == "" {
		command = "up"
	}

	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting database migration...", zap.String("command", command))

	dbURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBSSLMode,
	)

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migration files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch command {
	case "up":
		err := m.Up()
		if err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration up failed: %w", err)
		}
		if err == migrate.ErrNoChange {
			logger.Info("No changes to apply")
		} else {
			logger.Info("Migration up applied successfully")
		}
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration down failed: %w", err)
		}
		logger.Info("Migration down applied successfully")
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}

	return nil
}

func registerHooks(lc fx.Lifecycle, router *api.Router, w *worker.Worker, recoverySvc *recovery.Service, cfg *config.Config, logger *zap.Logger) {
	var workerCancel context.CancelFunc
	var recoveryCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Port))

			workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			workerCancel = cancel
			go w.Run(workerCtx)

			recoveryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			recoveryCancel = cancel
			go recoverySvc.Run(recoveryCtx, cfg.RecoveryInterval)

			go func() {
				if err := router.Run(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed to start", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server gracefully...")

			if recoveryCancel != nil {
				recoveryCancel()
			}
			if workerCancel != nil {
				workerCancel()
			}
			w.Stop()

			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := router.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		},
	})
}

func newChainClient(cfg *config.Config, store kv.Store, logger *zap.Logger) *avalanche.Client {
	return avalanche.New(avalanche.Config{
		ReadURL:         cfg.ChainRPCURL,
		SignerURL:       cfg.SignerRPCURL,
		SignerAuthToken: cfg.SignerAuthToken,
		ChainID:         cfg.ChainID,
		HubWallet:       cfg.HubWalletAddress,
		ReadTimeout:     cfg.RPCReadTimeout,
		RetryCount:      3,
		RetryDelay:      2 * time.Second,
		ReadRPS:         20,
		ReadBurst:       5,
	}, store, logger)
}

func newValidator(cfg *config.Config, logger *zap.Logger) *webhook.Validator {
	return webhook.NewValidator(
		cfg.SquareWebhookSecret,
		cfg.SquareNotificationURL,
		cfg.SquareSignatureBypass,
		logger,
	)
}

func newRateLimiter(cfg *config.Config, store kv.Store, logger *zap.Logger) *ratelimit.Limiter {
	return ratelimit.NewLimiter(store, ratelimit.Config{
		GlobalViolationLimit: cfg.GlobalViolationLimit,
		TighteningFactor:     cfg.TighteningFactor,
		FactorTightening:     cfg.FactorTightening,
		TighteningWindow:     cfg.TighteningWindow,
		HourlyCentsPerIP:     cfg.HourlyCentsPerIP,
		DailyCentsPerIP:      cfg.DailyCentsPerIP,
	}, logger)
}

func newAdmission(
	validator *webhook.Validator,
	limiter *ratelimit.Limiter,
	idem *idempotency.Store,
	q *queue.Queue,
	store kv.Store,
	ids *snowflake.Node,
	cfg *config.Config,
	logger *zap.Logger,
) *webhook.Admission {
	return webhook.NewAdmission(validator, limiter, idem, q, store, ids, webhook.AdmissionConfig{
		WebhookPerMinute: cfg.WebhookPerMinute,
		SignatureTTL:     cfg.SignatureReplayTTL,
		PendingOrderTTL:  cfg.PendingOrderTTL,
		JobMaxAttempts:   cfg.JobMaxAttempts,
	}, logger)
}

func newExecutor(repo position.Repository, actions chain.Actions, cfg *config.Config, logger *zap.Logger) *executor.StrategyExecutor {
	return executor.New(repo, actions, executor.StrategyConfig{
		HubWallet:       cfg.HubWalletAddress,
		USDCAddress:     cfg.USDCAddress,
		AavePool:        cfg.AavePoolAddress,
		GMXRouter:       cfg.GMXRouterAddress,
		MorphoVaultA:    cfg.MorphoVaultA,
		MorphoVaultB:    cfg.MorphoVaultB,
		ERGCToken:       cfg.ERGCTokenAddress,
		Treasury:        cfg.TreasuryAddress,
		GasTopUpWei:     big.NewInt(cfg.GasTopUpWei),
		GasPriceCeiling: big.NewInt(cfg.GasPriceCeilingWei),
		GMXLeverageX10:  cfg.GMXLeverageX10,
		GMXExecutionFee: big.NewInt(cfg.GMXExecutionFeeWei),
		ERGCFeeUnits:    big.NewInt(cfg.ERGCFeeUnits),
		SplitPercentA:   cfg.SplitVaultAPercent,
		SplitPercentB:   cfg.SplitVaultBPercent,
		ConfirmTimeout:  cfg.ConfirmTimeout,
	}, logger)
}

func newWorker(q *queue.Queue, idem *idempotency.Store, exec *executor.StrategyExecutor, cfg *config.Config, logger *zap.Logger) *worker.Worker {
	return worker.New(q, idem, exec, worker.Config{
		PollInterval:    cfg.WorkerPollInterval,
		BatchSize:       cfg.WorkerBatchSize,
		LockTTL:         cfg.PaymentLockTTL,
		ProcessedTTL:    cfg.ProcessedTTL,
		QueueDepthAlert: cfg.QueueDepthAlert,
		DeadLetterAlert: cfg.DeadLetterAlert,
	}, logger)
}

func newRecovery(repo position.Repository, actions chain.Actions, cfg *config.Config, logger *zap.Logger) *recovery.Service {
	return recovery.New(repo, actions, recovery.Config{
		RefundCooldown:          cfg.RefundCooldown,
		ScanBatch:               100,
		DiscrepancySample:       cfg.DiscrepancySample,
		DiscrepancyToleranceBps: cfg.DiscrepancyTolBps,
		HubWallet:               cfg.HubWalletAddress,
		USDCAddress:             cfg.USDCAddress,
		AUSDCAddress:            cfg.AaveAUSDCAddress,
		GasPriceCeiling:         big.NewInt(cfg.GasPriceCeilingWei),
		ConfirmTimeout:          cfg.ConfirmTimeout,
		GMXLeverageX10:          cfg.GMXLeverageX10,
		SplitPercentA:           cfg.SplitVaultAPercent,
	}, logger)
}
