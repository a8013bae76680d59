package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/Custodia-Network/treasury_core/internal/api"
	"github.com/Custodia-Network/treasury_core/internal/auth"
	"github.com/Custodia-Network/treasury_core/internal/chain"
	"github.com/Custodia-Network/treasury_core/internal/classifier"
	"github.com/Custodia-Network/treasury_core/internal/clock"
	"github.com/Custodia-Network/treasury_core/internal/config"
	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/logger"
	"github.com/Custodia-Network/treasury_core/internal/metrics"
	"github.com/Custodia-Network/treasury_core/internal/reconciler"
	"github.com/Custodia-Network/treasury_core/internal/workflow"
)

// Provider clients are deployment-specific and injected here. The maps
// ship empty; a deployment registers its chain adapters before building
// the engines.
var (
	syncProviders   = map[string]chain.SyncReconciliationProvider{}
	asyncProviders  = map[string]chain.AsyncReconciliationProvider{}
	broadcaster     workflow.Broadcaster
	tokenClassifier chain.TokenClassifier
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "json").WithError(err).Fatal("failed to load configuration")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	mainLog := logger.ForService(log, "treasuryd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := database.Connect(connectCtx, database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	cancel()
	if err != nil {
		mainLog.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(db, logger.ForService(log, "migrations")); err != nil {
			mainLog.WithError(err).Fatal("failed to migrate database")
		}
	}

	m := metrics.New()
	sysClock := clock.System{}

	jobRepo := database.NewReconciliationRepository(db)
	txRepo := database.NewTransactionRepository(db)
	addressRepo := database.NewAddressRepository(db)
	tokenRepo := database.NewTokenRepository(db)
	workflowRepo := database.NewWorkflowRepository(db)
	permissions := auth.NewResolver(database.NewRBACRepository(db))

	recEngine, err := reconciler.New(reconciler.Config{
		Jobs:           jobRepo,
		Transactions:   txRepo,
		Addresses:      addressRepo,
		SyncProviders:  syncProviders,
		AsyncProviders: asyncProviders,
		Clock:          sysClock,
		Logger:         logger.ForService(log, "reconciler"),
		Metrics:        m,
		Options: reconciler.Options{
			Workers:          cfg.Reconciler.Workers,
			ClaimInterval:    cfg.Reconciler.ClaimInterval,
			StaleThreshold:   cfg.Reconciler.StaleThreshold,
			SweepInterval:    cfg.Reconciler.SweepInterval,
			MaxErrors:        cfg.Reconciler.MaxErrors,
			RetryBackoffBase: cfg.Reconciler.RetryBackoffBase,
			RetryBackoffMax:  cfg.Reconciler.RetryBackoffMax,
			AsyncJobTimeout:  cfg.Reconciler.AsyncJobTimeout,
			PageDeadline:     cfg.Reconciler.PageDeadline,
			RateLimit:        cfg.Reconciler.RateLimit,
			RateBurst:        cfg.Reconciler.RateBurst,
		},
	})
	if err != nil {
		mainLog.WithError(err).Fatal("failed to build reconciliation engine")
	}

	wfEngine, err := workflow.New(workflow.Config{
		Store:                workflowRepo,
		Broadcaster:          broadcaster,
		Clock:                sysClock,
		Logger:               logger.ForService(log, "workflow"),
		Metrics:              m,
		MaxBroadcastAttempts: cfg.Workflow.MaxBroadcastAttempts,
	})
	if err != nil {
		mainLog.WithError(err).Fatal("failed to build workflow engine")
	}

	var classWorker *classifier.Worker
	if tokenClassifier != nil {
		classWorker, err = classifier.New(classifier.Config{
			Tokens:      tokenRepo,
			Classifier:  tokenClassifier,
			Clock:       sysClock,
			Logger:      logger.ForService(log, "classifier"),
			Metrics:     m,
			Schedule:    cfg.Classifier.Schedule,
			BatchSize:   cfg.Classifier.BatchSize,
			MaxAttempts: cfg.Classifier.MaxAttempts,
		})
		if err != nil {
			mainLog.WithError(err).Fatal("failed to build classification worker")
		}
	} else {
		mainLog.Warn("no token classifier configured, classification worker disabled")
	}

	server, err := api.New(api.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Reconciler:      recEngine,
		Workflows:       wfEngine,
		Transactions:    txRepo,
		Permissions:     permissions,
		DB:              db,
		Logger:          logger.ForService(log, "http"),
		Metrics:         m,
	})
	if err != nil {
		mainLog.WithError(err).Fatal("failed to build http server")
	}

	if err := recEngine.Start(ctx); err != nil {
		mainLog.WithError(err).Fatal("failed to start reconciliation workers")
	}
	if classWorker != nil {
		if err := classWorker.Start(ctx); err != nil {
			mainLog.WithError(err).Fatal("failed to start classification worker")
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		mainLog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			mainLog.WithError(err).Error("http server failed")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.WithError(err).Error("http shutdown failed")
	}
	if classWorker != nil {
		classWorker.Stop()
	}
	if err := recEngine.Shutdown(15 * time.Second); err != nil {
		mainLog.WithError(err).Error("reconciler shutdown failed")
	}
	mainLog.Info("treasuryd stopped")
}
