package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/collab"
	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/health"
	"github.com/safar/marketplace-core/internal/ledger"
	"github.com/safar/marketplace-core/internal/orders"
	"github.com/safar/marketplace-core/internal/returns"
	"github.com/safar/marketplace-core/internal/scheduler"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	notifier := &collab.LogNotifier{Logger: logger}
	healthEngine := health.NewEngine(db, cfg.Health.WindowDays, cfg.Health.EnforcementWindow, notifier, logger)
	orderStore := orders.NewStore(db, healthEngine, cfg.Returns.PromisedShipOffset)
	returnsEngine := returns.NewEngine(db, orderStore, healthEngine,
		collab.DefaultFeeSchedule(), &collab.LogLabelService{Logger: logger}, notifier,
		logger, cfg.Returns)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := scheduler.New(logger,
		scheduler.Job{
			Name:     "reservation-expiry",
			Interval: cfg.Ledger.SweepInterval,
			Run: func(ctx context.Context) (int, error) {
				return ledger.ReleaseExpiredReservations(ctx, db)
			},
		},
		scheduler.Job{
			Name:     "return-auto-approval",
			Interval: cfg.Returns.DeadlineScan,
			Run:      returnsEngine.AutoApproveOverdue,
		},
		scheduler.Job{
			Name:     "return-auto-inspection",
			Interval: cfg.Returns.DeadlineScan,
			Run:      returnsEngine.AutoInspectOverdue,
		},
		scheduler.Job{
			Name:     "return-escalation",
			Interval: cfg.Returns.DeadlineScan,
			Run:      returnsEngine.EscalateStale,
		},
		scheduler.Job{
			Name:     "health-recompute",
			Interval: cfg.Health.RecomputeInterval,
			Run: func(ctx context.Context) (int, error) {
				return healthEngine.RecomputeAll(ctx, 2*cfg.Health.RecomputeInterval)
			},
		},
	)
	scanner.Start(ctx)

	srv := &server{
		db:      db,
		cfg:     cfg,
		health:  healthEngine,
		orders:  orderStore,
		returns: returnsEngine,
		logger:  logger,
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	scanner.Wait()
}
