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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/mietwerk/mietwerk/internal/app"
	"github.com/mietwerk/mietwerk/internal/audit"
	"github.com/mietwerk/mietwerk/internal/ledger"
	"github.com/mietwerk/mietwerk/internal/observability"
	"github.com/mietwerk/mietwerk/internal/platform/cache"
	"github.com/mietwerk/mietwerk/internal/platform/db"
	"github.com/mietwerk/mietwerk/internal/portfolio"
	"github.com/mietwerk/mietwerk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	metrics := observability.NewMetrics()
	recorder := audit.NewRecorder()
	resolver := portfolio.NewResolver()

	repo := ledger.NewRepository(pool, recorder, resolver, ledger.OCCSettings{
		MaxRetries: cfg.OCCMaxRetries,
		RetryDelay: cfg.OCCRetryDelay,
	})

	var balanceCache *ledger.BalanceCache
	if redisClient != nil {
		balanceCache = ledger.NewBalanceCache(redisClient, cfg.BalanceCacheTTL)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	enqueuer := jobs.NewEnqueuer(redisOpts)
	defer func() {
		if err := enqueuer.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	engine := ledger.NewEngine(metrics)
	service := ledger.NewService(repo, engine, enqueuer, balanceCache, metrics, logger)

	auditService := audit.NewService(audit.NewPgRepository(pool))
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledger.NewHandler(logger, service),
		AuditHandler:  audit.NewHandler(logger, auditService),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Pool:          pool,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
