package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/settleops/internal/api"
	"github.com/punchamoorthee/settleops/internal/config"
	"github.com/punchamoorthee/settleops/internal/jobs"
	"github.com/punchamoorthee/settleops/internal/loan"
	"github.com/punchamoorthee/settleops/internal/logging"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/scheduler"
	"github.com/punchamoorthee/settleops/internal/service"
	"github.com/punchamoorthee/settleops/internal/settlement"
	"github.com/punchamoorthee/settleops/internal/store"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("SETTLEOPS_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer closeRepo()

	// Initialize Layers
	var sink notify.Sink = notify.LogSink{Logger: logger}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sink = kafkaSink
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	proc := settlement.NewProcessor(repo, policy, sink, logger)
	runner := settlement.NewRunner(repo, proc, settlement.Config{
		PageSize:    cfg.Settlement.PageSize,
		Concurrency: cfg.Settlement.Concurrency,
		PageDelay:   cfg.Settlement.PageDelay,
		LockKey:     cfg.Settlement.LockKey,
		Retry:       policy,
	}, logger)
	loans := loan.NewEngine(repo, sink, loan.Config{
		ChunkSize: cfg.Loan.ChunkSize,
		ExportDir: cfg.Loan.ExportDir,
		Retry:     policy,
	}, logger, time.Now)

	manager := jobs.NewManager(repo, logger, time.Now)
	if err := manager.Recover(ctx, 500); err != nil {
		logger.Warn("job history not recovered", zap.Error(err))
	}

	svcCfg := service.Config{PageSize: cfg.Settlement.PageSize, PreviewSample: cfg.Settlement.PreviewSample, Retry: policy}
	var svc *service.Service
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(repo, func(ctx context.Context) error { return svc.RunScheduled(ctx) },
			cfg.Settlement.DefaultCron, cfg.Scheduler.PollInterval, logger)
		svc = service.New(repo, runner, loans, manager, sched, sink, svcCfg, logger)
	} else {
		svc = service.New(repo, runner, loans, manager, nil, sink, svcCfg, logger)
	}

	go manager.Run(ctx)
	if sched != nil {
		go func() {
			if err := sched.Start(ctx); err != nil {
				logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}

	// Router
	handler := api.NewHandler(svc, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("server starting", zap.String("port", cfg.HTTP.Port), zap.String("driver", cfg.Database.Driver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Repository, func(), error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory store; state is lost on exit")
		return store.NewMemory(time.Now), func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}
	return pg, pg.Close, nil
}
