package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/orchestrator"
	"tenant-orchestrator/internal/provisioner"
	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/store"
	"tenant-orchestrator/internal/telemetry"
	"tenant-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, cfg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	// The real provisioner is an external collaborator; the in-memory
	// adapter stands in for local runs.
	prov := provisioner.NewInMemory()

	orch := orchestrator.New(cfg, st, q, log)
	pool := worker.New(cfg, q, st, orch, prov, log, workerID)
	sweeper := orchestrator.NewSweeper(orch, prov)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("sweeper stopped", zap.Error(err))
		}
	}()

	log.Info("worker pool started",
		zap.String("worker_id", workerID),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("job_budget", cfg.JobBudget))
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker pool stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var zcfg zap.Config
	if cfg.Env == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zcfg.Level = lvl
	}
	log, err := zcfg.Build(zap.Fields(zap.String("service", "worker")))
	if err != nil {
		panic(err)
	}
	return log
}
