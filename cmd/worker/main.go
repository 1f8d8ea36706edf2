package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/mojisejr/mimi-vibe-backend/internal/archive"
	"github.com/mojisejr/mimi-vibe-backend/internal/config"
	"github.com/mojisejr/mimi-vibe-backend/internal/provider"
	"github.com/mojisejr/mimi-vibe-backend/internal/queue"
	"github.com/mojisejr/mimi-vibe-backend/internal/store"
	"github.com/mojisejr/mimi-vibe-backend/internal/telemetry"
	workerpool "github.com/mojisejr/mimi-vibe-backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

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
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(redisClient)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var gen provider.Provider
	if cfg.MockLLM {
		log.Printf("MOCK_LLM enabled, readings will use the mock provider")
		gen = provider.NewMockProvider()
	} else {
		gen = provider.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.ProviderTimeout)
	}

	var archiver workerpool.Archiver
	if cfg.ArchiveS3Bucket != "" {
		a, err := archive.NewS3Archiver(ctx, cfg)
		if err != nil {
			log.Fatalf("init archiver: %v", err)
		}
		archiver = a
	}

	pool := workerpool.New(workerpool.Config{
		Count:              cfg.WorkerCount,
		WorkerID:           workerID,
		Lease:              cfg.LeaseDuration,
		Heartbeat:          cfg.HeartbeatInterval,
		PopTimeout:         cfg.PopTimeout,
		ProviderTimeout:    cfg.ProviderTimeout,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		ReaperInterval:     cfg.ReaperInterval,
		RetryOnLeaseExpiry: cfg.RetryOnLeaseExpiry,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
	}, st, q, gen, archiver)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with %d workers lease=%s", workerID, cfg.WorkerCount, cfg.LeaseDuration)
	if err := pool.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
