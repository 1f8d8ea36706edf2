package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mojisejr/mimi-vibe-backend/internal/admission"
	"github.com/mojisejr/mimi-vibe-backend/internal/api"
	"github.com/mojisejr/mimi-vibe-backend/internal/config"
	"github.com/mojisejr/mimi-vibe-backend/internal/payments"
	"github.com/mojisejr/mimi-vibe-backend/internal/queue"
	"github.com/mojisejr/mimi-vibe-backend/internal/ratelimit"
	"github.com/mojisejr/mimi-vibe-backend/internal/store"
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
		signal.Notify(ch, os.Interrupt)
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
	limiter := ratelimit.NewFixedWindow(redisClient, cfg.RateLimitWindow, cfg.RateLimitMax)

	adm := admission.New(admission.Config{
		ReadingCost:    cfg.ReadingCostStars,
		AllowCoinSpend: cfg.AllowCoinSpend,
		MaxAttempts:    cfg.MaxAttempts,
	}, st, q, limiter)
	settler := payments.NewSettler(st)

	server := api.New(cfg, st, adm, settler)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
