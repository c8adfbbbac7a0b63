package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "fleet-rollout/internal/api"
	"fleet-rollout/internal/campaign"
	"fleet-rollout/internal/config"
	"fleet-rollout/internal/directory"
	"fleet-rollout/internal/queue"
	"fleet-rollout/internal/ratelimit"
	"fleet-rollout/internal/registry"
	"fleet-rollout/internal/store"
)

func main() {
	cfg := config.Load()
	if cfg.PolicyFile != "" {
		if err := cfg.LoadPolicyFile(cfg.PolicyFile); err != nil {
			log.Fatalf("rollout policy file: %v", err)
		}
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

	q := queue.NewRedisQueue(cfg)
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	reg := buildRegistry(ctx, cfg)
	dir := directory.NewHTTPDirectory(cfg.DirectoryBaseURL, 0)

	coord := campaign.New(st, q, reg, dir)
	coord.CheckpointEvery = cfg.CheckpointEvery
	coord.DevicesPerHour = cfg.DevicesPerHour
	coord.IdempotencyTTL = cfg.IdempotencyTTL

	server := api.New(cfg, coord, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("control api listening on :%s", cfg.HTTPPort)
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

func buildRegistry(ctx context.Context, cfg config.Config) registry.FirmwareRegistry {
	if cfg.FirmwareBucket != "" {
		reg, err := registry.NewS3Registry(ctx, cfg)
		if err != nil {
			log.Fatalf("init firmware registry: %v", err)
		}
		return reg
	}
	log.Printf("no firmware bucket configured, using empty static registry")
	return registry.NewStaticRegistry()
}
