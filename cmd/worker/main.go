package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fleet-rollout/internal/campaign"
	"fleet-rollout/internal/config"
	"fleet-rollout/internal/directory"
	"fleet-rollout/internal/gateway"
	"fleet-rollout/internal/queue"
	"fleet-rollout/internal/registry"
	"fleet-rollout/internal/rollout"
	"fleet-rollout/internal/store"
	"fleet-rollout/internal/telemetry"
	workerproc "fleet-rollout/internal/worker"
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

	q := queue.NewRedisQueue(cfg)

	reg := buildRegistry(ctx, cfg)
	dir := directory.NewHTTPDirectory(cfg.DirectoryBaseURL, 0)
	gw := gateway.NewHTTPGateway(cfg.GatewayBaseURL, 0)

	machine := rollout.NewMachine(st, gw, dir, reg, cfg.Policies)
	machine.LivenessWindow = cfg.LivenessWindow

	coord := campaign.New(st, q, reg, dir)
	coord.CheckpointEvery = cfg.CheckpointEvery
	coord.DevicesPerHour = cfg.DevicesPerHour
	coord.IdempotencyTTL = cfg.IdempotencyTTL

	processor := workerproc.NewProcessor(cfg, q, st, machine, coord)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("rollout worker started with concurrency=%d visibility=%s", cfg.WorkerConcurrency, cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
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
