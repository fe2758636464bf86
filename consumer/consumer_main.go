package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkforge/inkforge-orchestrator/config"
	"github.com/inkforge/inkforge-orchestrator/consumer/worker"
	infraPkg "github.com/inkforge/inkforge-orchestrator/infra"
	"github.com/inkforge/inkforge-orchestrator/orchestrator"
	"github.com/inkforge/inkforge-orchestrator/repository"
	"github.com/joho/godotenv"
)

func main() {
	err := godotenv.Load("../staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	// Initialize context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := &orchestrator.TickHandler{
		Jobs:    repo.JobRepo,
		Outputs: repo.StepOutputRepo,
		Locker:  &orchestrator.RedisLocker{Redis: infra.Redis},
		Pipeline: &orchestrator.BookPipeline{
			Text:        infra.TextService,
			Image:       infra.ImageService,
			Covers:      infra.ArtifactStore,
			Manuscripts: repo.ManuscriptRepo,
		},
		Logger:    infra.Logger,
		Telemetry: infra.Telemetry,
		Cache:     infra.Redis,
		LeaseTTL:  time.Duration(cfg.EnvConfig.Job.LeaseSeconds) * time.Second,
	}

	// Start Job Consumer
	jobConsumer := worker.NewJobConsumer(infra.RabbitMQ.Channel, infra, repo, tick)
	if err := jobConsumer.Start(ctx); err != nil {
		infra.Logger.ErrorWithContextf(ctx, err, "Failed to start Job consumer: %v", err)
		log.Fatalf("Failed to start Job consumer: %v", err)
	}

	// Start recovery sweep
	recovery := &orchestrator.Recovery{
		Store:                 repo.JobRepo,
		TickHandler:           tick,
		Publisher:             infra.Produce.JobService,
		Logger:                infra.Logger,
		StalledAfter:          time.Duration(cfg.EnvConfig.Job.StalledAfterSeconds) * time.Second,
		SweepInterval:         time.Duration(cfg.EnvConfig.Job.SweepIntervalSeconds) * time.Second,
		MaxAutoResumeAttempts: cfg.EnvConfig.Job.MaxAutoResumeAttempts,
	}
	recovery.StartSweep(ctx)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	infra.Logger.InfoWithContextf(ctx, "Shutting down consumer...")
	recovery.StopSweep()
	cancel() // Cancel context to stop consumers

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	infra.Telemetry.Shutdown(shutdownCtx)
	infra.Logger.Shutdown(shutdownCtx)
	infra.RabbitMQ.Close()

	log.Println("Consumer exited properly")
}
