package main

import (
	"log"
	"time"

	"github.com/inkforge/inkforge-orchestrator/config"
	"github.com/inkforge/inkforge-orchestrator/http/controller"
	routes "github.com/inkforge/inkforge-orchestrator/http/route"
	infraPkg "github.com/inkforge/inkforge-orchestrator/infra"
	"github.com/inkforge/inkforge-orchestrator/orchestrator"
	"github.com/inkforge/inkforge-orchestrator/repository"
	"github.com/joho/godotenv"
)

func main() {
	err := godotenv.Load("staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

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

	recovery := &orchestrator.Recovery{
		Store:                 repo.JobRepo,
		TickHandler:           tick,
		Publisher:             infra.Produce.JobService,
		Logger:                infra.Logger,
		StalledAfter:          time.Duration(cfg.EnvConfig.Job.StalledAfterSeconds) * time.Second,
		SweepInterval:         time.Duration(cfg.EnvConfig.Job.SweepIntervalSeconds) * time.Second,
		MaxAutoResumeAttempts: cfg.EnvConfig.Job.MaxAutoResumeAttempts,
	}

	ctrl := controller.NewController(cfg, infra, repo, tick, recovery)

	router := routes.SetupRouter(ctrl)

	log.Println("HTTP Server started on :8080")
	if err := router.Run(":8080"); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
