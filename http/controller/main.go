package controller

import (
	"github.com/inkforge/inkforge-orchestrator/config"
	"github.com/inkforge/inkforge-orchestrator/infra"
	"github.com/inkforge/inkforge-orchestrator/orchestrator"
	"github.com/inkforge/inkforge-orchestrator/repository"
)

type Controller struct {
	Config     *config.Config
	Infra      *infra.Infra
	Repository *repository.Repository
	Tick       *orchestrator.TickHandler
	Recovery   *orchestrator.Recovery
}

func NewController(config *config.Config, infra *infra.Infra, repo *repository.Repository, tick *orchestrator.TickHandler, recovery *orchestrator.Recovery) *Controller {
	if repo == nil {
		panic("Failed to initialize Repository")
	}
	if tick == nil || recovery == nil {
		panic("Failed to initialize orchestration handlers")
	}
	return &Controller{
		Config:     config,
		Infra:      infra,
		Repository: repo,
		Tick:       tick,
		Recovery:   recovery,
	}
}
