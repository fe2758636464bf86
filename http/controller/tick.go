package controller

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/orchestrator"
	"github.com/inkforge/inkforge-orchestrator/repository"
	"github.com/inkforge/inkforge-orchestrator/utils"
)

// TickJob advances one job. Machine-to-machine only (HMAC service
// auth): the dispatcher's consumer loop, the sweep and kick call it.
// A failed pipeline run is a 200 with the failure payload; job failure
// is domain behavior, not a transport error.
func (ctrl *Controller) TickJob(c *gin.Context) {
	ctx := c.Request.Context()

	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid job id")
		return
	}

	opts := orchestrator.TickOptions{
		Resume:      strings.EqualFold(c.GetHeader("X-Resume"), "true"),
		TriggeredBy: c.GetHeader("X-Triggered-By"),
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "manual"
	}

	result, err := ctrl.Tick.Tick(ctx, jobID, opts)
	switch {
	case errors.Is(err, repository.ErrJobNotFound):
		utils.JSON404(c, "Job not found")
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		utils.JSON200(c, gin.H{"message": "Job already succeeded", "result": result})
	case errors.Is(err, orchestrator.ErrBusy):
		utils.JSON409(c, "Job is being executed by another worker")
	case errors.Is(err, orchestrator.ErrLeaseLost):
		utils.JSON409(c, "Job lease expired during execution")
	case errors.Is(err, repository.ErrInvalidTransition):
		utils.JSON409(c, "Job is not in a resumable state")
	case err != nil:
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Tick] Job %s tick errored", jobID)
		utils.JSON500(c, "Tick failed")
	default:
		utils.JSON200(c, gin.H{"result": result})
	}
}
