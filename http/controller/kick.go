package controller

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/repository"
	"github.com/inkforge/inkforge-orchestrator/utils"
)

// KickJob manually resumes a failed or stuck job. Restricted to
// non-production environments unless the caller asserts an operator
// role; manual kicks are not bounded by the auto-resume attempt cap.
func (ctrl *Controller) KickJob(c *gin.Context) {
	ctx := c.Request.Context()

	if ctrl.Config.EnvConfig.Environment.Mode == "production" && c.GetHeader("X-Operator") == "" {
		utils.JSON403(c, "Kick is operator-only in production")
		return
	}

	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid job id")
		return
	}

	result, err := ctrl.Recovery.Kick(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			utils.JSON404(c, "Job not found")
			return
		}
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Kick] Job %s kick errored", jobID)
		utils.JSON500(c, "Kick failed")
		return
	}

	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil {
		utils.JSON500(c, "Failed to load job after kick")
		return
	}

	payload := gin.H{
		"kick": result,
		"job":  statusDTO(job),
	}
	if job.ResultRef != nil {
		if manuscript, err := ctrl.Repository.ManuscriptRepo.FindByID(*job.ResultRef); err == nil {
			payload["manuscript"] = manuscript
		}
	}

	utils.JSON200(c, payload)
}

// ProbeJob is the read-only counterpart of KickJob: the current job and
// linked-resource snapshot, no side effects.
func (ctrl *Controller) ProbeJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid job id")
		return
	}

	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			utils.JSON404(c, "Job not found")
			return
		}
		utils.JSON500(c, "Failed to load job")
		return
	}

	payload := gin.H{"job": job}
	if job.ResultRef != nil {
		if manuscript, err := ctrl.Repository.ManuscriptRepo.FindByID(*job.ResultRef); err == nil {
			payload["manuscript"] = manuscript
		}
	}

	utils.JSON200(c, payload)
}
