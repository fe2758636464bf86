package controller

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"github.com/inkforge/inkforge-orchestrator/http/controller/dto"
	"github.com/inkforge/inkforge-orchestrator/infra/produce"
	"github.com/inkforge/inkforge-orchestrator/orchestrator"
	"github.com/inkforge/inkforge-orchestrator/repository"
	"github.com/inkforge/inkforge-orchestrator/utils"
)

func statusDTO(job *entity.Job) dto.JobStatusDTO {
	return dto.JobStatusDTO{
		ID:       job.ID.String(),
		Status:   string(job.Status),
		Step:     job.Step,
		Progress: job.Progress,
		Message:  job.Message,
		Error:    job.Error,
	}
}

// CreateJob records a new generation job and enqueues it for dispatch.
func (ctrl *Controller) CreateJob(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Unauthorized create request")
		utils.JSON401(c, "Unauthorized: user_id not found")
		return
	}

	var req dto.CreateJobRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to bind JSON: %v", err)
		utils.JSON400(c, "Invalid request payload")
		return
	}

	input, err := json.Marshal(entity.BookRequest{
		Title:    req.Title,
		Genre:    req.Genre,
		Brief:    req.Brief,
		Chapters: req.Chapters,
	})
	if err != nil {
		utils.JSON500(c, "Failed to encode job input")
		return
	}

	job := &entity.Job{
		ID:      uuid.New(),
		OwnerID: userID,
		Status:  entity.JobStatusQueued,
		Message: "queued",
		Input:   input,
	}

	if err := ctrl.Repository.JobRepo.Create(job); err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to create job record")
		utils.JSON500(c, "Failed to create job")
		return
	}

	err = ctrl.Infra.Produce.JobService.PublishJobStart(ctx, produce.JobStartMessage{
		JobID:       job.ID.String(),
		OwnerID:     userID.String(),
		TriggeredBy: "submit",
	})
	if err != nil {
		// The record exists in queued state; the recovery sweep will
		// redeliver it once it passes the stall threshold.
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to publish start message for job %s", job.ID)
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Job] Created job %s for user %s (%d chapters, genre %s)",
		job.ID, userID, req.Chapters, req.Genre)
	utils.JSON200(c, gin.H{
		"message": "Job created successfully",
		"job":     statusDTO(job),
	})
}

// GetJob returns the polled status payload. Reads go through a short
// Redis cache that every checkpoint invalidates.
func (ctrl *Controller) GetJob(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		utils.JSON401(c, "Unauthorized: user_id not found")
		return
	}

	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid job id")
		return
	}

	var cached dto.JobStatusDTO
	cacheKey := orchestrator.StatusCacheKey(jobID)
	if err := ctrl.Infra.Redis.Get(ctx, cacheKey, &cached); err == nil && cached.ID != "" {
		utils.JSON200(c, cached)
		return
	}

	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			utils.JSON404(c, "Job not found")
			return
		}
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to load job %s", jobID)
		utils.JSON500(c, "Failed to load job")
		return
	}

	if job.OwnerID != userID {
		utils.JSON403(c, "Job belongs to another user")
		return
	}

	payload := statusDTO(job)
	ttl := time.Duration(ctrl.Config.EnvConfig.Job.StatusCacheSeconds) * time.Second
	_ = ctrl.Infra.Redis.Set(ctx, cacheKey, payload, ttl)

	utils.JSON200(c, payload)
}

// GetActiveJob returns the owner's newest queued/running job so a
// reloaded client can redirect straight back to its progress view.
// Responds 204 when nothing is in flight.
func (ctrl *Controller) GetActiveJob(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		utils.JSON401(c, "Unauthorized: user_id not found")
		return
	}

	job, err := ctrl.Repository.JobRepo.FindActiveByOwner(userID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			utils.JSON204(c)
			return
		}
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to query active job for user %s", userID)
		utils.JSON500(c, "Failed to query active job")
		return
	}

	utils.JSON200(c, statusDTO(job))
}

// GetManuscript returns the artifact a succeeded job produced.
func (ctrl *Controller) GetManuscript(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		utils.JSON401(c, "Unauthorized: user_id not found")
		return
	}

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
	if job.OwnerID != userID {
		utils.JSON403(c, "Job belongs to another user")
		return
	}
	if job.Status != entity.JobStatusSucceeded || job.ResultRef == nil {
		utils.JSON409(c, "Job has not produced a manuscript yet")
		return
	}

	manuscript, err := ctrl.Repository.ManuscriptRepo.FindByID(*job.ResultRef)
	if err != nil {
		if errors.Is(err, repository.ErrManuscriptNotFound) {
			utils.JSON404(c, "Manuscript not found")
			return
		}
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Job] Failed to load manuscript %s", *job.ResultRef)
		utils.JSON500(c, "Failed to load manuscript")
		return
	}

	utils.JSON200(c, gin.H{"manuscript": manuscript})
}
