package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"gorm.io/gorm"
)

var (
	// ErrJobNotFound is returned for an unknown job id. Callers must treat
	// it as a hard failure, never as "nothing to do".
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a state change is attempted
	// that the job state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrProgressRegression is returned when a checkpoint carries lower
	// progress than already stored. That is a logic error in the caller,
	// not a condition to apply silently.
	ErrProgressRegression = errors.New("checkpoint would regress progress")
)

// JobRepository is the job record store. All mutations are single-row
// guarded updates; per-job atomicity comes from the database, not from
// any cross-job transaction.
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(job *entity.Job) error {
	return r.db.Create(job).Error
}

func (r *JobRepository) FindByID(id uuid.UUID) (*entity.Job, error) {
	var job entity.Job
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// FindActiveByOwner returns the newest queued/running job for an owner,
// or ErrJobNotFound. This powers the client auto-resume redirect.
func (r *JobRepository) FindActiveByOwner(ownerID uuid.UUID) (*entity.Job, error) {
	var job entity.Job
	err := r.db.
		Where("owner_id = ? AND status IN ?", ownerID, []entity.JobStatus{entity.JobStatusQueued, entity.JobStatusRunning}).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// MarkRunning moves a queued or running job into running. Succeeded and
// failed jobs are not eligible; failed jobs go through ResetForResume.
func (r *JobRepository) MarkRunning(id uuid.UUID) error {
	res := r.db.Model(&entity.Job{}).
		Where("id = ? AND status IN ?", id, []entity.JobStatus{entity.JobStatusQueued, entity.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status": entity.JobStatusRunning,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.classifyMiss(id)
	}
	return nil
}

// Checkpoint overwrites step/progress/message and bumps updated_at. A
// checkpoint with lower progress than stored is rejected; progress only
// moves forward while the job is not failed.
func (r *JobRepository) Checkpoint(id uuid.UUID, step string, progress int, message string) error {
	res := r.db.Model(&entity.Job{}).
		Where("id = ? AND progress <= ?", id, progress).
		Updates(map[string]interface{}{
			"step":     step,
			"progress": progress,
			"message":  message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := r.exists(id); err != nil {
			return err
		}
		return ErrProgressRegression
	}
	return nil
}

// MarkSucceeded is the only transition that sets progress to 100.
func (r *JobRepository) MarkSucceeded(id uuid.UUID, resultRef uuid.UUID) error {
	res := r.db.Model(&entity.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     entity.JobStatusSucceeded,
			"progress":   100,
			"message":    "completed",
			"error":      nil,
			"result_ref": resultRef,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) MarkFailed(id uuid.UUID, errText string) error {
	res := r.db.Model(&entity.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  entity.JobStatusFailed,
			"message": "failed",
			"error":   errText,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ResetForResume revives a failed job: status back to running with the
// error cleared. Any other current status is an invalid transition.
func (r *JobRepository) ResetForResume(id uuid.UUID) (*entity.Job, error) {
	res := r.db.Model(&entity.Job{}).
		Where("id = ? AND status = ?", id, entity.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":  entity.JobStatusRunning,
			"message": "resuming",
			"error":   nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if err := r.exists(id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return r.FindByID(id)
}

// IncrementAutoResumeAttempts bumps the automatic-recovery counter.
// Manual kicks do not call this; only the sweep does.
func (r *JobRepository) IncrementAutoResumeAttempts(id uuid.UUID) error {
	res := r.db.Model(&entity.Job{}).
		Where("id = ?", id).
		Update("auto_resume_attempts", gorm.Expr("auto_resume_attempts + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FindStalled returns queued/running jobs with no checkpoint since the
// cutoff and automatic attempts left. These are lease-expired candidates
// for redelivery.
func (r *JobRepository) FindStalled(cutoff time.Time, maxAttempts int) ([]entity.Job, error) {
	var jobs []entity.Job
	err := r.db.
		Where("status IN ? AND updated_at < ? AND auto_resume_attempts < ?",
			[]entity.JobStatus{entity.JobStatusQueued, entity.JobStatusRunning}, cutoff, maxAttempts).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindAutoResumable returns failed jobs still under the automatic retry
// cap. Jobs at the cap stay failed until a manual kick.
func (r *JobRepository) FindAutoResumable(maxAttempts int) ([]entity.Job, error) {
	var jobs []entity.Job
	err := r.db.
		Where("status = ? AND auto_resume_attempts < ?", entity.JobStatusFailed, maxAttempts).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepository) exists(id uuid.UUID) error {
	var count int64
	if err := r.db.Model(&entity.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) classifyMiss(id uuid.UUID) error {
	if err := r.exists(id); err != nil {
		return err
	}
	return ErrInvalidTransition
}
