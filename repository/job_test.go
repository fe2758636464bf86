package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection so every session sees the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&entity.Job{}, &entity.Manuscript{}, &entity.StepOutput{}))
	return db
}

func seedJob(t *testing.T, db *gorm.DB, mutate func(*entity.Job)) *entity.Job {
	t.Helper()
	job := &entity.Job{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Status:  entity.JobStatusQueued,
		Message: "queued",
		Input:   datatypes.JSON(`{"title":"T","genre":"fantasy","chapters":3}`),
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func backdate(t *testing.T, db *gorm.DB, id uuid.UUID, to time.Time) {
	t.Helper()
	// UpdateColumn skips the autoUpdateTime hook.
	require.NoError(t, db.Model(&entity.Job{}).Where("id = ?", id).
		UpdateColumn("updated_at", to).Error)
}

func TestJobCheckpointAdvancesAndRejectsRegression(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	job := seedJob(t, db, nil)

	require.NoError(t, repo.Checkpoint(job.ID, "outline", 16, "drafting the outline"))
	require.NoError(t, repo.Checkpoint(job.ID, "characters", 33, "developing characters"))

	// Replaying the same progress is allowed; a checkpoint is overwritten,
	// never rolled back.
	require.NoError(t, repo.Checkpoint(job.ID, "characters", 33, "developing characters"))

	err := repo.Checkpoint(job.ID, "outline", 16, "drafting the outline")
	assert.ErrorIs(t, err, ErrProgressRegression)

	stored, err := repo.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "characters", stored.Step)
	assert.Equal(t, 33, stored.Progress)
}

func TestJobCheckpointUnknownJob(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)

	err := repo.Checkpoint(uuid.New(), "outline", 16, "drafting the outline")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobMarkRunningTransitions(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)

	queued := seedJob(t, db, nil)
	require.NoError(t, repo.MarkRunning(queued.ID))
	// running -> running is a legal self-loop for redelivered ticks.
	require.NoError(t, repo.MarkRunning(queued.ID))

	succeeded := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusSucceeded
		j.Progress = 100
	})
	assert.ErrorIs(t, repo.MarkRunning(succeeded.ID), ErrInvalidTransition)

	assert.ErrorIs(t, repo.MarkRunning(uuid.New()), ErrJobNotFound)
}

func TestJobMarkSucceededSetsTerminalState(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	errText := "previous failure"
	job := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusRunning
		j.Step = "finalize"
		j.Progress = 99
		j.Error = &errText
	})

	ref := uuid.New()
	require.NoError(t, repo.MarkSucceeded(job.ID, ref))

	stored, err := repo.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusSucceeded, stored.Status)
	assert.Equal(t, 100, stored.Progress, "only MarkSucceeded writes 100")
	assert.Equal(t, "completed", stored.Message)
	assert.Nil(t, stored.Error)
	require.NotNil(t, stored.ResultRef)
	assert.Equal(t, ref, *stored.ResultRef)
}

func TestJobResetForResume(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	errText := `step "polish" failed: provider exploded`
	failed := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusFailed
		j.Step = "chapter-draft-1"
		j.Progress = 50
		j.Error = &errText
	})

	job, err := repo.ResetForResume(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusRunning, job.Status)
	assert.Equal(t, "resuming", job.Message)
	assert.Nil(t, job.Error)
	assert.Equal(t, "chapter-draft-1", job.Step, "the checkpoint survives the reset")
	assert.Equal(t, 50, job.Progress)

	running := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusRunning
	})
	_, err = repo.ResetForResume(running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = repo.ResetForResume(uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobIncrementAutoResumeAttempts(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	job := seedJob(t, db, nil)

	require.NoError(t, repo.IncrementAutoResumeAttempts(job.ID))
	require.NoError(t, repo.IncrementAutoResumeAttempts(job.ID))

	stored, err := repo.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.AutoResumeAttempts)

	assert.ErrorIs(t, repo.IncrementAutoResumeAttempts(uuid.New()), ErrJobNotFound)
}

func TestJobFindStalled(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)

	stalled := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusRunning
		j.Step = "outline"
	})
	backdate(t, db, stalled.ID, time.Now().Add(-time.Hour))

	seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusRunning // actively checkpointing
	})

	capped := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusQueued
		j.AutoResumeAttempts = 3
	})
	backdate(t, db, capped.ID, time.Now().Add(-time.Hour))

	failed := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusFailed
	})
	backdate(t, db, failed.ID, time.Now().Add(-time.Hour))

	got, err := repo.FindStalled(time.Now().Add(-10*time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stalled.ID, got[0].ID)
}

func TestJobFindAutoResumable(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)

	resumable := seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusFailed
		j.AutoResumeAttempts = 2
	})
	seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusFailed
		j.AutoResumeAttempts = 3 // at the cap, manual kick only
	})
	seedJob(t, db, func(j *entity.Job) {
		j.Status = entity.JobStatusRunning
	})

	got, err := repo.FindAutoResumable(3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, resumable.ID, got[0].ID)
}

func TestJobFindActiveByOwner(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	owner := uuid.New()

	seedJob(t, db, func(j *entity.Job) {
		j.OwnerID = owner
		j.Status = entity.JobStatusRunning
		j.CreatedAt = time.Now().Add(-2 * time.Hour)
	})
	newest := seedJob(t, db, func(j *entity.Job) {
		j.OwnerID = owner
		j.Status = entity.JobStatusQueued
		j.CreatedAt = time.Now().Add(-time.Hour)
	})
	seedJob(t, db, func(j *entity.Job) {
		j.OwnerID = owner
		j.Status = entity.JobStatusSucceeded
		j.Progress = 100
	})
	seedJob(t, db, nil) // someone else's job

	got, err := repo.FindActiveByOwner(owner)
	require.NoError(t, err)
	assert.Equal(t, newest.ID, got.ID)

	_, err = repo.FindActiveByOwner(uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}
