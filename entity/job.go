package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobStatus represents the lifecycle state of a generation job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further automatic progression is possible.
// A failed job stays recoverable through an explicit resume.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded
}

// Job is the job record: the single source of truth the orchestration
// core reads and mutates. One row per job, never deleted by the core.
type Job struct {
	ID                 uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID            uuid.UUID      `json:"owner_id" gorm:"type:uuid;not null;index"`
	Status             JobStatus      `json:"status" gorm:"type:varchar(16);not null;index;default:'queued'"`
	Step               string         `json:"step" gorm:"type:varchar(64)"`
	Progress           int            `json:"progress" gorm:"not null;default:0"`
	Message            string         `json:"message" gorm:"type:text"`
	Error              *string        `json:"error,omitempty" gorm:"type:text"`
	AutoResumeAttempts int            `json:"auto_resume_attempts" gorm:"not null;default:0"`
	Input              datatypes.JSON `json:"input" gorm:"type:jsonb"`
	ResultRef          *uuid.UUID     `json:"result_ref,omitempty" gorm:"type:uuid"`
	CreatedAt          time.Time      `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt          time.Time      `json:"updated_at" gorm:"autoUpdateTime;index"`
}

// BookRequest is the job input payload stored in Job.Input
type BookRequest struct {
	Title    string `json:"title"`
	Genre    string `json:"genre" binding:"required"`
	Brief    string `json:"brief"`
	Chapters int    `json:"chapters" binding:"required,min=1,max=24"`
}
