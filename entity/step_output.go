package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StepOutput is the durable output of one pipeline step for one job.
// It is what makes resumption possible: a resumed run reads the outputs
// of already-completed steps instead of recomputing them, and
// non-idempotent steps are skipped entirely when their output exists.
type StepOutput struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	JobID     uuid.UUID      `json:"job_id" gorm:"type:uuid;not null;uniqueIndex:idx_step_outputs_job_step"`
	Step      string         `json:"step" gorm:"type:varchar(64);not null;uniqueIndex:idx_step_outputs_job_step"`
	Output    datatypes.JSON `json:"output" gorm:"type:jsonb"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}
