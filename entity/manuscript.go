package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Manuscript is the artifact produced by a succeeded generation job.
// Job.ResultRef points at its ID.
type Manuscript struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	JobID          uuid.UUID      `json:"job_id" gorm:"type:uuid;not null;uniqueIndex"`
	OwnerID        uuid.UUID      `json:"owner_id" gorm:"type:uuid;not null;index"`
	Title          string         `json:"title" gorm:"type:varchar(512);not null"`
	Genre          string         `json:"genre" gorm:"type:varchar(64)"`
	Outline        string         `json:"outline" gorm:"type:text"`
	Characters     datatypes.JSON `json:"characters" gorm:"type:jsonb"`
	Chapters       datatypes.JSON `json:"chapters" gorm:"type:jsonb"`
	CoverObjectKey string         `json:"cover_object_key" gorm:"type:varchar(512)"`
	WordCount      int            `json:"word_count"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null;autoCreateTime"`
}

// Chapter is one element of Manuscript.Chapters
type Chapter struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
}
