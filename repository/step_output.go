package repository

import (
	"errors"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StepOutputRepository struct {
	db *gorm.DB
}

func NewStepOutputRepository(db *gorm.DB) *StepOutputRepository {
	return &StepOutputRepository{db: db}
}

// Upsert writes the durable output of one completed step. Re-running a
// step overwrites its previous output; that is what makes full-step
// re-execution safe.
func (r *StepOutputRepository) Upsert(jobID uuid.UUID, step string, output datatypes.JSON) error {
	record := entity.StepOutput{
		ID:     uuid.New(),
		JobID:  jobID,
		Step:   step,
		Output: output,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "step"}},
		DoUpdates: clause.AssignmentColumns([]string{"output", "updated_at"}),
	}).Create(&record).Error
}

// FindByJobID returns all persisted step outputs for a job keyed by
// step name, for the runner to rebuild prior-step state on resume.
func (r *StepOutputRepository) FindByJobID(jobID uuid.UUID) (map[string]datatypes.JSON, error) {
	var records []entity.StepOutput
	if err := r.db.Where("job_id = ?", jobID).Find(&records).Error; err != nil {
		return nil, err
	}
	outputs := make(map[string]datatypes.JSON, len(records))
	for _, rec := range records {
		outputs[rec.Step] = rec.Output
	}
	return outputs, nil
}

// Find returns the output of one step, or gorm.ErrRecordNotFound.
func (r *StepOutputRepository) Find(jobID uuid.UUID, step string) (datatypes.JSON, error) {
	var record entity.StepOutput
	err := r.db.Where("job_id = ? AND step = ?", jobID, step).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return record.Output, nil
}
