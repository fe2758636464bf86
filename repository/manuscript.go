package repository

import (
	"errors"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"gorm.io/gorm"
)

var ErrManuscriptNotFound = errors.New("manuscript not found")

type ManuscriptRepository struct {
	db *gorm.DB
}

func NewManuscriptRepository(db *gorm.DB) *ManuscriptRepository {
	return &ManuscriptRepository{db: db}
}

func (r *ManuscriptRepository) Create(m *entity.Manuscript) error {
	return r.db.Create(m).Error
}

func (r *ManuscriptRepository) FindByID(id uuid.UUID) (*entity.Manuscript, error) {
	var m entity.Manuscript
	err := r.db.Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrManuscriptNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *ManuscriptRepository) FindByJobID(jobID uuid.UUID) (*entity.Manuscript, error) {
	var m entity.Manuscript
	err := r.db.Where("job_id = ?", jobID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrManuscriptNotFound
		}
		return nil, err
	}
	return &m, nil
}
