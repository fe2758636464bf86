package repository

import (
	"github.com/inkforge/inkforge-orchestrator/infra"
	"gorm.io/gorm"
)

type Repository struct {
	JobRepo        *JobRepository
	ManuscriptRepo *ManuscriptRepository
	StepOutputRepo *StepOutputRepository
}

var repository *Repository

func InitRepository(infra *infra.Infra) *Repository {
	repository = &Repository{
		JobRepo:        NewJobRepository(infra.Postgres.DB),
		ManuscriptRepo: NewManuscriptRepository(infra.Postgres.DB),
		StepOutputRepo: NewStepOutputRepository(infra.Postgres.DB),
	}
	return repository
}

func GetRepository() *Repository {
	if repository == nil {
		panic("repository not initialized")
	}
	return repository
}

func (r *Repository) WithTransaction(tx *gorm.DB) *Repository {
	return &Repository{
		JobRepo:        NewJobRepository(tx),
		ManuscriptRepo: NewManuscriptRepository(tx),
		StepOutputRepo: NewStepOutputRepository(tx),
	}
}
