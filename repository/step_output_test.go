package repository

import (
	"testing"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestStepOutputUpsertOverwrites(t *testing.T) {
	db := openTestDB(t)
	repo := NewStepOutputRepository(db)
	jobID := uuid.New()

	require.NoError(t, repo.Upsert(jobID, "cover", datatypes.JSON(`{"object_key":"first"}`)))
	require.NoError(t, repo.Upsert(jobID, "cover", datatypes.JSON(`{"object_key":"second"}`)))

	out, err := repo.Find(jobID, "cover")
	require.NoError(t, err)
	assert.JSONEq(t, `{"object_key":"second"}`, string(out))

	var count int64
	require.NoError(t, db.Model(&entity.StepOutput{}).Where("job_id = ?", jobID).Count(&count).Error)
	assert.EqualValues(t, 1, count, "one row per (job, step)")
}

func TestStepOutputFindByJobID(t *testing.T) {
	db := openTestDB(t)
	repo := NewStepOutputRepository(db)
	jobID := uuid.New()

	require.NoError(t, repo.Upsert(jobID, "outline", datatypes.JSON(`{"text":"o"}`)))
	require.NoError(t, repo.Upsert(jobID, "characters", datatypes.JSON(`{"text":"c"}`)))
	require.NoError(t, repo.Upsert(uuid.New(), "outline", datatypes.JSON(`{"text":"other"}`)))

	outputs, err := repo.FindByJobID(jobID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.JSONEq(t, `{"text":"o"}`, string(outputs["outline"]))
	assert.JSONEq(t, `{"text":"c"}`, string(outputs["characters"]))
}

func TestStepOutputFindMissing(t *testing.T) {
	db := openTestDB(t)
	repo := NewStepOutputRepository(db)

	_, err := repo.Find(uuid.New(), "outline")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
