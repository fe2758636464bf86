package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type memOutputs struct {
	mu   sync.Mutex
	data map[uuid.UUID]map[string]datatypes.JSON
}

func newMemOutputs() *memOutputs {
	return &memOutputs{data: make(map[uuid.UUID]map[string]datatypes.JSON)}
}

func (m *memOutputs) Upsert(jobID uuid.UUID, step string, output datatypes.JSON) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[jobID] == nil {
		m.data[jobID] = make(map[string]datatypes.JSON)
	}
	m.data[jobID][step] = output
	return nil
}

func (m *memOutputs) FindByJobID(jobID uuid.UUID) (map[string]datatypes.JSON, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]datatypes.JSON, len(m.data[jobID]))
	for k, v := range m.data[jobID] {
		out[k] = v
	}
	return out, nil
}

type checkpointRecord struct {
	Step     string
	Progress int
	Message  string
}

func recordingCheckpoint(records *[]checkpointRecord) CheckpointFunc {
	return func(_ context.Context, step string, progress int, message string) error {
		*records = append(*records, checkpointRecord{Step: step, Progress: progress, Message: message})
		return nil
	}
}

func testJob(t *testing.T, chapters int) *entity.Job {
	t.Helper()
	input, err := json.Marshal(entity.BookRequest{
		Title:    "The Test Harness",
		Genre:    "fantasy",
		Brief:    "a brief",
		Chapters: chapters,
	})
	require.NoError(t, err)
	return &entity.Job{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Status:  entity.JobStatusRunning,
		Input:   input,
	}
}

func trivialSteps(names ...string) ([]Step, *[]string) {
	ran := &[]string{}
	steps := make([]Step, 0, len(names))
	for _, name := range names {
		name := name
		steps = append(steps, Step{
			Name:       name,
			Message:    "running " + name,
			Idempotent: true,
			Run: func(context.Context, *entity.Job, *entity.BookRequest, Outputs) (datatypes.JSON, error) {
				*ran = append(*ran, name)
				return datatypes.JSON(`{}`), nil
			},
		})
	}
	return steps, ran
}

func fixedResultRef(id uuid.UUID) func(Outputs) (uuid.UUID, error) {
	return func(Outputs) (uuid.UUID, error) { return id, nil }
}

func TestRunnerProgressFloorAndClamp(t *testing.T) {
	steps, _ := trivialSteps("a", "b", "c", "d", "e", "f")
	runner := NewRunner(steps, newMemOutputs(), fixedResultRef(uuid.New()))

	var records []checkpointRecord
	_, err := runner.Run(context.Background(), testJob(t, 1), recordingCheckpoint(&records))
	require.NoError(t, err)

	progresses := make([]int, 0, len(records))
	for _, rec := range records {
		progresses = append(progresses, rec.Progress)
	}
	// floor(k/6*100), last clamped to 99: 100 is reserved for MarkSucceeded.
	assert.Equal(t, []int{16, 33, 50, 66, 83, 99}, progresses)
}

func TestRunnerResumesAfterCheckpointedStep(t *testing.T) {
	steps, ran := trivialSteps("a", "b", "c", "d", "e", "f")
	runner := NewRunner(steps, newMemOutputs(), fixedResultRef(uuid.New()))

	job := testJob(t, 1)
	job.Step = "c" // last durably checkpointed step, assumed complete

	var records []checkpointRecord
	_, err := runner.Run(context.Background(), job, recordingCheckpoint(&records))
	require.NoError(t, err)

	assert.Equal(t, []string{"d", "e", "f"}, *ran)
	require.Len(t, records, 3)
	assert.Equal(t, "d", records[0].Step)
	assert.Equal(t, 66, records[0].Progress)
}

func TestRunnerUnknownStepRestartsFromBeginning(t *testing.T) {
	steps, ran := trivialSteps("a", "b", "c")
	runner := NewRunner(steps, newMemOutputs(), fixedResultRef(uuid.New()))

	job := testJob(t, 1)
	job.Step = "no-such-step"

	var records []checkpointRecord
	_, err := runner.Run(context.Background(), job, recordingCheckpoint(&records))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, *ran)
}

func TestRunnerNonIdempotentStepReusesPersistedOutput(t *testing.T) {
	var coverRuns int
	steps := []Step{
		{
			Name: "first", Message: "first", Idempotent: true,
			Run: func(context.Context, *entity.Job, *entity.BookRequest, Outputs) (datatypes.JSON, error) {
				return datatypes.JSON(`{}`), nil
			},
		},
		{
			Name: "cover", Message: "cover", Idempotent: false,
			Run: func(context.Context, *entity.Job, *entity.BookRequest, Outputs) (datatypes.JSON, error) {
				coverRuns++
				return datatypes.JSON(`{"object_key":"fresh"}`), nil
			},
		},
		{
			Name: "last", Message: "last", Idempotent: true,
			Run: func(_ context.Context, _ *entity.Job, _ *entity.BookRequest, prior Outputs) (datatypes.JSON, error) {
				// The reused output must be visible to later steps.
				assert.JSONEq(t, `{"object_key":"persisted"}`, string(prior["cover"]))
				return datatypes.JSON(`{}`), nil
			},
		},
	}

	job := testJob(t, 1)
	outputs := newMemOutputs()
	require.NoError(t, outputs.Upsert(job.ID, "cover", datatypes.JSON(`{"object_key":"persisted"}`)))
	runner := NewRunner(steps, outputs, fixedResultRef(uuid.New()))

	var records []checkpointRecord
	_, err := runner.Run(context.Background(), job, recordingCheckpoint(&records))
	require.NoError(t, err)

	assert.Zero(t, coverRuns, "non-idempotent step must not re-run when its output survived")
	// The skip still replays the checkpoint so progress reflects the step.
	require.Len(t, records, 3)
	assert.Equal(t, "cover", records[1].Step)
}

func TestRunnerWrapsStepFailure(t *testing.T) {
	boom := errors.New("provider exploded")
	steps := []Step{
		{
			Name: "first", Message: "first", Idempotent: true,
			Run: func(context.Context, *entity.Job, *entity.BookRequest, Outputs) (datatypes.JSON, error) {
				return datatypes.JSON(`{}`), nil
			},
		},
		{
			Name: "second", Message: "second", Idempotent: true,
			Run: func(context.Context, *entity.Job, *entity.BookRequest, Outputs) (datatypes.JSON, error) {
				return nil, boom
			},
		},
	}
	runner := NewRunner(steps, newMemOutputs(), fixedResultRef(uuid.New()))

	var records []checkpointRecord
	_, err := runner.Run(context.Background(), testJob(t, 1), recordingCheckpoint(&records))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "second", stepErr.Step)
	assert.ErrorIs(t, err, boom)
	require.Len(t, records, 1, "no checkpoint for the failed step")
}

func TestRunnerCheckpointErrorPropagatesUnwrapped(t *testing.T) {
	steps, _ := trivialSteps("a", "b")
	runner := NewRunner(steps, newMemOutputs(), fixedResultRef(uuid.New()))

	checkpoint := func(context.Context, string, int, string) error {
		return ErrLeaseLost
	}
	_, err := runner.Run(context.Background(), testJob(t, 1), checkpoint)

	assert.ErrorIs(t, err, ErrLeaseLost)
	var stepErr *StepError
	assert.False(t, errors.As(err, &stepErr), "checkpoint failures are not step failures")
}

func TestRunnerPersistsOutputBeforeCheckpoint(t *testing.T) {
	steps, _ := trivialSteps("a", "b")
	job := testJob(t, 1)
	outputs := newMemOutputs()
	runner := NewRunner(steps, outputs, fixedResultRef(uuid.New()))

	checkpoint := func(context.Context, string, int, string) error {
		return errors.New("store down")
	}
	_, err := runner.Run(context.Background(), job, checkpoint)
	require.Error(t, err)

	persisted, err := outputs.FindByJobID(job.ID)
	require.NoError(t, err)
	assert.Contains(t, persisted, "a", "output must be durable before the checkpoint is attempted")
}

func TestRunnerCancelledContextStopsBeforeNextStep(t *testing.T) {
	steps, ran := trivialSteps("a", "b")
	runner := NewRunner(steps, newMemOutputs(), fixedResultRef(uuid.New()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var records []checkpointRecord
	_, err := runner.Run(ctx, testJob(t, 1), recordingCheckpoint(&records))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *ran)
}
