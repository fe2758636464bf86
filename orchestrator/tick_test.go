package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"github.com/inkforge/inkforge-orchestrator/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// memJobs mirrors the guarded-update semantics of the job repository.
// It satisfies both JobStore and RecoveryStore.
type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[uuid.UUID]*entity.Job)}
}

func (m *memJobs) put(job *entity.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
}

func (m *memJobs) FindByID(id uuid.UUID) (*entity.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) MarkRunning(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	if job.Status != entity.JobStatusQueued && job.Status != entity.JobStatusRunning {
		return repository.ErrInvalidTransition
	}
	job.Status = entity.JobStatusRunning
	job.UpdatedAt = time.Now()
	return nil
}

func (m *memJobs) Checkpoint(id uuid.UUID, step string, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	if progress < job.Progress {
		return repository.ErrProgressRegression
	}
	job.Step = step
	job.Progress = progress
	job.Message = message
	job.UpdatedAt = time.Now()
	return nil
}

func (m *memJobs) MarkSucceeded(id uuid.UUID, resultRef uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	job.Status = entity.JobStatusSucceeded
	job.Progress = 100
	job.Message = "completed"
	job.Error = nil
	ref := resultRef
	job.ResultRef = &ref
	job.UpdatedAt = time.Now()
	return nil
}

func (m *memJobs) MarkFailed(id uuid.UUID, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	job.Status = entity.JobStatusFailed
	job.Message = "failed"
	job.Error = &errText
	job.UpdatedAt = time.Now()
	return nil
}

func (m *memJobs) ResetForResume(id uuid.UUID) (*entity.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	if job.Status != entity.JobStatusFailed {
		return nil, repository.ErrInvalidTransition
	}
	job.Status = entity.JobStatusRunning
	job.Message = "resuming"
	job.Error = nil
	job.UpdatedAt = time.Now()
	cp := *job
	return &cp, nil
}

func (m *memJobs) IncrementAutoResumeAttempts(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	job.AutoResumeAttempts++
	return nil
}

func (m *memJobs) FindStalled(cutoff time.Time, maxAttempts int) ([]entity.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Job
	for _, job := range m.jobs {
		active := job.Status == entity.JobStatusQueued || job.Status == entity.JobStatusRunning
		if active && job.UpdatedAt.Before(cutoff) && job.AutoResumeAttempts < maxAttempts {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memJobs) FindAutoResumable(maxAttempts int) ([]entity.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Job
	for _, job := range m.jobs {
		if job.Status == entity.JobStatusFailed && job.AutoResumeAttempts < maxAttempts {
			out = append(out, *job)
		}
	}
	return out, nil
}

// fakeLocker hands out one lease per job id, like the Redis lease does.
type fakeLocker struct {
	mu         sync.Mutex
	held       map[uuid.UUID]bool
	invalidate bool // leases report invalid at checkpoint time
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[uuid.UUID]bool)}
}

func (l *fakeLocker) Acquire(_ context.Context, jobID uuid.UUID, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[jobID] {
		return nil, nil
	}
	l.held[jobID] = true
	return &fakeLease{locker: l, jobID: jobID}, nil
}

func (l *fakeLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, h := range l.held {
		if h {
			n++
		}
	}
	return n
}

type fakeLease struct {
	locker *fakeLocker
	jobID  uuid.UUID
}

func (f *fakeLease) Valid(context.Context) bool {
	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	return !f.locker.invalidate
}

func (f *fakeLease) Refresh(context.Context) error { return nil }

func (f *fakeLease) Release(context.Context) error {
	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	delete(f.locker.held, f.jobID)
	return nil
}

type stubText struct {
	mu      sync.Mutex
	prompts []string
	errOn   string // prompt substring that fails
	err     error
	gate    func() // called before generating, when set
}

func (s *stubText) Generate(_ context.Context, prompt, _ string) (string, error) {
	if s.gate != nil {
		s.gate()
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.errOn != "" && strings.Contains(prompt, s.errOn) {
		return "", s.err
	}
	return "generated text for: " + prompt, nil
}

func (s *stubText) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

type stubImage struct{}

func (stubImage) Generate(context.Context, string) ([]byte, error) {
	return []byte("png-bytes"), nil
}

type stubCovers struct{}

func (stubCovers) PutCover(_ context.Context, jobID string, _ []byte) (string, error) {
	return "covers/" + jobID + ".png", nil
}

type stubManuscripts struct {
	mu      sync.Mutex
	created []entity.Manuscript
}

func (s *stubManuscripts) Create(m *entity.Manuscript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, *m)
	return nil
}

type tickFixture struct {
	jobs    *memJobs
	outputs *memOutputs
	locker  *fakeLocker
	text    *stubText
	scripts *stubManuscripts
	handler *TickHandler
}

func newTickFixture() *tickFixture {
	f := &tickFixture{
		jobs:    newMemJobs(),
		outputs: newMemOutputs(),
		locker:  newFakeLocker(),
		text:    &stubText{},
		scripts: &stubManuscripts{},
	}
	f.handler = &TickHandler{
		Jobs:    f.jobs,
		Outputs: f.outputs,
		Locker:  f.locker,
		Pipeline: &BookPipeline{
			Text:        f.text,
			Image:       stubImage{},
			Covers:      stubCovers{},
			Manuscripts: f.scripts,
		},
		LeaseTTL: time.Minute,
	}
	return f
}

func (f *tickFixture) seedJob(t *testing.T, mutate func(*entity.Job)) *entity.Job {
	t.Helper()
	job := testJob(t, 1)
	job.Status = entity.JobStatusQueued
	job.Message = "queued"
	if mutate != nil {
		mutate(job)
	}
	f.jobs.put(job)
	return job
}

func TestTickRunsQueuedJobToCompletion(t *testing.T) {
	f := newTickFixture()
	job := f.seedJob(t, nil)

	res, err := f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "submit"})
	require.NoError(t, err)

	assert.Equal(t, entity.JobStatusSucceeded, res.Status)
	assert.Equal(t, 100, res.Progress)
	require.NotNil(t, res.ResultRef)

	stored, err := f.jobs.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusSucceeded, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Nil(t, stored.Error)

	require.Len(t, f.scripts.created, 1)
	assert.Equal(t, *res.ResultRef, f.scripts.created[0].ID)
	assert.Equal(t, job.ID, f.scripts.created[0].JobID)
	assert.Zero(t, f.locker.heldCount(), "lease released after the run")
}

func TestTickSucceededJobIsTerminal(t *testing.T) {
	f := newTickFixture()
	ref := uuid.New()
	job := f.seedJob(t, func(j *entity.Job) {
		j.Status = entity.JobStatusSucceeded
		j.Progress = 100
		j.ResultRef = &ref
	})

	res, err := f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "manual"})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	require.NotNil(t, res)
	assert.Equal(t, entity.JobStatusSucceeded, res.Status)
	assert.Empty(t, f.text.recorded(), "pipeline must not run")
}

func TestTickFailedJobWithoutResumeIsNoOp(t *testing.T) {
	f := newTickFixture()
	errText := `step "polish" failed: provider exploded`
	job := f.seedJob(t, func(j *entity.Job) {
		j.Status = entity.JobStatusFailed
		j.Step = ChapterStepName(1)
		j.Progress = 50
		j.Error = &errText
	})

	res, err := f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "submit"})
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusFailed, res.Status)
	assert.Equal(t, 50, res.Progress)
	assert.Empty(t, f.text.recorded(), "accidental re-tick must not execute anything")

	stored, err := f.jobs.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusFailed, stored.Status)
}

func TestTickFailedJobWithResumeRestartsFromCheckpoint(t *testing.T) {
	f := newTickFixture()
	errText := "step failed"
	job := f.seedJob(t, func(j *entity.Job) {
		j.Status = entity.JobStatusFailed
		j.Step = StepCharacters
		j.Progress = 33
		j.Error = &errText
	})
	require.NoError(t, f.outputs.Upsert(job.ID, StepOutline, datatypes.JSON(`{"text":"the outline"}`)))
	require.NoError(t, f.outputs.Upsert(job.ID, StepCharacters, datatypes.JSON(`{"text":"the cast"}`)))

	res, err := f.handler.Tick(context.Background(), job.ID, TickOptions{Resume: true, TriggeredBy: "kick"})
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusSucceeded, res.Status)

	for _, prompt := range f.text.recorded() {
		assert.NotContains(t, prompt, "outline for", "completed steps must not re-run")
		assert.NotContains(t, prompt, "cast of characters", "completed steps must not re-run")
	}

	stored, err := f.jobs.FindByID(job.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Error, "resume clears the stored error")
}

func TestTickReportsStepFailureAsDomainOutcome(t *testing.T) {
	f := newTickFixture()
	f.text.errOn = "Polish"
	f.text.err = assert.AnError
	job := f.seedJob(t, nil)

	res, err := f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "submit"})
	require.NoError(t, err, "job failure is a domain outcome, not a transport error")

	assert.Equal(t, entity.JobStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, `step "polish"`)
	// The record keeps the last durable checkpoint, one step short of polish.
	assert.Equal(t, ChapterStepName(1), res.Step)
	assert.Equal(t, 50, res.Progress)
	assert.Zero(t, f.locker.heldCount())
}

func TestTickConcurrentExecutionIsExclusive(t *testing.T) {
	f := newTickFixture()
	job := f.seedJob(t, nil)

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	f.text.gate = func() {
		once.Do(func() { close(started) })
		<-release
	}

	type outcome struct {
		res *TickResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "submit"})
		done <- outcome{res, err}
	}()

	<-started
	_, err := f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "sweep"})
	assert.ErrorIs(t, err, ErrBusy, "second tick must bounce off the lease")

	close(release)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, entity.JobStatusSucceeded, first.res.Status)

	_, err = f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "manual"})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestTickLeaseLossAbortsWithoutStateChange(t *testing.T) {
	f := newTickFixture()
	f.locker.invalidate = true
	job := f.seedJob(t, nil)

	res, err := f.handler.Tick(context.Background(), job.ID, TickOptions{TriggeredBy: "submit"})
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.Nil(t, res)

	stored, err := f.jobs.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusRunning, stored.Status, "the new lease owner decides the job's fate")
	assert.Nil(t, stored.Error)
	assert.Zero(t, stored.Progress, "no checkpoint lands after the lease is gone")
}

func TestTickUnknownJob(t *testing.T) {
	f := newTickFixture()
	_, err := f.handler.Tick(context.Background(), uuid.New(), TickOptions{TriggeredBy: "submit"})
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}
