package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"github.com/inkforge/inkforge-orchestrator/infra"
	"github.com/inkforge/inkforge-orchestrator/infra/produce"
)

// RecoveryStore is the slice of the job repository the recovery
// controller needs. repository.JobRepository satisfies it.
type RecoveryStore interface {
	FindByID(id uuid.UUID) (*entity.Job, error)
	IncrementAutoResumeAttempts(id uuid.UUID) error
	FindStalled(cutoff time.Time, maxAttempts int) ([]entity.Job, error)
	FindAutoResumable(maxAttempts int) ([]entity.Job, error)
}

// JobPublisher re-enqueues jobs for dispatch. produce.JobProduceService
// satisfies it.
type JobPublisher interface {
	PublishJobStart(ctx context.Context, msg produce.JobStartMessage) error
}

// KickResult reports a manual kick: the state found and the tick
// outcome, or Busy when a worker already holds the job's lease.
type KickResult struct {
	PriorStatus entity.JobStatus `json:"prior_status"`
	Busy        bool             `json:"busy"`
	Tick        *TickResult      `json:"tick,omitempty"`
}

// Recovery detects stuck jobs and re-enters them. Manual kicks go
// straight through the tick handler and are not bounded by the attempt
// cap; the background sweep is.
type Recovery struct {
	Store       RecoveryStore
	TickHandler *TickHandler
	Publisher   JobPublisher
	Logger      *infra.LoggerClient

	StalledAfter          time.Duration
	SweepInterval         time.Duration
	MaxAutoResumeAttempts int

	stop chan struct{}
	done chan struct{}
}

// Kick inspects the job and re-enters it: a failed job is reset and
// resumed, a queued/running one is nudged, a succeeded one is returned
// untouched. Every invocation logs prior and resulting state.
func (r *Recovery) Kick(ctx context.Context, jobID uuid.UUID) (*KickResult, error) {
	job, err := r.Store.FindByID(jobID)
	if err != nil {
		return nil, err
	}
	prior := job.Status

	if prior == entity.JobStatusSucceeded {
		r.logInfof(ctx, "[Kick] Job %s already succeeded, no action", jobID)
		return &KickResult{PriorStatus: prior, Tick: resultOf(job)}, nil
	}

	opts := TickOptions{TriggeredBy: "kick"}
	if prior == entity.JobStatusFailed {
		opts.Resume = true
	}

	res, err := r.TickHandler.Tick(ctx, jobID, opts)
	switch {
	case errors.Is(err, ErrBusy):
		r.logInfof(ctx, "[Kick] Job %s (was %s) is held by an active worker", jobID, prior)
		return &KickResult{PriorStatus: prior, Busy: true}, nil
	case errors.Is(err, ErrAlreadyTerminal):
		r.logInfof(ctx, "[Kick] Job %s (was %s) reached succeeded before the kick ran", jobID, prior)
		return &KickResult{PriorStatus: prior, Tick: res}, nil
	case errors.Is(err, ErrLeaseLost):
		r.logWarnf(ctx, "[Kick] Job %s (was %s) lost its lease mid-run", jobID, prior)
		return &KickResult{PriorStatus: prior, Busy: true}, nil
	case err != nil:
		return nil, err
	}

	r.logInfof(ctx, "[Kick] Job %s: %s -> %s", jobID, prior, res.Status)
	return &KickResult{PriorStatus: prior, Tick: res}, nil
}

// autoKick re-enqueues one failed job, spending one automatic attempt.
func (r *Recovery) autoKick(ctx context.Context, job *entity.Job) error {
	if job.AutoResumeAttempts >= r.MaxAutoResumeAttempts {
		return ErrAttemptsExhausted
	}
	if err := r.Store.IncrementAutoResumeAttempts(job.ID); err != nil {
		return err
	}
	return r.Publisher.PublishJobStart(ctx, produce.JobStartMessage{
		JobID:       job.ID.String(),
		OwnerID:     job.OwnerID.String(),
		Resume:      true,
		TriggeredBy: "sweep",
		Attempt:     job.AutoResumeAttempts + 1,
	})
}

// requeueStalled redelivers one queued/running job whose lease expired
// without a terminal checkpoint. If the job is in fact still actively
// held, the consumer's tick will bounce off the lease with Busy.
func (r *Recovery) requeueStalled(ctx context.Context, job *entity.Job) error {
	if job.AutoResumeAttempts >= r.MaxAutoResumeAttempts {
		return ErrAttemptsExhausted
	}
	if err := r.Store.IncrementAutoResumeAttempts(job.ID); err != nil {
		return err
	}
	return r.Publisher.PublishJobStart(ctx, produce.JobStartMessage{
		JobID:       job.ID.String(),
		OwnerID:     job.OwnerID.String(),
		Resume:      false,
		TriggeredBy: "sweep",
		Attempt:     job.AutoResumeAttempts + 1,
	})
}

// SweepOnce runs one detection pass: stalled queued/running jobs are
// redelivered, failed jobs under the attempt cap are auto-kicked.
func (r *Recovery) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.StalledAfter)

	stalled, err := r.Store.FindStalled(cutoff, r.MaxAutoResumeAttempts)
	if err != nil {
		r.logErrorf(ctx, err, "[Sweep] Stalled-job query failed")
	} else {
		for i := range stalled {
			job := &stalled[i]
			if err := r.requeueStalled(ctx, job); err != nil {
				r.logErrorf(ctx, err, "[Sweep] Failed to redeliver stalled job %s (status %s)", job.ID, job.Status)
				continue
			}
			r.logInfof(ctx, "[Sweep] Redelivered stalled job %s (status %s, attempt %d/%d)",
				job.ID, job.Status, job.AutoResumeAttempts+1, r.MaxAutoResumeAttempts)
		}
	}

	resumable, err := r.Store.FindAutoResumable(r.MaxAutoResumeAttempts)
	if err != nil {
		r.logErrorf(ctx, err, "[Sweep] Auto-resumable query failed")
		return
	}
	for i := range resumable {
		job := &resumable[i]
		if err := r.autoKick(ctx, job); err != nil {
			r.logErrorf(ctx, err, "[Sweep] Failed to auto-kick job %s", job.ID)
			continue
		}
		r.logInfof(ctx, "[Sweep] Auto-kicked failed job %s (attempt %d/%d)",
			job.ID, job.AutoResumeAttempts+1, r.MaxAutoResumeAttempts)
	}
}

// StartSweep launches the periodic sweep. Explicit teardown via
// StopSweep or context cancellation; no ambient globals.
func (r *Recovery) StartSweep(ctx context.Context) {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.SweepOnce(ctx)
			}
		}
	}()
}

// StopSweep stops the sweep loop and waits for it to exit.
func (r *Recovery) StopSweep() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

func (r *Recovery) logInfof(ctx context.Context, format string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.InfoWithContextf(ctx, format, args...)
	}
}

func (r *Recovery) logWarnf(ctx context.Context, format string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.WarningWithContextf(ctx, format, args...)
	}
}

func (r *Recovery) logErrorf(ctx context.Context, err error, format string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.ErrorWithContextf(ctx, err, format, args...)
	}
}
