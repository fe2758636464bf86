package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"github.com/inkforge/inkforge-orchestrator/infra"
)

// JobStore is the slice of the job repository the tick handler needs.
// repository.JobRepository satisfies it.
type JobStore interface {
	FindByID(id uuid.UUID) (*entity.Job, error)
	MarkRunning(id uuid.UUID) error
	Checkpoint(id uuid.UUID, step string, progress int, message string) error
	MarkSucceeded(id uuid.UUID, resultRef uuid.UUID) error
	MarkFailed(id uuid.UUID, errText string) error
	ResetForResume(id uuid.UUID) (*entity.Job, error)
}

// TickOptions qualify one tick invocation.
type TickOptions struct {
	// Resume distinguishes an intentional recovery of a failed job from
	// an accidental re-tick. Plain ticks on a failed job are no-ops.
	Resume bool
	// TriggeredBy records the origin for logging: "submit", "sweep",
	// "kick", "manual".
	TriggeredBy string
}

// TickResult is the job snapshot a tick reports back. A failed run is a
// normal TickResult with Status failed, not a transport error.
type TickResult struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    entity.JobStatus `json:"status"`
	Step      string           `json:"step"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message"`
	Error     *string          `json:"error,omitempty"`
	ResultRef *uuid.UUID       `json:"result_ref,omitempty"`
}

func resultOf(job *entity.Job) *TickResult {
	return &TickResult{
		JobID:     job.ID,
		Status:    job.Status,
		Step:      job.Step,
		Progress:  job.Progress,
		Message:   job.Message,
		Error:     job.Error,
		ResultRef: job.ResultRef,
	}
}

// TickHandler advances one job by exactly one pipeline run. It is the
// single entry point for queue delivery, the recovery sweep and manual
// kicks; the per-job lease guarantees at most one concurrent execution
// per job id no matter where the tick came from.
type TickHandler struct {
	Jobs      JobStore
	Outputs   OutputStore
	Locker    Locker
	Pipeline  *BookPipeline
	Logger    *infra.LoggerClient
	Telemetry *infra.TelemetryClient
	Cache     *infra.RedisClient
	LeaseTTL  time.Duration
}

// Tick validates that the job is advanceable, runs the pipeline from
// its last checkpoint and records the outcome on the job record.
func (h *TickHandler) Tick(ctx context.Context, jobID uuid.UUID, opts TickOptions) (*TickResult, error) {
	job, err := h.Jobs.FindByID(jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == entity.JobStatusSucceeded {
		return resultOf(job), ErrAlreadyTerminal
	}
	if job.Status == entity.JobStatusFailed && !opts.Resume {
		// Accidental re-tick of a failed job: report stored state only.
		return resultOf(job), nil
	}

	lease, err := h.Locker.Acquire(ctx, jobID, h.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, ErrBusy
	}
	defer lease.Release(context.WithoutCancel(ctx))

	// Re-read under the lock: the state may have moved while we raced
	// for the lease.
	job, err = h.Jobs.FindByID(jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case entity.JobStatusSucceeded:
		return resultOf(job), ErrAlreadyTerminal
	case entity.JobStatusFailed:
		if !opts.Resume {
			return resultOf(job), nil
		}
		job, err = h.Jobs.ResetForResume(jobID)
		if err != nil {
			return nil, err
		}
		h.countResumed(ctx)
		h.logInfof(ctx, "[Tick] Job %s resumed from step %q (triggered by %s)", jobID, job.Step, opts.TriggeredBy)
	default:
		if err := h.Jobs.MarkRunning(jobID); err != nil {
			return nil, err
		}
		job.Status = entity.JobStatusRunning
	}
	h.invalidateStatus(ctx, jobID)
	h.countStarted(ctx)
	h.logInfof(ctx, "[Tick] Job %s running from step %q (triggered by %s)", jobID, job.Step, opts.TriggeredBy)

	var req entity.BookRequest
	if err := json.Unmarshal(job.Input, &req); err != nil {
		return h.failJob(ctx, jobID, (&StepError{Step: "decode-input", Err: err}).Error())
	}

	runner := h.Pipeline.NewRunner(req.Chapters, h.Outputs)
	if h.Telemetry != nil {
		runner.Tracer = h.Telemetry.Tracer
		runner.Observer = h.Telemetry
	}

	checkpoint := func(cpCtx context.Context, step string, progress int, message string) error {
		// Lease validity gates every checkpoint. On loss the run must
		// abort without touching the record: a new owner may already be
		// writing to it.
		if !lease.Valid(cpCtx) {
			return ErrLeaseLost
		}
		if err := h.Jobs.Checkpoint(jobID, step, progress, message); err != nil {
			return err
		}
		_ = lease.Refresh(cpCtx)
		h.invalidateStatus(cpCtx, jobID)
		return nil
	}

	resultRef, err := runner.Run(ctx, job, checkpoint)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			h.logWarnf(ctx, "[Tick] Job %s lease lost mid-run, aborting without state change", jobID)
			return nil, ErrLeaseLost
		}
		if ctx.Err() != nil {
			// Shutdown or cancellation at a step boundary: leave the
			// record running; the sweep will redeliver after the stall
			// threshold.
			return nil, ctx.Err()
		}
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			h.logErrorf(ctx, err, "[Tick] Job %s failed at step %q (attempt %d)", jobID, stepErr.Step, job.AutoResumeAttempts)
			return h.failJob(ctx, jobID, stepErr.Error())
		}
		// Store-level failure outside any step: surface as a transport
		// error, the record keeps its last checkpoint.
		return nil, err
	}

	if err := h.Jobs.MarkSucceeded(jobID, resultRef); err != nil {
		return nil, err
	}
	h.invalidateStatus(ctx, jobID)
	h.countSucceeded(ctx)
	h.logInfof(ctx, "[Tick] Job %s succeeded, manuscript %s", jobID, resultRef)

	return &TickResult{
		JobID:     jobID,
		Status:    entity.JobStatusSucceeded,
		Step:      StepFinalize,
		Progress:  100,
		Message:   "completed",
		ResultRef: &resultRef,
	}, nil
}

// failJob records the failure and reports it as a domain outcome, not
// an error: callers respond 200 with the failure payload.
func (h *TickHandler) failJob(ctx context.Context, jobID uuid.UUID, errText string) (*TickResult, error) {
	if err := h.Jobs.MarkFailed(jobID, errText); err != nil {
		return nil, err
	}
	h.invalidateStatus(ctx, jobID)
	h.countFailed(ctx)

	job, err := h.Jobs.FindByID(jobID)
	if err != nil {
		return nil, err
	}
	return resultOf(job), nil
}

func statusCacheKey(jobID uuid.UUID) string {
	return "job:status:" + jobID.String()
}

func (h *TickHandler) invalidateStatus(ctx context.Context, jobID uuid.UUID) {
	if h.Cache != nil {
		_ = h.Cache.Delete(ctx, statusCacheKey(jobID))
	}
}

// StatusCacheKey exposes the cache key for the status-query surface.
func StatusCacheKey(jobID uuid.UUID) string {
	return statusCacheKey(jobID)
}

func (h *TickHandler) logInfof(ctx context.Context, format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.InfoWithContextf(ctx, format, args...)
	}
}

func (h *TickHandler) logWarnf(ctx context.Context, format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.WarningWithContextf(ctx, format, args...)
	}
}

func (h *TickHandler) logErrorf(ctx context.Context, err error, format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.ErrorWithContextf(ctx, err, format, args...)
	}
}

func (h *TickHandler) countStarted(ctx context.Context) {
	if h.Telemetry != nil {
		h.Telemetry.JobsStarted.Add(ctx, 1)
	}
}

func (h *TickHandler) countSucceeded(ctx context.Context) {
	if h.Telemetry != nil {
		h.Telemetry.JobsSucceeded.Add(ctx, 1)
	}
}

func (h *TickHandler) countFailed(ctx context.Context) {
	if h.Telemetry != nil {
		h.Telemetry.JobsFailed.Add(ctx, 1)
	}
}

func (h *TickHandler) countResumed(ctx context.Context) {
	if h.Telemetry != nil {
		h.Telemetry.JobsResumed.Add(ctx, 1)
	}
}
