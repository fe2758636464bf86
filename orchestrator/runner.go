package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/datatypes"
)

// Outputs holds the durable outputs of completed steps, keyed by step
// name. Steps read their predecessors' outputs from here.
type Outputs map[string]datatypes.JSON

// StepFunc computes one step from the job input and prior outputs. It
// must tolerate full re-execution: a crash after the step but before
// its checkpoint re-runs it from scratch.
type StepFunc func(ctx context.Context, job *entity.Job, req *entity.BookRequest, prior Outputs) (datatypes.JSON, error)

// Step is one unit of the fixed pipeline. Non-idempotent steps are
// gated on their persisted output: if the output already exists on
// resume, the step is skipped and the output reused.
type Step struct {
	Name       string
	Message    string // human-readable checkpoint text
	Idempotent bool
	Run        StepFunc
}

// CheckpointFunc persists (step, progress, message) after a step
// completes. It is the only suspension point: cancellation and lease
// loss are surfaced through its error and stop the run.
type CheckpointFunc func(ctx context.Context, step string, progress int, message string) error

// OutputStore is the slice of the step-output repository the runner
// needs. repository.StepOutputRepository satisfies it.
type OutputStore interface {
	Upsert(jobID uuid.UUID, step string, output datatypes.JSON) error
	FindByJobID(jobID uuid.UUID) (map[string]datatypes.JSON, error)
}

// StepObserver receives per-step telemetry. Satisfied by the infra
// telemetry client; nil-safe via the noop default in NewRunner.
type StepObserver interface {
	ObserveStep(ctx context.Context, step string, seconds float64)
}

type noopObserver struct{}

func (noopObserver) ObserveStep(context.Context, string, float64) {}

// Runner executes a fixed, ordered pipeline for one job, checkpointing
// after every step. It never retries a failed step within one run;
// retry across runs belongs to the recovery controller.
type Runner struct {
	Steps     []Step
	Outputs   OutputStore
	ResultRef func(outputs Outputs) (uuid.UUID, error)

	Tracer   trace.Tracer
	Observer StepObserver
}

func NewRunner(steps []Step, outputs OutputStore, resultRef func(Outputs) (uuid.UUID, error)) *Runner {
	return &Runner{
		Steps:     steps,
		Outputs:   outputs,
		ResultRef: resultRef,
		Tracer:    noop.NewTracerProvider().Tracer("runner"),
		Observer:  noopObserver{},
	}
}

// resumeIndex locates where execution re-enters the pipeline. The job's
// Step field names the last durably checkpointed step, which is assumed
// complete, so execution begins at the step after it. An unknown or
// empty step name starts from the beginning.
func (r *Runner) resumeIndex(job *entity.Job) int {
	if job.Step == "" {
		return 0
	}
	for i, s := range r.Steps {
		if s.Name == job.Step {
			return i + 1
		}
	}
	return 0
}

// progressFor computes floor(completed/total*100), clamped to 99 until
// the final step. Only MarkSucceeded writes 100.
func (r *Runner) progressFor(completed int) int {
	p := completed * 100 / len(r.Steps)
	if p > 99 {
		p = 99
	}
	return p
}

// Run drives the pipeline from the job's last checkpoint to completion
// and returns the result reference. The first step failure is wrapped
// as StepError and ends the run. A checkpoint error (cancellation,
// lease loss, store failure) propagates unwrapped.
func (r *Runner) Run(ctx context.Context, job *entity.Job, checkpoint CheckpointFunc) (uuid.UUID, error) {
	var req entity.BookRequest
	if err := json.Unmarshal(job.Input, &req); err != nil {
		return uuid.Nil, &StepError{Step: "decode-input", Err: err}
	}

	persisted, err := r.Outputs.FindByJobID(job.ID)
	if err != nil {
		return uuid.Nil, err
	}
	outputs := Outputs(persisted)

	start := r.resumeIndex(job)
	for i := start; i < len(r.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}

		step := r.Steps[i]

		// A non-idempotent step whose output survived an earlier run is
		// not executed again; its persisted output is reused and only
		// the checkpoint is replayed.
		if !step.Idempotent {
			if _, ok := outputs[step.Name]; ok {
				if err := checkpoint(ctx, step.Name, r.progressFor(i+1), step.Message); err != nil {
					return uuid.Nil, err
				}
				continue
			}
		}

		out, err := r.runStep(ctx, job, &req, step, outputs)
		if err != nil {
			return uuid.Nil, &StepError{Step: step.Name, Err: err}
		}

		// Output first, then checkpoint: a crash between the two either
		// re-runs the step (idempotent) or reuses the output.
		if err := r.Outputs.Upsert(job.ID, step.Name, out); err != nil {
			return uuid.Nil, err
		}
		outputs[step.Name] = out

		if err := checkpoint(ctx, step.Name, r.progressFor(i+1), step.Message); err != nil {
			return uuid.Nil, err
		}
	}

	return r.ResultRef(outputs)
}

func (r *Runner) runStep(ctx context.Context, job *entity.Job, req *entity.BookRequest, step Step, prior Outputs) (datatypes.JSON, error) {
	stepCtx, span := r.Tracer.Start(ctx, "step."+step.Name,
		trace.WithAttributes(attribute.String("job.id", job.ID.String())))
	defer span.End()

	began := time.Now()
	out, err := step.Run(stepCtx, job, req, prior)
	r.Observer.ObserveStep(ctx, step.Name, time.Since(began).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}
