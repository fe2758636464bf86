package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyTerminal is returned when ticking a succeeded job.
	ErrAlreadyTerminal = errors.New("job already succeeded")
	// ErrBusy is returned when another execution holds the job's lease.
	// The caller must not run the pipeline; exactly one active execution
	// per job id is the core guarantee.
	ErrBusy = errors.New("job is being executed by another worker")
	// ErrLeaseLost means this worker's lease expired mid-run. The run
	// aborts without marking the job failed so the record is left to
	// whichever worker now owns the lease.
	ErrLeaseLost = errors.New("job lease expired during execution")
	// ErrAttemptsExhausted means the automatic recovery cap was reached.
	// The job stays failed until a manual kick.
	ErrAttemptsExhausted = errors.New("automatic resume attempts exhausted")
)

// StepError wraps the first failure inside a pipeline run with the name
// of the step that raised it. It is the dominant runtime error: job
// failure is expected domain behavior, not a system fault.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
