package uws

import (
	"context"
	"fmt"
	"time"
)

// JobWorker is the work unit of a job. Run starts only once the job is
// EXECUTING and must watch ctx: when the context is cancelled (abort or
// execution-duration timeout) the worker stops cooperatively and returns.
//
// A nil return completes the job; ctx.Err() after cancellation aborts it;
// any other error puts the job in ERROR with an error summary. Workers
// wanting control over the summary return a *WorkerError.
type JobWorker interface {
	Run(ctx context.Context, job *Job) error
}

// JobWorkerFunc adapts a function to the JobWorker interface.
type JobWorkerFunc func(ctx context.Context, job *Job) error

func (f JobWorkerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// JobWorkerFactory builds the worker for a newly created job. A job list
// uses its factory to equip jobs created through the request path.
type JobWorkerFactory func(job *Job) (JobWorker, error)

// SleepWorker is a trivial work unit: it sleeps for the duration named by
// the job's DURATION parameter (UWS duration syntax, default one second),
// checking for cancellation the whole time. Useful as a placeholder worker
// and in tests.
type SleepWorker struct{}

func (SleepWorker) Run(ctx context.Context, job *Job) error {
	d := time.Second
	if raw, ok := job.Parameter("DURATION"); ok {
		parsed, err := durationValue(raw)
		if err != nil {
			return fmt.Errorf("invalid DURATION parameter: %w", err)
		}
		d = parsed
	}

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
