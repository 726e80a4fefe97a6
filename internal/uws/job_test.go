package uws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver captures every phase transition it is notified of.
type recordingObserver struct {
	mu          sync.Mutex
	transitions [][2]ExecutionPhase
}

func (o *recordingObserver) Update(job *Job, oldPhase, newPhase ExecutionPhase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, [2]ExecutionPhase{oldPhase, newPhase})
}

func (o *recordingObserver) Transitions() [][2]ExecutionPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][2]ExecutionPhase(nil), o.transitions...)
}

// waitForPhase polls until the job reaches want or the deadline expires.
func waitForPhase(t *testing.T, job *Job, want ExecutionPhase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if job.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s within %s (still %s)", job.ID(), want, timeout, job.Phase())
}

func sleepingWorker(d time.Duration) JobWorker {
	return JobWorkerFunc(func(ctx context.Context, job *Job) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func TestJobLifecycleCompletes(t *testing.T) {
	job := NewJob(nil, map[string]interface{}{"x": 1})
	job.SetWorker(sleepingWorker(50 * time.Millisecond))

	assert.Equal(t, PhasePending, job.Phase())
	require.NoError(t, job.Start())
	assert.Equal(t, PhaseExecuting, job.Phase())

	waitForPhase(t, job, PhaseCompleted, 2*time.Second)
	assert.False(t, job.StartTime().IsZero())
	assert.False(t, job.EndTime().IsZero())
	assert.False(t, job.EndTime().Before(job.StartTime()))
	assert.Nil(t, job.ErrorSummary())
}

func TestJobStartRefusesFinishedJob(t *testing.T) {
	job := NewJob(nil, nil)
	require.NoError(t, job.SetPhase(PhaseCompleted, true))
	err := job.Start()
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConflict, kind)
}

func TestJobAbortWhileExecuting(t *testing.T) {
	job := NewJob(nil, nil)
	job.SetWorker(sleepingWorker(10 * time.Second))
	obs := &recordingObserver{}
	job.AddObserver(obs)

	require.NoError(t, job.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, job.Abort())

	waitForPhase(t, job, PhaseAborted, 2*time.Second)
	assert.False(t, job.EndTime().IsZero())

	aborted := 0
	for _, tr := range obs.Transitions() {
		if tr[0] == PhaseExecuting && tr[1] == PhaseAborted {
			aborted++
		}
	}
	assert.Equal(t, 1, aborted, "exactly one EXECUTING->ABORTED notification")
}

func TestJobAbortBeforeStart(t *testing.T) {
	job := NewJob(nil, nil)
	require.NoError(t, job.Abort())
	assert.Equal(t, PhaseAborted, job.Phase())

	// Aborting a finished job is a no-op.
	require.NoError(t, job.Abort())
	assert.Equal(t, PhaseAborted, job.Phase())
}

func TestJobAbortLeakedWorker(t *testing.T) {
	job := NewJob(nil, nil)
	job.SetGracePeriod(50 * time.Millisecond)
	// This worker never looks at the cancellation signal.
	job.SetWorker(JobWorkerFunc(func(ctx context.Context, job *Job) error {
		time.Sleep(2 * time.Second)
		return nil
	}))

	require.NoError(t, job.Start())
	time.Sleep(10 * time.Millisecond)
	err := job.Abort()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerLeaked))
	assert.Equal(t, PhaseAborted, job.Phase())
	assert.True(t, job.WorkerLeaked())
}

func TestJobWorkerError(t *testing.T) {
	job := NewJob(nil, nil)
	job.SetWorker(JobWorkerFunc(func(ctx context.Context, job *Job) error {
		return fmt.Errorf("disk on fire")
	}))

	require.NoError(t, job.Start())
	waitForPhase(t, job, PhaseError, 2*time.Second)

	summary := job.ErrorSummary()
	require.NotNil(t, summary)
	assert.Equal(t, ErrorTypeTransient, summary.Type)
	assert.Equal(t, "disk on fire", summary.Message)
}

func TestJobWorkerFatalError(t *testing.T) {
	job := NewJob(nil, nil)
	job.SetWorker(JobWorkerFunc(func(ctx context.Context, job *Job) error {
		return FatalWorkerError(fmt.Errorf("segment lost"), "")
	}))

	require.NoError(t, job.Start())
	waitForPhase(t, job, PhaseError, 2*time.Second)
	summary := job.ErrorSummary()
	require.NotNil(t, summary)
	assert.Equal(t, ErrorTypeFatal, summary.Type)
}

func TestJobWorkerPanicBecomesFatalError(t *testing.T) {
	job := NewJob(nil, nil)
	job.SetWorker(JobWorkerFunc(func(ctx context.Context, job *Job) error {
		panic("boom")
	}))

	require.NoError(t, job.Start())
	waitForPhase(t, job, PhaseError, 2*time.Second)
	summary := job.ErrorSummary()
	require.NotNil(t, summary)
	assert.Equal(t, ErrorTypeFatal, summary.Type)
}

func TestJobExecutionDurationTimeout(t *testing.T) {
	job := NewJob(nil, nil)
	_, err := job.SetParameter(ParamExecutionDuration, "1")
	require.NoError(t, err)
	job.SetWorker(sleepingWorker(10 * time.Second))

	require.NoError(t, job.Start())
	waitForPhase(t, job, PhaseError, 3*time.Second)

	summary := job.ErrorSummary()
	require.NotNil(t, summary)
	assert.Equal(t, ErrorTypeFatal, summary.Type)
	assert.Equal(t, "execution duration exceeded", summary.Message)
}

func TestJobObserverSeesOrderedTransitions(t *testing.T) {
	job := NewJob(nil, nil)
	job.SetWorker(sleepingWorker(20 * time.Millisecond))
	obs := &recordingObserver{}
	job.AddObserver(obs)

	require.NoError(t, job.Start())
	waitForPhase(t, job, PhaseCompleted, 2*time.Second)

	transitions := obs.Transitions()
	require.Len(t, transitions, 3)
	assert.Equal(t, [2]ExecutionPhase{PhasePending, PhaseQueued}, transitions[0])
	assert.Equal(t, [2]ExecutionPhase{PhaseQueued, PhaseExecuting}, transitions[1])
	assert.Equal(t, [2]ExecutionPhase{PhaseExecuting, PhaseCompleted}, transitions[2])
}

func TestJobObserverFailureDoesNotAffectJob(t *testing.T) {
	job := NewJob(nil, nil)
	job.AddObserver(JobObserverFunc(func(job *Job, oldPhase, newPhase ExecutionPhase) {
		panic("observer bug")
	}))
	require.NoError(t, job.SetPhase(PhaseHeld, false))
	assert.Equal(t, PhaseHeld, job.Phase())
}

func TestJobRemoveObserver(t *testing.T) {
	job := NewJob(nil, nil)
	obs := &recordingObserver{}
	job.AddObserver(obs)
	job.RemoveObserver(obs)
	require.NoError(t, job.SetPhase(PhaseHeld, false))
	assert.Empty(t, obs.Transitions())
}

func TestJobFuncObservers(t *testing.T) {
	job := NewJob(nil, nil)

	var first, second int
	firstObs := JobObserverFunc(func(job *Job, oldPhase, newPhase ExecutionPhase) {
		first++
	})
	secondObs := JobObserverFunc(func(job *Job, oldPhase, newPhase ExecutionPhase) {
		second++
	})

	require.NotPanics(t, func() {
		job.AddObserver(firstObs)
		job.AddObserver(secondObs)
		// Re-adding the same function is a no-op, not a duplicate.
		job.AddObserver(firstObs)
	})

	require.NoError(t, job.SetPhase(PhaseHeld, false))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	require.NotPanics(t, func() {
		job.RemoveObserver(firstObs)
	})
	require.NoError(t, job.SetPhase(PhaseQueued, false))
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestJobResultsOnlyWhileExecuting(t *testing.T) {
	job := NewJob(nil, nil)

	err := job.AddResult(Result{ID: "r1"})
	require.Error(t, err)

	require.NoError(t, job.SetPhase(PhaseQueued, false))
	require.NoError(t, job.SetPhase(PhaseExecuting, false))

	require.NoError(t, job.AddResult(Result{ID: "r1", MimeType: "text/plain"}))
	require.NoError(t, job.AddResult(Result{ID: "r2"}))

	// Result ids are unique within the job.
	err = job.AddResult(Result{ID: "r1"})
	require.Error(t, err)

	results := job.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "r1", results[0].ID)
	assert.Equal(t, "r2", results[1].ID)

	r, ok := job.Result("r2")
	require.True(t, ok)
	assert.Equal(t, "r2", r.ID)
}

func TestJobParametersUpdatableOnlyWhilePending(t *testing.T) {
	job := NewJob(nil, map[string]interface{}{"COLOR": "red"})

	_, err := job.SetParameter("COLOR", "blue")
	require.NoError(t, err)
	value, _ := job.Parameter("COLOR")
	assert.Equal(t, "blue", value)

	require.NoError(t, job.SetPhase(PhaseQueued, false))
	_, err = job.SetParameter("COLOR", "green")
	require.Error(t, err)
	value, _ = job.Parameter("COLOR")
	assert.Equal(t, "blue", value)
}

func TestJobParameterModificationForbidden(t *testing.T) {
	frozen, err := NewStringController("init", true, "", false, nil, false)
	require.NoError(t, err)

	job := NewJob(nil, nil)
	_, err = job.applyControllers(map[string]ParameterController{"FROZEN": frozen})
	require.NoError(t, err)

	value, ok := job.Parameter("FROZEN")
	require.True(t, ok)
	assert.Equal(t, "init", value)

	_, err = job.SetParameter("FROZEN", "changed")
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, kind)
}

func TestJobRunIDFromParameters(t *testing.T) {
	job := NewJob(nil, map[string]interface{}{"runid": "survey-7"})
	assert.Equal(t, "survey-7", job.RunID())
	_, ok := job.Parameter(ParamRunID)
	assert.False(t, ok, "RUNID is lifted into the run label, not stored as a parameter")
}

func TestJobDescribeRestoreRoundTrip(t *testing.T) {
	owner := NewBasicOwner("alice", "Alice")
	job := NewJob(owner, map[string]interface{}{"SPEED": 42.0})
	job.SetQuote(120)
	_, err := job.SetParameter(ParamExecutionDuration, "600")
	require.NoError(t, err)
	destruction := time.Now().Add(time.Hour).Truncate(time.Second)
	job.SetDestructionTime(destruction)

	require.NoError(t, job.SetPhase(PhaseQueued, false))
	require.NoError(t, job.SetPhase(PhaseExecuting, false))
	require.NoError(t, job.AddResult(Result{ID: "out", MimeType: "application/fits", Size: 9000}))
	require.NoError(t, job.SetPhase(PhaseCompleted, false))

	desc := job.Describe()
	restored := RestoreJob(desc)

	assert.Equal(t, job.ID(), restored.ID())
	assert.Equal(t, PhaseCompleted, restored.Phase())
	assert.Equal(t, int64(120), restored.Quote())
	assert.Equal(t, int64(600), restored.ExecutionDuration())
	assert.Equal(t, "alice", restored.Owner().ID())
	assert.True(t, restored.DestructionTime().Equal(destruction))
	assert.Equal(t, job.CreationTime(), restored.CreationTime())
	assert.Equal(t, job.StartTime(), restored.StartTime())
	assert.Equal(t, job.EndTime(), restored.EndTime())

	results := restored.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "out", results[0].ID)

	speed, ok := restored.Parameter("SPEED")
	require.True(t, ok)
	assert.Equal(t, 42.0, speed)
}
