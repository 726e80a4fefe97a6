package uws

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
)

// DefaultGracePeriod is how long Abort and the execution-duration timeout
// wait for a cancelled worker to return before declaring it leaked.
const DefaultGracePeriod = time.Second

type stopReason int

const (
	stopNone stopReason = iota
	stopAbort
	stopTimeout
)

// Job is one unit of asynchronous work: its parameters, results, error
// summary, phase, deadlines, observers and optional worker.
//
// Phase transitions are serialized per job and observers are notified of
// every transition, in order, from outside the job's state lock.
type Job struct {
	id           string
	owner        JobOwner
	creationTime time.Time

	// transitionMu serializes phase transitions end to end, including the
	// observer notifications that follow each one.
	transitionMu sync.Mutex

	mu                sync.Mutex
	phase             ExecutionPhase
	runID             string
	quoteSec          int64
	executionDuration int64 // seconds, 0 = no limit
	destructionTime   time.Time
	startTime         time.Time
	endTime           time.Time
	parameters        map[string]interface{}
	controllers       map[string]ParameterController
	results           []Result
	errorSummary      *ErrorSummary
	observers         []JobObserver
	jobInfo           JobInfo
	list              *JobList

	worker       JobWorker
	cancel       context.CancelFunc
	done         chan struct{}
	stop         stopReason
	durTimer     *time.Timer
	gracePeriod  time.Duration
	leakedWorker bool

	logger arbor.ILogger
}

// NewJob creates a pending job owned by owner (nil for anonymous) carrying
// the given parameters. Reserved control parameter names are folded to
// their canonical form and RUNID is lifted into the job's run label.
func NewJob(owner JobOwner, parameters map[string]interface{}) *Job {
	j := &Job{
		id:           common.NewJobID(),
		owner:        owner,
		creationTime: time.Now(),
		phase:        PhasePending,
		parameters:   make(map[string]interface{}, len(parameters)),
		gracePeriod:  DefaultGracePeriod,
		logger:       common.GetLogger(),
	}
	for name, value := range parameters {
		name = NormalizeParameterName(name)
		if name == ParamRunID {
			j.runID = stringValue(value)
			continue
		}
		j.parameters[name] = value
	}
	return j
}

// RestoreJob rebuilds a job from its serialized description, forcing the
// recorded phase back even when it would be illegal to re-enter.
func RestoreJob(desc *JobDescription) *Job {
	var owner JobOwner
	if desc.OwnerID != "" {
		owner = NewBasicOwner(desc.OwnerID, desc.OwnerPseudonym)
	}

	j := &Job{
		id:                desc.JobID,
		owner:             owner,
		creationTime:      desc.CreationTime,
		phase:             PhasePending,
		runID:             desc.RunID,
		quoteSec:          desc.QuoteSec,
		executionDuration: desc.ExecutionDuration,
		parameters:        make(map[string]interface{}, len(desc.Parameters)),
		results:           append([]Result(nil), desc.Results...),
		errorSummary:      desc.ErrorSummary,
		gracePeriod:       DefaultGracePeriod,
		logger:            common.GetLogger(),
	}
	for name, value := range desc.Parameters {
		j.parameters[name] = value
	}
	if desc.DestructionTime != nil {
		j.destructionTime = *desc.DestructionTime
	}
	if desc.StartTime != nil {
		j.startTime = *desc.StartTime
	}
	if desc.EndTime != nil {
		j.endTime = *desc.EndTime
	}
	if desc.Phase != "" {
		j.phase = desc.Phase
	}
	return j
}

// ID returns the job identifier, unique within its job list.
func (j *Job) ID() string {
	return j.id
}

// Owner returns the job's owner, nil for anonymous jobs.
func (j *Job) Owner() JobOwner {
	return j.owner
}

// CreationTime returns the instant the job was created.
func (j *Job) CreationTime() time.Time {
	return j.creationTime
}

// Phase returns the job's current execution phase.
func (j *Job) Phase() ExecutionPhase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// RunID returns the client-supplied run label, possibly empty.
func (j *Job) RunID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runID
}

// Quote returns the advisory estimated completion duration in seconds.
func (j *Job) Quote() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.quoteSec
}

// SetQuote records the advisory completion estimate. Workers may call this
// at any time.
func (j *Job) SetQuote(seconds int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.quoteSec = seconds
}

// ExecutionDuration returns the execution budget in seconds, 0 for no limit.
func (j *Job) ExecutionDuration() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.executionDuration
}

// DestructionTime returns the instant the job must be destroyed, zero when
// unset.
func (j *Job) DestructionTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.destructionTime
}

// StartTime returns the instant the job entered EXECUTING, zero before.
func (j *Job) StartTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startTime
}

// EndTime returns the instant the job entered a terminal phase, zero before.
func (j *Job) EndTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.endTime
}

// ErrorSummary returns the recorded failure, nil when the job has not
// failed.
func (j *Job) ErrorSummary() *ErrorSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.errorSummary == nil {
		return nil
	}
	summary := *j.errorSummary
	return &summary
}

// JobInfo returns the optional opaque descriptor attached to the job.
func (j *Job) JobInfo() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jobInfo
}

// SetJobInfo attaches an opaque descriptor. Its Destroy is called when the
// job is destroyed.
func (j *Job) SetJobInfo(info JobInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobInfo = info
}

// List returns the job list this job belongs to, nil before insertion.
func (j *Job) List() *JobList {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.list
}

// setList wires the weak backreference; the list sets it exactly once on
// insertion.
func (j *Job) setList(list *JobList) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.list != nil && list != nil && j.list != list {
		return NewConflictError("job %s already belongs to job list %s", j.id, j.list.Name())
	}
	j.list = list
	return nil
}

// SetWorker assigns the work unit started when the job enters EXECUTING.
func (j *Job) SetWorker(worker JobWorker) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.worker = worker
}

// SetGracePeriod overrides how long abort and timeout wait for the worker
// to observe cancellation.
func (j *Job) SetGracePeriod(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if d > 0 {
		j.gracePeriod = d
	}
}

// SetLogger replaces the job's logger. The job list does this on insertion
// so job logs carry the list's configuration.
func (j *Job) SetLogger(logger arbor.ILogger) {
	if logger == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logger = logger
}

// WorkerLeaked reports whether a cancelled worker failed to return within
// the grace period.
func (j *Job) WorkerLeaked() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.leakedWorker
}

// AddObserver subscribes obs to this job's phase transitions. Observers
// never own the job and are skipped during serialization.
func (j *Job) AddObserver(obs JobObserver) {
	if obs == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, existing := range j.observers {
		if observersMatch(existing, obs) {
			return
		}
	}
	j.observers = append(j.observers, obs)
}

// RemoveObserver unsubscribes obs.
func (j *Job) RemoveObserver(obs JobObserver) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, existing := range j.observers {
		if observersMatch(existing, obs) {
			j.observers = append(j.observers[:i], j.observers[i+1:]...)
			return
		}
	}
}

// observersMatch compares observers without panicking on uncomparable
// dynamic types such as JobObserverFunc. Function observers match by
// identity of the underlying function value.
func observersMatch(a, b JobObserver) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	if va.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	if !va.Comparable() || !vb.Comparable() {
		return false
	}
	return a == b
}

// SetPhase moves the job to target. Without force the transition must be
// legal per the phase table; on rejection the phase is unchanged. Observers
// are notified of every effective transition.
func (j *Job) SetPhase(target ExecutionPhase, force bool) error {
	j.transitionMu.Lock()
	defer j.transitionMu.Unlock()
	return j.setPhase(target, force)
}

// setPhase performs one transition. Callers hold transitionMu.
func (j *Job) setPhase(target ExecutionPhase, force bool) error {
	j.mu.Lock()
	old := j.phase
	if !force && !old.CanTransition(target) {
		j.mu.Unlock()
		return &PhaseTransitionError{JobID: j.id, From: old, To: target}
	}
	j.phase = target
	now := time.Now()
	if target == PhaseExecuting && old != PhaseExecuting {
		j.startTime = now
	}
	if target.IsTerminal() && j.endTime.IsZero() {
		j.endTime = now
	}
	observers := append([]JobObserver(nil), j.observers...)
	logger := j.logger
	j.mu.Unlock()

	if old == target {
		return nil
	}
	for _, obs := range observers {
		notifyObserver(obs, j, old, target, logger)
	}
	return nil
}

// notifyObserver shields the job from observer failures.
func notifyObserver(obs JobObserver, j *Job, old, target ExecutionPhase, logger arbor.ILogger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().
				Str("job_id", j.id).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Job observer panicked")
		}
	}()
	obs.Update(j, old, target)
}

// Parameter returns the named parameter value. Reserved control names are
// matched case-insensitively.
func (j *Job) Parameter(name string) (interface{}, bool) {
	name = NormalizeParameterName(name)
	j.mu.Lock()
	defer j.mu.Unlock()
	value, ok := j.parameters[name]
	return value, ok
}

// Parameters returns a copy of the job's parameter map.
func (j *Job) Parameters() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	params := make(map[string]interface{}, len(j.parameters))
	for name, value := range j.parameters {
		params[name] = value
	}
	return params
}

// Controller returns the controller attached to the named parameter.
func (j *Job) Controller(name string) (ParameterController, bool) {
	name = NormalizeParameterName(name)
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.controllers[name]
	return c, ok
}

// hasControllers reports whether a controller overlay was already applied.
func (j *Job) hasControllers() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.controllers) > 0
}

// applyControllers attaches the controller overlay, checks any parameters
// already present and fills in defaults for the rest. Returned warnings
// describe coercions that were applied.
func (j *Job) applyControllers(controllers map[string]ParameterController) ([]string, error) {
	if len(controllers) == 0 {
		return nil, nil
	}

	j.mu.Lock()
	if j.controllers == nil {
		j.controllers = make(map[string]ParameterController, len(controllers))
	}
	for name, c := range controllers {
		j.controllers[name] = c
	}
	j.mu.Unlock()

	var warnings []string
	for name, c := range controllers {
		if raw, ok := j.Parameter(name); ok {
			accepted, warning, err := c.Check(j, raw)
			if err != nil {
				return warnings, err
			}
			if warning != "" {
				warnings = append(warnings, fmt.Sprintf("%s: %s", name, warning))
			}
			if err := j.storeParameter(name, accepted); err != nil {
				return warnings, err
			}
		} else if value, ok := c.DefaultValue(j); ok {
			if err := j.storeParameter(name, value); err != nil {
				return warnings, err
			}
		}
	}
	return warnings, nil
}

// AddParameter sets a parameter on a job that does not have it yet; it is
// an alias of SetParameter, kept for symmetry with the protocol wording.
func (j *Job) AddParameter(name string, value interface{}) (string, error) {
	return j.SetParameter(name, value)
}

// SetParameter validates and stores one parameter. Only PENDING jobs are
// updatable; controlled parameters go through their controller and
// controllers that forbid modification reject the update. The returned
// warning describes any coercion that was applied.
func (j *Job) SetParameter(name string, value interface{}) (string, error) {
	name = NormalizeParameterName(name)
	if name == ParamAction {
		return "", NewBadParameterError("ACTION is handled by the job list, not the job")
	}

	if !j.Phase().IsUpdatable() {
		return "", NewConflictError("job %s is in phase %s and can no longer be modified", j.id, j.Phase())
	}

	controller, hasController := j.Controller(name)
	warning := ""
	if hasController {
		if !controller.AllowModification() {
			return "", NewPermissionDeniedError("parameter %s may not be modified", name)
		}
		accepted, w, err := controller.Check(j, value)
		if err != nil {
			return "", err
		}
		value = accepted
		warning = w
	}

	if err := j.storeParameter(name, value); err != nil {
		return warning, err
	}

	// A changed destruction deadline must reschedule the destruction timer.
	if name == ParamDestruction {
		if list := j.List(); list != nil {
			list.destructionManager.Update(j)
		}
	}
	return warning, nil
}

// storeParameter writes the accepted value, lifting reserved parameters
// into their job fields.
func (j *Job) storeParameter(name string, value interface{}) error {
	switch name {
	case ParamRunID:
		j.mu.Lock()
		j.runID = stringValue(value)
		j.mu.Unlock()
		return nil
	case ParamExecutionDuration:
		seconds, err := executionSeconds(value)
		if err != nil {
			return err
		}
		j.mu.Lock()
		j.executionDuration = seconds
		j.parameters[name] = seconds
		j.mu.Unlock()
		return nil
	case ParamDestruction:
		instant, ok := value.(time.Time)
		if !ok {
			parsed, err := parseInstant(stringValue(value))
			if err != nil {
				return NewBadParameterError("invalid destruction time: %v", err)
			}
			instant = parsed
		}
		j.mu.Lock()
		j.destructionTime = instant
		j.parameters[name] = instant
		j.mu.Unlock()
		return nil
	case ParamQuote:
		f, err := numericValue(value)
		if err != nil {
			return NewBadParameterError("invalid quote: %v", err)
		}
		j.mu.Lock()
		j.quoteSec = int64(f)
		j.parameters[name] = int64(f)
		j.mu.Unlock()
		return nil
	}

	j.mu.Lock()
	j.parameters[name] = value
	j.mu.Unlock()
	return nil
}

// executionSeconds coerces an accepted execution duration value to seconds.
func executionSeconds(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		f, err := numericValue(v)
		if err != nil {
			return 0, NewBadParameterError("invalid execution duration: %v", err)
		}
		return int64(f), nil
	}
	return 0, NewBadParameterError("invalid execution duration: %v", value)
}

// SetDestructionTime records the destruction deadline directly, bypassing
// controllers. The destruction manager uses the stored value on Update.
func (j *Job) SetDestructionTime(instant time.Time) {
	j.mu.Lock()
	j.destructionTime = instant
	j.parameters[ParamDestruction] = instant
	j.mu.Unlock()
}

// Results returns a copy of the job's ordered result list.
func (j *Job) Results() []Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Result(nil), j.results...)
}

// Result returns the identified result.
func (j *Job) Result(id string) (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.results {
		if r.ID == id {
			return r, true
		}
	}
	return Result{}, false
}

// AddResult appends one result. Only an EXECUTING job may publish results
// and result ids are unique within the job.
func (j *Job) AddResult(result Result) error {
	if result.ID == "" {
		return NewBadParameterError("result id is required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase != PhaseExecuting {
		return NewConflictError("job %s is not executing; results may only be added while EXECUTING", j.id)
	}
	for _, r := range j.results {
		if r.ID == result.ID {
			return NewConflictError("job %s already has a result %s", j.id, result.ID)
		}
	}
	j.results = append(j.results, result)
	return nil
}

// Start moves the job into EXECUTING (through QUEUED when needed) and
// spawns its worker. Finished jobs cannot be restarted.
func (j *Job) Start() error {
	j.transitionMu.Lock()
	defer j.transitionMu.Unlock()

	phase := j.Phase()
	if phase.IsTerminal() {
		return NewConflictError("job %s is already finished (%s)", j.id, phase)
	}
	if phase == PhaseExecuting {
		return nil
	}
	if phase != PhaseQueued {
		if err := j.setPhase(PhaseQueued, false); err != nil {
			return err
		}
	}
	if err := j.setPhase(PhaseExecuting, false); err != nil {
		return err
	}

	j.mu.Lock()
	worker := j.worker
	if worker == nil {
		worker = SleepWorker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	j.cancel = cancel
	j.done = done
	j.stop = stopNone
	j.leakedWorker = false
	budget := time.Duration(j.executionDuration) * time.Second
	j.mu.Unlock()

	if budget > 0 {
		timer := time.AfterFunc(budget, j.onExecutionTimeout)
		j.mu.Lock()
		j.durTimer = timer
		j.mu.Unlock()
	}

	go j.runWorker(ctx, worker, done)
	return nil
}

// runWorker executes the work unit and applies the worker contract to its
// outcome.
func (j *Job) runWorker(ctx context.Context, worker JobWorker, done chan struct{}) {
	defer close(done)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = FatalWorkerError(fmt.Errorf("worker panicked: %v", r), fmt.Sprintf("%v", r))
			}
		}()
		return worker.Run(ctx, j)
	}()

	j.finishWorker(err)
}

// finishWorker performs the final transition for a returned worker:
// COMPLETED on success, ABORTED on cancellation, ERROR otherwise.
func (j *Job) finishWorker(err error) {
	j.transitionMu.Lock()
	defer j.transitionMu.Unlock()

	j.mu.Lock()
	if j.durTimer != nil {
		j.durTimer.Stop()
		j.durTimer = nil
	}
	reason := j.stop
	phase := j.phase
	j.mu.Unlock()

	// Abort or timeout may already have forced a terminal phase while the
	// worker ignored cancellation.
	if phase.IsTerminal() {
		return
	}

	switch {
	case reason == stopTimeout:
		j.recordError(&ErrorSummary{Type: ErrorTypeFatal, Message: "execution duration exceeded"}, "")
		_ = j.setPhase(PhaseError, false)
	case reason == stopAbort, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		_ = j.setPhase(PhaseAborted, false)
	case err != nil:
		summary := &ErrorSummary{Type: ErrorTypeTransient, Message: err.Error()}
		details := ""
		var we *WorkerError
		if errors.As(err, &we) {
			summary.Type = we.Type
			details = we.Details
		}
		j.recordError(summary, details)
		_ = j.setPhase(PhaseError, false)
	default:
		_ = j.setPhase(PhaseCompleted, false)
	}
}

// recordError stores the error summary and writes the details file through
// the file manager, best effort: a failed write never changes the outcome.
func (j *Job) recordError(summary *ErrorSummary, details string) {
	if details != "" {
		if fm := j.fileManager(); fm != nil {
			w, ref, err := fm.ErrorWriter(j, *summary)
			if err == nil {
				if _, werr := w.Write([]byte(details)); werr == nil {
					summary.DetailsRef = ref
				}
				_ = w.Close()
			} else {
				j.logger.Warn().Err(err).Str("job_id", j.id).Msg("Failed to write error details file")
			}
		}
	}
	j.mu.Lock()
	j.errorSummary = summary
	j.mu.Unlock()
}

// fileManager resolves the file manager through the job's list and service.
func (j *Job) fileManager() FileManager {
	list := j.List()
	if list == nil {
		return nil
	}
	service := list.Service()
	if service == nil {
		return nil
	}
	return service.FileManager()
}

// Abort requests cooperative termination. An executing worker is signalled
// and granted the grace period; the job ends ABORTED either way. Aborting
// a finished job is a no-op.
func (j *Job) Abort() error {
	j.transitionMu.Lock()

	phase := j.Phase()
	if phase.IsTerminal() {
		j.transitionMu.Unlock()
		return nil
	}
	if phase != PhaseExecuting {
		err := j.setPhase(PhaseAborted, false)
		j.transitionMu.Unlock()
		return err
	}

	j.mu.Lock()
	j.stop = stopAbort
	cancel := j.cancel
	done := j.done
	grace := j.gracePeriod
	j.mu.Unlock()
	// Release the transition lock so the worker can perform the ABORTED
	// transition itself.
	j.transitionMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return j.SetPhase(PhaseAborted, false)
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	// The worker ignored cancellation: complete the transition anyway and
	// mark the worker as leaked.
	j.mu.Lock()
	j.leakedWorker = true
	j.mu.Unlock()
	j.logger.Warn().
		Str("job_id", j.id).
		Dur("grace_period", grace).
		Msg("Worker did not stop within the grace period; marking as leaked")

	j.transitionMu.Lock()
	if !j.Phase().IsTerminal() {
		_ = j.setPhase(PhaseAborted, true)
	}
	j.transitionMu.Unlock()
	return fmt.Errorf("abort of job %s: %w", j.id, ErrWorkerLeaked)
}

// onExecutionTimeout fires when the execution budget elapses while the job
// is still EXECUTING.
func (j *Job) onExecutionTimeout() {
	j.mu.Lock()
	if j.phase != PhaseExecuting {
		j.mu.Unlock()
		return
	}
	j.stop = stopTimeout
	cancel := j.cancel
	done := j.done
	grace := j.gracePeriod
	j.mu.Unlock()

	j.logger.Warn().
		Str("job_id", j.id).
		Int64("execution_duration", j.ExecutionDuration()).
		Msg("Execution duration exceeded; cancelling worker")

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
			return
		case <-time.After(grace):
		}
	}

	j.mu.Lock()
	j.leakedWorker = true
	j.mu.Unlock()
	j.logger.Warn().
		Str("job_id", j.id).
		Dur("grace_period", grace).
		Msg("Worker ignored the execution timeout; marking as leaked")

	j.transitionMu.Lock()
	if !j.Phase().IsTerminal() {
		j.recordError(&ErrorSummary{Type: ErrorTypeFatal, Message: "execution duration exceeded"}, "")
		_ = j.setPhase(PhaseError, true)
	}
	j.transitionMu.Unlock()
}

// ClearResources releases everything the job holds: the worker is aborted,
// timers stopped, files deleted, observers detached and the job info
// destroyed. The job's metadata stays readable.
func (j *Job) ClearResources() {
	if j.Phase() == PhaseExecuting {
		_ = j.Abort()
	}

	j.mu.Lock()
	if j.durTimer != nil {
		j.durTimer.Stop()
		j.durTimer = nil
	}
	j.observers = nil
	info := j.jobInfo
	j.jobInfo = nil
	j.mu.Unlock()

	if info != nil {
		info.Destroy()
	}

	if fm := j.fileManager(); fm != nil {
		if err := fm.DeleteJobFiles(j); err != nil {
			j.logger.Warn().Err(err).Str("job_id", j.id).Msg("Failed to delete job files")
		}
	}
}
