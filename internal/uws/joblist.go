package uws

import (
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
)

// DestructionPolicy maps a destroy request to either deletion or archival.
type DestructionPolicy string

const (
	// AlwaysDelete removes the job and its resources entirely.
	AlwaysDelete DestructionPolicy = "ALWAYS_DELETE"
	// ArchiveOnDate archives a job destroyed at or after its destruction
	// time and deletes one destroyed earlier.
	ArchiveOnDate DestructionPolicy = "ARCHIVE_ON_DATE"
	// AlwaysArchive archives on every destroy request; destroying an
	// already archived job falls through to deletion.
	AlwaysArchive DestructionPolicy = "ALWAYS_ARCHIVE"
)

// DestructionPolicyFromString maps a policy name to its value, defaulting
// to ALWAYS_DELETE.
func DestructionPolicyFromString(s string) DestructionPolicy {
	switch DestructionPolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case ArchiveOnDate:
		return ArchiveOnDate
	case AlwaysArchive:
		return AlwaysArchive
	}
	return AlwaysDelete
}

// JobList is a named, ownership-indexed collection of jobs wiring together
// one execution manager, one destruction manager and the enclosing
// service's backup. Enumeration follows insertion order.
type JobList struct {
	name string

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	byOwner map[string]map[string]*Job
	service *Service

	execManager        ExecutionManager
	destructionManager *DestructionManager
	policy             DestructionPolicy
	controllers        map[string]ParameterController
	workerFactory      JobWorkerFactory
	listeners          []JobListListener
	jobObservers       []JobObserver

	logger arbor.ILogger
}

// NewJobList builds a job list with the unbounded execution manager and
// the ALWAYS_DELETE policy. The name must be non-empty and free of '.',
// '=', '/' and whitespace.
func NewJobList(name string, logger arbor.ILogger) (*JobList, error) {
	if !common.IsValidJobListName(name) {
		return nil, NewBadParameterError("invalid job list name %q", name)
	}
	if logger == nil {
		logger = common.GetLogger()
	}
	l := &JobList{
		name:        name,
		jobs:        make(map[string]*Job),
		byOwner:     make(map[string]map[string]*Job),
		execManager: NewDefaultExecutionManager(logger),
		policy:      AlwaysDelete,
		logger:      logger,
	}
	l.destructionManager = NewDestructionManager(l.destroyOnDeadline, logger)
	l.destructionManager.bindList(l)
	return l, nil
}

// NewJobListFromDefinition builds a job list from its configuration:
// concurrency bound, parameter controllers and destruction policy.
func NewJobListFromDefinition(def *common.JobListDefinition, logger arbor.ILogger) (*JobList, error) {
	l, err := NewJobList(def.Name, logger)
	if err != nil {
		return nil, err
	}
	if def.MaxRunningJobs > 0 {
		l.execManager = NewQueuedExecutionManager(def.MaxRunningJobs, logger)
	}
	controllers, err := ControllersFromDefinition(def)
	if err != nil {
		return nil, err
	}
	l.controllers = controllers
	if def.DestructionPolicy != "" {
		l.policy = DestructionPolicyFromString(def.DestructionPolicy)
	}
	return l, nil
}

// Name returns the list name; it never changes after construction.
func (l *JobList) Name() string {
	return l.name
}

// ExecutionManager returns the list's admission authority.
func (l *JobList) ExecutionManager() ExecutionManager {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.execManager
}

// SetExecutionManager replaces the admission authority; intended for
// configuration time, before jobs are admitted.
func (l *JobList) SetExecutionManager(m ExecutionManager) {
	if m == nil {
		return
	}
	l.mu.Lock()
	l.execManager = m
	l.mu.Unlock()
}

// DestructionManager returns the list's reclamation authority.
func (l *JobList) DestructionManager() *DestructionManager {
	return l.destructionManager
}

// DestructionPolicy returns the list's destroy policy.
func (l *JobList) DestructionPolicy() DestructionPolicy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// SetDestructionPolicy changes the destroy policy.
func (l *JobList) SetDestructionPolicy(policy DestructionPolicy) {
	l.mu.Lock()
	l.policy = policy
	l.mu.Unlock()
}

// Controllers returns the parameter controller overlay applied to jobs
// created in this list.
func (l *JobList) Controllers() map[string]ParameterController {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.controllers
}

// SetControllers replaces the parameter controller overlay.
func (l *JobList) SetControllers(controllers map[string]ParameterController) {
	l.mu.Lock()
	l.controllers = controllers
	l.mu.Unlock()
}

// SetWorkerFactory sets the factory equipping jobs created through
// CreateJob with their work unit.
func (l *JobList) SetWorkerFactory(factory JobWorkerFactory) {
	l.mu.Lock()
	l.workerFactory = factory
	l.mu.Unlock()
}

// AddListener subscribes to membership changes.
func (l *JobList) AddListener(listener JobListListener) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, listener)
	l.mu.Unlock()
}

// AddJobObserver attaches obs to every current and future job of the list.
func (l *JobList) AddJobObserver(obs JobObserver) {
	if obs == nil {
		return
	}
	l.mu.Lock()
	l.jobObservers = append(l.jobObservers, obs)
	jobs := l.snapshotLocked()
	l.mu.Unlock()
	for _, job := range jobs {
		job.AddObserver(obs)
	}
}

// Service returns the enclosing service, nil before attachment.
func (l *JobList) Service() *Service {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.service
}

// setService wires the weak backreference. Moving a non-empty list to
// another service is rejected.
func (l *JobList) setService(s *Service) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.service != nil && s != nil && l.service != s && len(l.jobs) > 0 {
		return NewConflictError("job list %s is not empty and already belongs to a service", l.name)
	}
	l.service = s
	return nil
}

// CreateJob builds a job from the given parameters, equips it with the
// list's worker and controller overlay, validates everything and inserts
// it. Returned warnings describe parameter coercions.
func (l *JobList) CreateJob(owner JobOwner, parameters map[string]interface{}) (*Job, []string, error) {
	job := NewJob(owner, parameters)

	l.mu.Lock()
	factory := l.workerFactory
	controllers := l.controllers
	l.mu.Unlock()

	if factory != nil {
		worker, err := factory(job)
		if err != nil {
			return nil, nil, err
		}
		job.SetWorker(worker)
	}

	warnings, err := job.applyControllers(controllers)
	if err != nil {
		return nil, warnings, err
	}

	if err := l.AddJob(job); err != nil {
		return nil, warnings, err
	}
	return job, warnings, nil
}

// AddJob inserts job: the list must be attached to a service, the job's
// owner must hold write permission on the list and the job id must be new.
// The job is indexed, scheduled for destruction and, when its parameters
// request an immediate start, handed to the execution manager.
func (l *JobList) AddJob(job *Job) error {
	if job == nil {
		return NewBadParameterError("job is required")
	}

	l.mu.Lock()
	if l.service == nil {
		l.mu.Unlock()
		return NewConflictError("job list %s is not attached to a service", l.name)
	}
	if _, exists := l.jobs[job.ID()]; exists {
		l.mu.Unlock()
		return NewConflictError("job list %s already contains a job %s", l.name, job.ID())
	}
	owner := job.Owner()
	if owner != nil && !owner.HasWritePermission(l) {
		l.mu.Unlock()
		return NewPermissionDeniedError("owner %s may not add jobs to list %s", owner.ID(), l.name)
	}
	l.mu.Unlock()

	if err := job.setList(l); err != nil {
		return err
	}

	// Jobs constructed directly still get the list's controller overlay.
	if !job.hasControllers() {
		if _, err := job.applyControllers(l.Controllers()); err != nil {
			_ = job.setList(nil)
			return err
		}
	}

	l.mu.Lock()
	job.SetLogger(l.logger)
	l.jobs[job.ID()] = job
	l.order = append(l.order, job.ID())
	if owner != nil {
		owned := l.byOwner[owner.ID()]
		if owned == nil {
			owned = make(map[string]*Job)
			l.byOwner[owner.ID()] = owned
		}
		owned[job.ID()] = job
	}
	observers := append([]JobObserver(nil), l.jobObservers...)
	listeners := append([]JobListListener(nil), l.listeners...)
	l.mu.Unlock()

	for _, obs := range observers {
		job.AddObserver(obs)
	}

	l.destructionManager.Update(job)

	for _, listener := range listeners {
		listener.JobAdded(l, job)
	}

	if l.startRequested(job) {
		return l.ExecutionManager().Execute(job)
	}
	return nil
}

// startRequested reports whether the job's parameters carry PHASE=RUN.
func (l *JobList) startRequested(job *Job) bool {
	raw, ok := job.Parameter(ParamPhase)
	return ok && strings.EqualFold(stringValue(raw), "RUN")
}

// RestoreJob re-inserts a job restored from backup: no permission check,
// no controller re-validation, no auto start. The recorded phase is kept.
func (l *JobList) RestoreJob(job *Job) error {
	if job == nil {
		return NewBadParameterError("job is required")
	}
	if err := job.setList(l); err != nil {
		return err
	}

	l.mu.Lock()
	if _, exists := l.jobs[job.ID()]; exists {
		l.mu.Unlock()
		return NewConflictError("job list %s already contains a job %s", l.name, job.ID())
	}
	job.SetLogger(l.logger)
	l.jobs[job.ID()] = job
	l.order = append(l.order, job.ID())
	if owner := job.Owner(); owner != nil {
		owned := l.byOwner[owner.ID()]
		if owned == nil {
			owned = make(map[string]*Job)
			l.byOwner[owner.ID()] = owned
		}
		owned[job.ID()] = job
	}
	observers := append([]JobObserver(nil), l.jobObservers...)
	l.mu.Unlock()

	for _, obs := range observers {
		job.AddObserver(obs)
	}

	if !job.Phase().IsTerminal() {
		l.destructionManager.Update(job)
	}
	return nil
}

// GetJob returns the identified job after checking the asking user's read
// permission on the list and on the job. A nil user is anonymous and
// unrestricted.
func (l *JobList) GetJob(jobID string, askingUser JobOwner) (*Job, error) {
	if askingUser != nil && !askingUser.HasReadPermission(l) {
		return nil, NewPermissionDeniedError("user %s may not read job list %s", askingUser.ID(), l.name)
	}
	l.mu.Lock()
	job := l.jobs[jobID]
	l.mu.Unlock()
	if job == nil {
		return nil, NewNotFoundError("no job %s in list %s", jobID, l.name)
	}
	if askingUser != nil && !askingUser.HasReadPermission(job) {
		return nil, NewPermissionDeniedError("user %s may not read job %s", askingUser.ID(), jobID)
	}
	return job, nil
}

// DestroyJob applies the list's destruction policy to the identified job,
// after checking the asking user's write permissions.
func (l *JobList) DestroyJob(jobID string, askingUser JobOwner) error {
	l.mu.Lock()
	job := l.jobs[jobID]
	l.mu.Unlock()
	if job == nil {
		return NewNotFoundError("no job %s in list %s", jobID, l.name)
	}
	if askingUser != nil {
		if !askingUser.HasWritePermission(l) {
			return NewPermissionDeniedError("user %s may not modify job list %s", askingUser.ID(), l.name)
		}
		if !askingUser.HasWritePermission(job) {
			return NewPermissionDeniedError("user %s may not destroy job %s", askingUser.ID(), jobID)
		}
	}
	l.destroyJob(job)
	return nil
}

// ArchiveJob transitions a job to ARCHIVED and releases its resources
// while keeping it enumerable, regardless of the list's destruction
// policy. Permission checks mirror DestroyJob.
func (l *JobList) ArchiveJob(jobID string, askingUser JobOwner) error {
	l.mu.Lock()
	job := l.jobs[jobID]
	l.mu.Unlock()
	if job == nil {
		return NewNotFoundError("no job %s in list %s", jobID, l.name)
	}
	if askingUser != nil {
		if !askingUser.HasWritePermission(l) {
			return NewPermissionDeniedError("user %s may not modify job list %s", askingUser.ID(), l.name)
		}
		if !askingUser.HasWritePermission(job) {
			return NewPermissionDeniedError("user %s may not archive job %s", askingUser.ID(), jobID)
		}
	}
	if job.Phase() == PhaseArchived {
		return NewConflictError("job %s is already archived", jobID)
	}
	l.archiveJob(job)
	return nil
}

// destroyOnDeadline is the destruction manager's action.
func (l *JobList) destroyOnDeadline(job *Job) {
	l.logger.Info().
		Str("job_id", job.ID()).
		Str("list", l.name).
		Msg("Destruction deadline reached")
	l.destroyJob(job)
}

// destroyJob applies the destruction policy.
func (l *JobList) destroyJob(job *Job) {
	switch l.DestructionPolicy() {
	case ArchiveOnDate:
		deadline := job.DestructionTime()
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			l.archiveJob(job)
			return
		}
		l.deleteJob(job)
	case AlwaysArchive:
		if job.Phase() == PhaseArchived {
			l.deleteJob(job)
			return
		}
		l.archiveJob(job)
	default:
		l.deleteJob(job)
	}
}

// archiveJob transitions the job to ARCHIVED and releases its resources
// while keeping it enumerable.
func (l *JobList) archiveJob(job *Job) {
	if !job.Phase().IsTerminal() {
		if err := job.Abort(); err != nil {
			l.logger.Warn().Err(err).Str("job_id", job.ID()).Msg("Abort before archive failed")
		}
	}
	if err := job.SetPhase(PhaseArchived, false); err != nil {
		if err := job.SetPhase(PhaseArchived, true); err != nil {
			l.logger.Warn().Err(err).Str("job_id", job.ID()).Msg("Failed to archive job")
			return
		}
	}

	l.ExecutionManager().Remove(job)
	l.destructionManager.Remove(job)
	job.ClearResources()

	l.mu.Lock()
	listeners := append([]JobListListener(nil), l.listeners...)
	l.mu.Unlock()
	for _, listener := range listeners {
		listener.JobArchived(l, job)
	}
}

// deleteJob removes the job from the indices and releases everything it
// holds. Clients reading it afterwards get not-found.
func (l *JobList) deleteJob(job *Job) {
	l.mu.Lock()
	if _, ok := l.jobs[job.ID()]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.jobs, job.ID())
	for i, id := range l.order {
		if id == job.ID() {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	if owner := job.Owner(); owner != nil {
		if owned := l.byOwner[owner.ID()]; owned != nil {
			delete(owned, job.ID())
			if len(owned) == 0 {
				delete(l.byOwner, owner.ID())
			}
		}
	}
	listeners := append([]JobListListener(nil), l.listeners...)
	l.mu.Unlock()

	l.ExecutionManager().Remove(job)
	l.destructionManager.Remove(job)
	job.ClearResources()

	for _, listener := range listeners {
		listener.JobDestroyed(l, job)
	}
}

// Clear destroys every job in the list.
func (l *JobList) Clear() {
	for _, job := range l.Jobs() {
		l.destroyJob(job)
	}
}

// ClearOwner destroys every job belonging to the given owner.
func (l *JobList) ClearOwner(ownerID string) {
	for _, job := range l.JobsOf(ownerID) {
		l.destroyJob(job)
	}
}

// snapshotLocked returns the jobs in insertion order. Callers hold l.mu.
func (l *JobList) snapshotLocked() []*Job {
	jobs := make([]*Job, 0, len(l.order))
	for _, id := range l.order {
		if job, ok := l.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// Jobs enumerates all jobs in insertion order.
func (l *JobList) Jobs() []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// JobsOf enumerates the jobs of one owner in insertion order.
func (l *JobList) JobsOf(ownerID string) []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	owned := l.byOwner[ownerID]
	jobs := make([]*Job, 0, len(owned))
	for _, id := range l.order {
		if job, ok := owned[id]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// JobsFor enumerates the jobs the asking user may read: all of them for an
// anonymous user, the readable subset otherwise.
func (l *JobList) JobsFor(askingUser JobOwner) []*Job {
	jobs := l.Jobs()
	if askingUser == nil {
		return jobs
	}
	readable := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if askingUser.HasReadPermission(job) {
			readable = append(readable, job)
		}
	}
	return readable
}

// SearchJobs finds jobs by run label, case-insensitively.
func (l *JobList) SearchJobs(runID string) []*Job {
	var matches []*Job
	for _, job := range l.Jobs() {
		if strings.EqualFold(job.RunID(), runID) {
			matches = append(matches, job)
		}
	}
	return matches
}

// Users lists the ids of all owners holding jobs in the list.
func (l *JobList) Users() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make([]string, 0, len(l.byOwner))
	for id := range l.byOwner {
		users = append(users, id)
	}
	return users
}

// NbJobs counts all jobs in the list.
func (l *JobList) NbJobs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

// NbJobsOf counts the jobs of one owner.
func (l *JobList) NbJobsOf(ownerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byOwner[ownerID])
}

// UpdateJobParameters applies a parameter update request to a job: the
// reserved ACTION=DELETE destroys the job through the list's policy, every
// other entry goes through SetParameter. Returned warnings describe
// coercions.
func (l *JobList) UpdateJobParameters(jobID string, askingUser JobOwner, parameters map[string]interface{}) ([]string, error) {
	job, err := l.GetJob(jobID, askingUser)
	if err != nil {
		return nil, err
	}
	if askingUser != nil && !askingUser.HasWritePermission(job) {
		return nil, NewPermissionDeniedError("user %s may not modify job %s", askingUser.ID(), jobID)
	}

	normalized := make(map[string]interface{}, len(parameters))
	for name, value := range parameters {
		normalized[NormalizeParameterName(name)] = value
	}

	if raw, ok := normalized[ParamAction]; ok {
		if strings.EqualFold(stringValue(raw), ActionDelete) {
			return nil, l.DestroyJob(jobID, askingUser)
		}
		return nil, NewBadParameterError("unknown ACTION %q", stringValue(raw))
	}

	var warnings []string
	for name, value := range normalized {
		warning, err := job.SetParameter(name, value)
		if err != nil {
			return warnings, err
		}
		if warning != "" {
			warnings = append(warnings, name+": "+warning)
		}
	}
	return warnings, nil
}
