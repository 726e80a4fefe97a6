package uws

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
)

// ExecutionManager is the admission and queueing authority of one job list.
// The default variant starts every job immediately; the queued variant
// bounds parallelism and keeps a FIFO queue of waiting jobs.
type ExecutionManager interface {
	// Execute admits job: starts it when a slot is free, queues it
	// otherwise. Jobs already executing stay executing; jobs in a terminal
	// phase are purged.
	Execute(job *Job) error
	// Remove drops job from the running and queued sets and refreshes.
	Remove(job *Job)
	// Refresh starts queued jobs while slots are free.
	Refresh()
	// StopAll resets every queued and running job back to PENDING and
	// empties both sets. The manager stays usable afterwards.
	StopAll()
	// MaxRunning returns the parallelism bound, 0 for unbounded.
	MaxRunning() int
	// SetMaxRunning changes the bound. n <= 0 means unbounded; an increase
	// lets newly permitted queue entries start, a decrease never preempts.
	SetMaxRunning(n int)
	// RunningJobs enumerates the currently executing jobs.
	RunningJobs() []*Job
	// QueuedJobs enumerates the waiting jobs in start order.
	QueuedJobs() []*Job
	IsRunning(jobID string) bool
	IsQueued(jobID string) bool
}

// executionManager is the single implementation behind both variants:
// maxRunning <= 0 is the unbounded default, anything else the bounded FIFO
// queue.
type executionManager struct {
	mu         sync.Mutex
	maxRunning int
	running    map[string]*Job
	queue      []*Job
	observed   map[string]bool
	logger     arbor.ILogger
}

// NewDefaultExecutionManager builds the unbounded variant: every executed
// job starts immediately.
func NewDefaultExecutionManager(logger arbor.ILogger) ExecutionManager {
	return NewQueuedExecutionManager(0, logger)
}

// NewQueuedExecutionManager builds the bounded FIFO variant running at most
// maxRunning jobs at once. maxRunning <= 0 disables the queue.
func NewQueuedExecutionManager(maxRunning int, logger arbor.ILogger) ExecutionManager {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &executionManager{
		maxRunning: maxRunning,
		running:    make(map[string]*Job),
		observed:   make(map[string]bool),
		logger:     logger,
	}
}

func (m *executionManager) MaxRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxRunning < 0 {
		return 0
	}
	return m.maxRunning
}

func (m *executionManager) SetMaxRunning(n int) {
	m.mu.Lock()
	m.maxRunning = n
	m.mu.Unlock()
	// An increased bound may free slots for queued jobs.
	m.Refresh()
}

func (m *executionManager) RunningJobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*Job, 0, len(m.running))
	for _, j := range m.running {
		jobs = append(jobs, j)
	}
	return jobs
}

func (m *executionManager) QueuedJobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Job(nil), m.queue...)
}

func (m *executionManager) IsRunning(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[jobID]
	return ok
}

func (m *executionManager) IsQueued(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.queue {
		if j.ID() == jobID {
			return true
		}
	}
	return false
}

// Update lets the manager watch the jobs it admitted: a job reaching a
// terminal phase frees its slot and pulls the next queued job in.
func (m *executionManager) Update(job *Job, oldPhase, newPhase ExecutionPhase) {
	if newPhase.IsTerminal() {
		m.Remove(job)
	}
}

func (m *executionManager) Execute(job *Job) error {
	if job == nil {
		return nil
	}
	m.Refresh()

	phase := job.Phase()
	if phase.IsTerminal() {
		m.Remove(job)
		return nil
	}

	m.mu.Lock()
	if _, ok := m.running[job.ID()]; ok && phase == PhaseExecuting {
		m.mu.Unlock()
		return nil
	}
	if !m.observed[job.ID()] {
		m.observed[job.ID()] = true
		job.AddObserver(m)
	}

	if m.maxRunning <= 0 || len(m.running) < m.maxRunning {
		m.running[job.ID()] = job
		m.mu.Unlock()
		if err := m.startJob(job); err != nil {
			return err
		}
		return nil
	}

	m.mu.Unlock()
	if err := job.SetPhase(PhaseQueued, false); err != nil {
		return err
	}
	m.mu.Lock()
	m.enqueue(job)
	m.mu.Unlock()
	return nil
}

// enqueue appends job unless it is already waiting. Callers hold m.mu.
func (m *executionManager) enqueue(job *Job) {
	for _, queued := range m.queue {
		if queued.ID() == job.ID() {
			return
		}
	}
	m.queue = append(m.queue, job)
}

// startJob starts the worker outside the manager lock; a start failure
// frees the slot and is reported to the logger.
func (m *executionManager) startJob(job *Job) error {
	if err := job.Start(); err != nil {
		m.logger.Error().
			Err(err).
			Str("job_id", job.ID()).
			Msg("Failed to start job")
		m.mu.Lock()
		delete(m.running, job.ID())
		m.removeQueued(job.ID())
		m.mu.Unlock()
		return err
	}
	return nil
}

// removeQueued drops the job from the queue. Callers hold m.mu.
func (m *executionManager) removeQueued(jobID string) {
	for i, queued := range m.queue {
		if queued.ID() == jobID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *executionManager) Remove(job *Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	delete(m.running, job.ID())
	delete(m.observed, job.ID())
	m.removeQueued(job.ID())
	m.mu.Unlock()
	m.Refresh()
}

func (m *executionManager) Refresh() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || (m.maxRunning > 0 && len(m.running) >= m.maxRunning) {
			m.mu.Unlock()
			return
		}
		job := m.queue[0]
		m.queue = m.queue[1:]
		if job.Phase().IsTerminal() {
			delete(m.running, job.ID())
			delete(m.observed, job.ID())
			m.mu.Unlock()
			continue
		}
		m.running[job.ID()] = job
		m.mu.Unlock()

		// Worker start happens outside the lock; failures free the slot
		// and processing continues with the next queued job.
		_ = m.startJob(job)
	}
}

func (m *executionManager) StopAll() {
	m.mu.Lock()
	queued := append([]*Job(nil), m.queue...)
	running := make([]*Job, 0, len(m.running))
	for _, j := range m.running {
		running = append(running, j)
	}
	m.queue = nil
	m.running = make(map[string]*Job)
	m.observed = make(map[string]bool)
	m.mu.Unlock()

	for _, job := range queued {
		if err := job.SetPhase(PhasePending, true); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID()).Msg("Failed to reset queued job")
		}
	}
	for _, job := range running {
		if err := job.Abort(); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID()).Msg("Failed to abort running job during stop")
			continue
		}
		if err := job.SetPhase(PhasePending, true); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID()).Msg("Failed to reset running job")
		}
	}
}
