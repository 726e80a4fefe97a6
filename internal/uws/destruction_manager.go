package uws

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
)

// destructionEntry is one scheduled deadline. The deadline is a snapshot of
// the job's destruction time at insertion; entries whose job changed or
// left the schedule are dropped lazily when they surface at the head.
type destructionEntry struct {
	job      *Job
	deadline time.Time
	seq      uint64
	removed  bool
}

// destructionHeap orders entries by (deadline, arrival).
type destructionHeap []*destructionEntry

func (h destructionHeap) Len() int { return len(h) }
func (h destructionHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h destructionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *destructionHeap) Push(x interface{}) {
	*h = append(*h, x.(*destructionEntry))
}
func (h *destructionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// DestructionManager destroys every job of a job list at its destruction
// deadline. Deadlines fire in ascending order, never early; a single waiter
// goroutine parks on a timer for the earliest deadline and is rearmed
// whenever the schedule changes.
type DestructionManager struct {
	mu          sync.Mutex
	list        *JobList
	destroy     func(*Job)
	heap        destructionHeap
	entries     map[string]*destructionEntry
	seq         uint64
	currentJob  *Job
	currentDate time.Time
	wake        chan struct{}
	quit        chan struct{}
	active      bool
	logger      arbor.ILogger
}

// NewDestructionManager builds a manager delegating destruction to destroy.
// A job list passes its own destroy path so the destruction policy applies.
func NewDestructionManager(destroy func(*Job), logger arbor.ILogger) *DestructionManager {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &DestructionManager{
		destroy: destroy,
		entries: make(map[string]*destructionEntry),
		wake:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// bindList restricts the manager to jobs of one list.
func (m *DestructionManager) bindList(list *JobList) {
	m.mu.Lock()
	m.list = list
	m.mu.Unlock()
}

// Update (re)schedules job at its destruction time. Jobs of another list
// and jobs without a deadline are ignored; a past-due deadline destroys the
// job immediately.
func (m *DestructionManager) Update(job *Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	if m.list != nil && job.List() != m.list {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	deadline := job.DestructionTime()
	if deadline.IsZero() {
		return
	}
	if !deadline.After(time.Now()) {
		m.destroyNow(job)
		return
	}

	m.mu.Lock()
	if old, ok := m.entries[job.ID()]; ok {
		old.removed = true
	}
	m.seq++
	entry := &destructionEntry{job: job, deadline: deadline, seq: m.seq}
	m.entries[job.ID()] = entry
	heap.Push(&m.heap, entry)
	m.ensureWaiterLocked()
	m.mu.Unlock()

	m.Refresh()
}

// Remove drops job from the schedule; if it was the armed head the waiter
// is rearmed for the next deadline.
func (m *DestructionManager) Remove(job *Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	if entry, ok := m.entries[job.ID()]; ok {
		entry.removed = true
		delete(m.entries, job.ID())
	}
	if m.currentJob == job {
		m.currentJob = nil
		m.currentDate = time.Time{}
	}
	m.mu.Unlock()
	m.Refresh()
}

// Refresh wakes the waiter so it destroys past-due jobs and rearms its
// timer for the current earliest deadline.
func (m *DestructionManager) Refresh() {
	m.mu.Lock()
	m.ensureWaiterLocked()
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the timer and idles the manager; the next Update or Refresh
// reactivates it.
func (m *DestructionManager) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	quit := m.quit
	m.quit = nil
	m.currentJob = nil
	m.currentDate = time.Time{}
	m.mu.Unlock()
	close(quit)
}

// CurrentSchedule returns the armed head: the job whose deadline fires
// next and that deadline.
func (m *DestructionManager) CurrentSchedule() (*Job, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentJob, m.currentDate
}

// Size returns the number of scheduled jobs.
func (m *DestructionManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ensureWaiterLocked starts the waiter goroutine when idle. Callers hold
// m.mu.
func (m *DestructionManager) ensureWaiterLocked() {
	if m.active {
		return
	}
	m.active = true
	m.quit = make(chan struct{})
	go m.waiter(m.quit)
}

// waiter is the single scheduling goroutine: it destroys past-due jobs,
// then parks on a timer for the earliest surviving deadline until woken by
// a schedule change.
func (m *DestructionManager) waiter(quit chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Destruction waiter panicked")
		}
	}()

	for {
		due, wait := m.collectDue()

		for _, job := range due {
			m.destroyNow(job)
		}

		if wait < 0 {
			select {
			case <-m.wake:
			case <-quit:
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-m.wake:
			timer.Stop()
		case <-quit:
			timer.Stop()
			return
		}
	}
}

// collectDue pops stale and past-due entries, arms the surviving head and
// returns the jobs to destroy plus the wait until the next deadline
// (negative when the schedule is empty).
func (m *DestructionManager) collectDue() ([]*Job, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var due []*Job
	for m.heap.Len() > 0 {
		head := m.heap[0]
		if head.removed || m.entries[head.job.ID()] != head {
			heap.Pop(&m.heap)
			continue
		}
		if !head.job.DestructionTime().Equal(head.deadline) {
			// The deadline changed since insertion; reinsert the live value.
			heap.Pop(&m.heap)
			live := head.job.DestructionTime()
			if live.IsZero() {
				delete(m.entries, head.job.ID())
				continue
			}
			m.seq++
			entry := &destructionEntry{job: head.job, deadline: live, seq: m.seq}
			m.entries[head.job.ID()] = entry
			heap.Push(&m.heap, entry)
			continue
		}
		if !head.deadline.After(now) {
			heap.Pop(&m.heap)
			delete(m.entries, head.job.ID())
			due = append(due, head.job)
			continue
		}
		m.currentJob = head.job
		m.currentDate = head.deadline
		return due, time.Until(head.deadline)
	}

	m.currentJob = nil
	m.currentDate = time.Time{}
	return due, -1
}

// destroyNow runs the destruction action outside the manager lock.
func (m *DestructionManager) destroyNow(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("job_id", job.ID()).
				Msg("Destruction action panicked; continuing with other jobs")
		}
	}()
	if m.destroy != nil {
		m.destroy(job)
	}
}
