package uws

// JobObserver is notified of every phase transition of a job it is attached
// to. Callbacks run outside any lock held on the job, exactly once per
// transition, in transition order. A callback may fail freely; failures are
// logged and never affect the job.
type JobObserver interface {
	Update(job *Job, oldPhase, newPhase ExecutionPhase)
}

// JobObserverFunc adapts a function to the JobObserver interface.
type JobObserverFunc func(job *Job, oldPhase, newPhase ExecutionPhase)

func (f JobObserverFunc) Update(job *Job, oldPhase, newPhase ExecutionPhase) {
	f(job, oldPhase, newPhase)
}

// JobListListener is notified of membership changes on a job list.
type JobListListener interface {
	JobAdded(list *JobList, job *Job)
	JobDestroyed(list *JobList, job *Job)
	JobArchived(list *JobList, job *Job)
}
