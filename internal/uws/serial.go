package uws

import "time"

// JobDescription is the serialized form of a job: every public attribute
// needed to rebuild it after a restart. Observers and the job info are
// deliberately not part of it.
type JobDescription struct {
	JobID             string                 `json:"jobId" badgerhold:"key"`
	ListName          string                 `json:"listName"`
	RunID             string                 `json:"runId,omitempty"`
	OwnerID           string                 `json:"ownerId,omitempty"`
	OwnerPseudonym    string                 `json:"ownerPseudonym,omitempty"`
	Phase             ExecutionPhase         `json:"phase"`
	QuoteSec          int64                  `json:"quote,omitempty"`
	ExecutionDuration int64                  `json:"executionDuration"`
	CreationTime      time.Time              `json:"creationTime"`
	DestructionTime   *time.Time             `json:"destructionTime,omitempty"`
	StartTime         *time.Time             `json:"startTime,omitempty"`
	EndTime           *time.Time             `json:"endTime,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	Results           []Result               `json:"results,omitempty"`
	ErrorSummary      *ErrorSummary          `json:"errorSummary,omitempty"`
}

// Describe snapshots the job into its serialized form.
func (j *Job) Describe() *JobDescription {
	j.mu.Lock()
	defer j.mu.Unlock()

	desc := &JobDescription{
		JobID:             j.id,
		RunID:             j.runID,
		Phase:             j.phase,
		QuoteSec:          j.quoteSec,
		ExecutionDuration: j.executionDuration,
		CreationTime:      j.creationTime,
		Results:           append([]Result(nil), j.results...),
	}
	if j.list != nil {
		desc.ListName = j.list.Name()
	}
	if j.owner != nil {
		desc.OwnerID = j.owner.ID()
		desc.OwnerPseudonym = j.owner.Pseudonym()
	}
	if len(j.parameters) > 0 {
		desc.Parameters = make(map[string]interface{}, len(j.parameters))
		for name, value := range j.parameters {
			desc.Parameters[name] = serializableParameter(value)
		}
	}
	if !j.destructionTime.IsZero() {
		t := j.destructionTime
		desc.DestructionTime = &t
	}
	if !j.startTime.IsZero() {
		t := j.startTime
		desc.StartTime = &t
	}
	if !j.endTime.IsZero() {
		t := j.endTime
		desc.EndTime = &t
	}
	if j.errorSummary != nil {
		summary := *j.errorSummary
		desc.ErrorSummary = &summary
	}
	return desc
}

// serializableParameter renders values that do not survive a JSON round
// trip as strings.
func serializableParameter(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case string, bool, int, int32, int64, float32, float64:
		return v
	default:
		return stringValue(v)
	}
}
