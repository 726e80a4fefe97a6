package models

// JobLogEntry is one log line attributed to a job, shaped for display:
// Timestamp carries the short clock form, FullTimestamp the sortable
// RFC3339 form, Level the 3-letter code.
type JobLogEntry struct {
	Timestamp       string `json:"timestamp"`
	FullTimestamp   string `json:"full_timestamp,omitempty"`
	Level           string `json:"level"`
	Message         string `json:"message"`
	AssociatedJobID string `json:"job_id,omitempty"`
	ListName        string `json:"list_name,omitempty"`
	Phase           string `json:"phase,omitempty"`
}
