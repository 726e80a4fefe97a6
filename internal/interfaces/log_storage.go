package interfaces

import (
	"context"

	"github.com/ternarybob/opus/internal/models"
)

// JobLogStorage stores log entries keyed by the job they belong to.
type JobLogStorage interface {
	// AppendLogs appends a batch of entries for one job.
	AppendLogs(ctx context.Context, jobID string, entries []models.JobLogEntry) error

	// GetLogs returns the stored entries for one job, oldest first.
	GetLogs(ctx context.Context, jobID string) ([]models.JobLogEntry, error)

	// DeleteLogs drops every entry stored for one job.
	DeleteLogs(ctx context.Context, jobID string) error
}
