package uws

import "io"

// FileManager is the storage abstraction for result, error and log files.
// Implementations may keep one directory per owner with optional alphabetic
// grouping; the engine never touches the layout itself.
type FileManager interface {
	// ResultWriter opens the byte sink for one job result.
	ResultWriter(job *Job, result Result) (io.WriteCloser, error)
	// ResultReader opens the stored bytes of one job result.
	ResultReader(job *Job, resultID string) (io.ReadCloser, error)
	// ResultSize reports the stored size of one job result, -1 when
	// unknown.
	ResultSize(job *Job, resultID string) int64
	// ErrorWriter opens the details file for a job failure and returns the
	// reference recorded in the error summary.
	ErrorWriter(job *Job, summary ErrorSummary) (io.WriteCloser, string, error)
	// ErrorReader opens the stored error details of a job.
	ErrorReader(job *Job) (io.ReadCloser, error)
	// DeleteJobFiles removes every file the job owns.
	DeleteJobFiles(job *Job) error
	// LogWriter opens an append sink for the named log channel.
	LogWriter(channel string) (io.WriteCloser, error)
}

// BackupManager persists jobs and owners across restarts, either in one
// global document or one file per owner.
type BackupManager interface {
	// SaveAll serializes every job of the service, reporting how many were
	// saved and how many failed.
	SaveAll() (saved int, failed int, err error)
	// SaveOwner serializes the jobs of one owner.
	SaveOwner(ownerID string) error
	// RestoreAll reads the backup and re-inserts every job into its list,
	// forcing the recorded phase back.
	RestoreAll() (restored int, err error)
	// Close flushes and releases the backing store.
	Close() error
}
