package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/uws"
	"github.com/timshannon/badgerhold/v4"
)

// JobBackup persists job descriptions in BadgerDB, keyed by job ID. It
// implements uws.BackupManager.
type JobBackup struct {
	db      *BadgerDB
	service *uws.Service
	logger  arbor.ILogger
}

// NewJobBackup opens the database and binds it to a service.
func NewJobBackup(service *uws.Service, config *common.BadgerConfig, logger arbor.ILogger) (*JobBackup, error) {
	if logger == nil {
		logger = common.GetLogger()
	}
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}
	return &JobBackup{db: db, service: service, logger: logger}, nil
}

// SaveAll implements uws.BackupManager. Records of jobs that no longer
// exist are dropped so the store mirrors the live service.
func (b *JobBackup) SaveAll() (int, int, error) {
	live := make(map[string]bool)
	saved, failed := 0, 0
	var firstErr error

	for _, list := range b.service.JobLists() {
		for _, job := range list.Jobs() {
			desc := job.Describe()
			live[desc.JobID] = true
			if err := b.db.Store().Upsert(desc.JobID, desc); err != nil {
				failed++
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to save job %s: %w", desc.JobID, err)
				}
				continue
			}
			saved++
		}
	}

	var stored []uws.JobDescription
	if err := b.db.Store().Find(&stored, nil); err != nil {
		return saved, failed, fmt.Errorf("failed to scan stored jobs: %w", err)
	}
	for i := range stored {
		if live[stored[i].JobID] {
			continue
		}
		if err := b.db.Store().Delete(stored[i].JobID, &uws.JobDescription{}); err != nil && err != badgerhold.ErrNotFound {
			b.logger.Warn().Err(err).Str("job_id", stored[i].JobID).Msg("Failed to drop stale backup record")
		}
	}

	if err := b.db.RunGC(); err != nil {
		b.logger.Warn().Err(err).Msg("Badger GC after backup failed")
	}

	b.logger.Info().
		Int("jobs", saved).
		Int("failed", failed).
		Msg("Saved job backup to badger")
	return saved, failed, firstErr
}

// SaveOwner implements uws.BackupManager.
func (b *JobBackup) SaveOwner(ownerID string) error {
	for _, list := range b.service.JobLists() {
		for _, job := range list.JobsOf(ownerID) {
			desc := job.Describe()
			if err := b.db.Store().Upsert(desc.JobID, desc); err != nil {
				return fmt.Errorf("failed to save job %s: %w", desc.JobID, err)
			}
		}
	}
	return nil
}

// RestoreAll implements uws.BackupManager. Jobs whose list no longer
// exists are skipped.
func (b *JobBackup) RestoreAll() (int, error) {
	var stored []uws.JobDescription
	if err := b.db.Store().Find(&stored, nil); err != nil {
		return 0, fmt.Errorf("failed to scan stored jobs: %w", err)
	}

	restored := 0
	for i := range stored {
		desc := stored[i]
		list := b.service.GetJobList(desc.ListName)
		if list == nil {
			b.logger.Warn().
				Str("job_id", desc.JobID).
				Str("list_name", desc.ListName).
				Msg("Skipping backed up job of unknown list")
			continue
		}
		if err := list.RestoreJob(uws.RestoreJob(&desc)); err != nil {
			b.logger.Warn().
				Err(err).
				Str("job_id", desc.JobID).
				Msg("Failed to restore job")
			continue
		}
		restored++
	}

	b.logger.Info().
		Int("jobs", restored).
		Msg("Restored job backup from badger")
	return restored, nil
}

// Close implements uws.BackupManager.
func (b *JobBackup) Close() error {
	return b.db.Close()
}
