package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/uws"
)

// Service runs the periodic backup schedule. One cron entry saves every
// job of the service at the configured interval.
type Service struct {
	cron    *cron.Cron
	entryID cron.EntryID
	backup  uws.BackupManager
	events  interfaces.EventService
	logger  arbor.ILogger
	started bool
}

// NewService creates a scheduler bound to a backup manager. The event
// service may be nil; backup completion events are then skipped.
func NewService(backup uws.BackupManager, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		backup: backup,
		events: events,
		logger: logger,
	}
}

// Schedule registers the periodic backup at the given interval. Calling it
// again replaces the previous schedule.
func (s *Service) Schedule(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive, got %s", interval)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}

	spec := fmt.Sprintf("@every %s", interval)
	entryID, err := s.cron.AddFunc(spec, s.runBackup)
	if err != nil {
		return fmt.Errorf("failed to schedule backup: %w", err)
	}
	s.entryID = entryID

	s.logger.Info().
		Str("interval", interval.String()).
		Msg("Periodic backup scheduled")
	return nil
}

// Start launches the cron loop.
func (s *Service) Start() {
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the cron loop and waits for a running backup to finish.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.started = false
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Backup scheduler stopped")
}

// runBackup executes one save pass with panic recovery.
func (s *Service) runBackup() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Backup run panicked")
		}
	}()

	start := time.Now()
	saved, failed, err := s.backup.SaveAll()
	if err != nil {
		s.logger.Error().
			Err(err).
			Int("saved", saved).
			Int("failed", failed).
			Msg("Periodic backup failed")
		return
	}

	s.logger.Info().
		Int("saved", saved).
		Int("failed", failed).
		Str("duration", time.Since(start).String()).
		Msg("Periodic backup completed")

	if s.events != nil {
		_ = s.events.Publish(context.Background(), interfaces.Event{
			Type: interfaces.EventBackupCompleted,
			Payload: map[string]interface{}{
				"saved":  saved,
				"failed": failed,
			},
		})
	}
}
