package uws

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
)

// Service is the root container of job lists. It holds the file manager
// and the backup manager its lists share, restores backed-up jobs on start
// and stops every manager on shutdown.
type Service struct {
	name        string
	description string

	mu        sync.Mutex
	lists     map[string]*JobList
	order     []string
	startedAt time.Time

	fileManager FileManager
	backup      BackupManager

	logger arbor.ILogger
}

// NewService builds an empty service.
func NewService(name, description string, logger arbor.ILogger) *Service {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Service{
		name:        name,
		description: description,
		lists:       make(map[string]*JobList),
		logger:      logger,
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Description returns the service description.
func (s *Service) Description() string {
	return s.description
}

// Uptime reports how long ago the service started, 0 before Start.
func (s *Service) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// FileManager returns the storage abstraction for job files.
func (s *Service) FileManager() FileManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileManager
}

// SetFileManager wires the storage abstraction; configuration time only.
func (s *Service) SetFileManager(fm FileManager) {
	s.mu.Lock()
	s.fileManager = fm
	s.mu.Unlock()
}

// BackupManager returns the persistence layer, nil when backups are off.
func (s *Service) BackupManager() BackupManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backup
}

// SetBackupManager wires the persistence layer; configuration time only.
func (s *Service) SetBackupManager(b BackupManager) {
	s.mu.Lock()
	s.backup = b
	s.mu.Unlock()
}

// AddJobList attaches a job list to the service. List names are unique
// within a service and a non-empty list cannot move between services.
func (s *Service) AddJobList(list *JobList) error {
	if list == nil {
		return NewBadParameterError("job list is required")
	}
	s.mu.Lock()
	if _, exists := s.lists[list.Name()]; exists {
		s.mu.Unlock()
		return NewConflictError("service %s already has a job list %s", s.name, list.Name())
	}
	s.mu.Unlock()

	if err := list.setService(s); err != nil {
		return err
	}

	s.mu.Lock()
	s.lists[list.Name()] = list
	s.order = append(s.order, list.Name())
	s.mu.Unlock()

	s.logger.Debug().
		Str("list", list.Name()).
		Int("max_running", list.ExecutionManager().MaxRunning()).
		Str("destruction_policy", string(list.DestructionPolicy())).
		Msg("Job list attached")
	return nil
}

// GetJobList returns the named list, nil when unknown.
func (s *Service) GetJobList(name string) *JobList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists[name]
}

// JobLists enumerates the lists in attachment order.
func (s *Service) JobLists() []*JobList {
	s.mu.Lock()
	defer s.mu.Unlock()
	lists := make([]*JobList, 0, len(s.order))
	for _, name := range s.order {
		if list, ok := s.lists[name]; ok {
			lists = append(lists, list)
		}
	}
	return lists
}

// DestroyJobList destroys every job of the named list and detaches it.
func (s *Service) DestroyJobList(name string) error {
	s.mu.Lock()
	list := s.lists[name]
	s.mu.Unlock()
	if list == nil {
		return NewNotFoundError("no job list %s in service %s", name, s.name)
	}

	list.Clear()
	list.ExecutionManager().StopAll()
	list.DestructionManager().Stop()

	s.mu.Lock()
	delete(s.lists, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return list.setService(nil)
}

// NbJobs counts the jobs across all lists.
func (s *Service) NbJobs() int {
	total := 0
	for _, list := range s.JobLists() {
		total += list.NbJobs()
	}
	return total
}

// Start restores the backup, if one is configured, and marks the service
// running. Restored jobs keep their recorded phases.
func (s *Service) Start() error {
	s.mu.Lock()
	s.startedAt = time.Now()
	backup := s.backup
	s.mu.Unlock()

	if backup != nil {
		restored, err := backup.RestoreAll()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Backup restoration failed; starting with empty job lists")
		} else if restored > 0 {
			s.logger.Info().Int("jobs", restored).Msg("Jobs restored from backup")
		}
	}

	s.logger.Info().
		Str("service", s.name).
		Int("job_lists", len(s.JobLists())).
		Msg("UWS service started")
	return nil
}

// Stop halts every execution and destruction manager, flushes the backup
// and closes it.
func (s *Service) Stop() {
	for _, list := range s.JobLists() {
		list.ExecutionManager().StopAll()
		list.DestructionManager().Stop()
	}

	s.mu.Lock()
	backup := s.backup
	s.mu.Unlock()

	if backup != nil {
		saved, failed, err := backup.SaveAll()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Final backup failed")
		} else {
			s.logger.Info().Int("saved", saved).Int("failed", failed).Msg("Final backup written")
		}
		if err := backup.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Backup close failed")
		}
	}

	s.logger.Info().Str("service", s.name).Msg("UWS service stopped")
}
