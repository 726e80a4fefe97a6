package logs

import (
	"context"
	"sync"

	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
)

// maxEntriesPerJob bounds memory per job; oldest entries roll off first.
const maxEntriesPerJob = 1000

// MemoryLogStorage keeps job log entries in memory. Entries vanish on
// restart, which matches the lifetime of the jobs they describe when the
// backup mode is off.
type MemoryLogStorage struct {
	mu      sync.RWMutex
	entries map[string][]models.JobLogEntry
}

// NewMemoryLogStorage creates an empty in-memory log store.
func NewMemoryLogStorage() *MemoryLogStorage {
	return &MemoryLogStorage{entries: make(map[string][]models.JobLogEntry)}
}

var _ interfaces.JobLogStorage = (*MemoryLogStorage)(nil)

// AppendLogs implements interfaces.JobLogStorage.
func (s *MemoryLogStorage) AppendLogs(ctx context.Context, jobID string, entries []models.JobLogEntry) error {
	if jobID == "" || len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := append(s.entries[jobID], entries...)
	if len(stored) > maxEntriesPerJob {
		stored = stored[len(stored)-maxEntriesPerJob:]
	}
	s.entries[jobID] = stored
	return nil
}

// GetLogs implements interfaces.JobLogStorage.
func (s *MemoryLogStorage) GetLogs(ctx context.Context, jobID string) ([]models.JobLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.JobLogEntry(nil), s.entries[jobID]...), nil
}

// DeleteLogs implements interfaces.JobLogStorage.
func (s *MemoryLogStorage) DeleteLogs(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jobID)
	return nil
}
