package logs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/opus/internal/models"
)

func TestAppendAndGetLogs(t *testing.T) {
	storage := NewMemoryLogStorage()
	ctx := context.Background()

	require.NoError(t, storage.AppendLogs(ctx, "job_1", []models.JobLogEntry{
		{Level: "INF", Message: "first"},
		{Level: "WRN", Message: "second"},
	}))
	require.NoError(t, storage.AppendLogs(ctx, "job_1", []models.JobLogEntry{
		{Level: "ERR", Message: "third"},
	}))

	entries, err := storage.GetLogs(ctx, "job_1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "third", entries[2].Message)

	other, err := storage.GetLogs(ctx, "job_2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAppendLogsIgnoresEmptyInput(t *testing.T) {
	storage := NewMemoryLogStorage()
	ctx := context.Background()

	require.NoError(t, storage.AppendLogs(ctx, "", []models.JobLogEntry{{Message: "orphan"}}))
	require.NoError(t, storage.AppendLogs(ctx, "job_1", nil))

	entries, err := storage.GetLogs(ctx, "job_1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogsRollOffAtCapacity(t *testing.T) {
	storage := NewMemoryLogStorage()
	ctx := context.Background()

	batch := make([]models.JobLogEntry, maxEntriesPerJob+10)
	for i := range batch {
		batch[i] = models.JobLogEntry{Message: fmt.Sprintf("line %d", i)}
	}
	require.NoError(t, storage.AppendLogs(ctx, "job_1", batch))

	entries, err := storage.GetLogs(ctx, "job_1")
	require.NoError(t, err)
	require.Len(t, entries, maxEntriesPerJob)
	assert.Equal(t, "line 10", entries[0].Message)
}

func TestDeleteLogs(t *testing.T) {
	storage := NewMemoryLogStorage()
	ctx := context.Background()

	require.NoError(t, storage.AppendLogs(ctx, "job_1", []models.JobLogEntry{{Message: "gone"}}))
	require.NoError(t, storage.DeleteLogs(ctx, "job_1"))

	entries, err := storage.GetLogs(ctx, "job_1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, storage.DeleteLogs(ctx, "job_1"))
}

func TestGetLogsReturnsCopy(t *testing.T) {
	storage := NewMemoryLogStorage()
	ctx := context.Background()

	require.NoError(t, storage.AppendLogs(ctx, "job_1", []models.JobLogEntry{{Message: "original"}}))
	entries, err := storage.GetLogs(ctx, "job_1")
	require.NoError(t, err)
	entries[0].Message = "mutated"

	again, err := storage.GetLogs(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Message)
}
