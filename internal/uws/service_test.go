package uws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBackup keeps job descriptions in memory, enough to exercise the
// save/restore flow without a real store.
type memoryBackup struct {
	service   *Service
	saved     map[string]*JobDescription
	saveCalls int
	closed    bool
}

func newMemoryBackup(service *Service) *memoryBackup {
	return &memoryBackup{service: service, saved: make(map[string]*JobDescription)}
}

func (b *memoryBackup) SaveAll() (int, int, error) {
	b.saveCalls++
	saved := 0
	for _, list := range b.service.JobLists() {
		for _, job := range list.Jobs() {
			b.saved[job.ID()] = job.Describe()
			saved++
		}
	}
	return saved, 0, nil
}

func (b *memoryBackup) SaveOwner(ownerID string) error {
	for _, list := range b.service.JobLists() {
		for _, job := range list.JobsOf(ownerID) {
			b.saved[job.ID()] = job.Describe()
		}
	}
	return nil
}

func (b *memoryBackup) RestoreAll() (int, error) {
	restored := 0
	for _, desc := range b.saved {
		list := b.service.GetJobList(desc.ListName)
		if list == nil {
			continue
		}
		if err := list.RestoreJob(RestoreJob(desc)); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func (b *memoryBackup) Close() error {
	b.closed = true
	return nil
}

func newTestService(t *testing.T, listNames ...string) *Service {
	t.Helper()
	service := NewService("opus", "test service", nil)
	for _, name := range listNames {
		list, err := NewJobList(name, nil)
		require.NoError(t, err)
		require.NoError(t, service.AddJobList(list))
	}
	t.Cleanup(service.Stop)
	return service
}

func TestServiceListManagement(t *testing.T) {
	service := newTestService(t, "alpha", "beta")

	assert.NotNil(t, service.GetJobList("alpha"))
	assert.Nil(t, service.GetJobList("gamma"))

	lists := service.JobLists()
	require.Len(t, lists, 2)
	assert.Equal(t, "alpha", lists[0].Name())
	assert.Equal(t, "beta", lists[1].Name())

	// A second list with a taken name is rejected.
	dup, err := NewJobList("alpha", nil)
	require.NoError(t, err)
	err = service.AddJobList(dup)
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConflict, kind)
}

func TestServiceNbJobs(t *testing.T) {
	service := newTestService(t, "alpha", "beta")

	_, _, err := service.GetJobList("alpha").CreateJob(nil, nil)
	require.NoError(t, err)
	_, _, err = service.GetJobList("beta").CreateJob(nil, nil)
	require.NoError(t, err)
	_, _, err = service.GetJobList("beta").CreateJob(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, service.NbJobs())
}

func TestServiceDestroyJobList(t *testing.T) {
	service := newTestService(t, "alpha")
	list := service.GetJobList("alpha")
	_, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)

	require.NoError(t, service.DestroyJobList("alpha"))
	assert.Nil(t, service.GetJobList("alpha"))
	assert.Equal(t, 0, list.NbJobs())

	err = service.DestroyJobList("alpha")
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestServiceBackupRoundTrip(t *testing.T) {
	source := newTestService(t, "alpha")
	backup := newMemoryBackup(source)
	source.SetBackupManager(backup)

	list := source.GetJobList("alpha")
	owner := NewBasicOwner("alice", "")

	completed, _, err := list.CreateJob(owner, map[string]interface{}{"DEPTH": 3})
	require.NoError(t, err)
	completed.SetWorker(sleepingWorker(10 * time.Millisecond))
	require.NoError(t, completed.Start())
	waitForPhase(t, completed, PhaseCompleted, 2*time.Second)

	pending, _, err := list.CreateJob(owner, nil)
	require.NoError(t, err)

	source.Stop()
	assert.GreaterOrEqual(t, backup.saveCalls, 1)
	assert.True(t, backup.closed)
	require.Len(t, backup.saved, 2)

	// A fresh service restores the jobs with their recorded phases.
	target := newTestService(t, "alpha")
	restoreBackup := &memoryBackup{service: target, saved: backup.saved}
	target.SetBackupManager(restoreBackup)
	require.NoError(t, target.Start())

	restoredList := target.GetJobList("alpha")
	assert.Equal(t, 2, restoredList.NbJobs())

	got, err := restoredList.GetJob(completed.ID(), nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, got.Phase())
	assert.Equal(t, "alice", got.Owner().ID())

	got, err = restoredList.GetJob(pending.ID(), nil)
	require.NoError(t, err)
	assert.Equal(t, PhasePending, got.Phase())
}

func TestServiceUptime(t *testing.T) {
	service := newTestService(t)
	assert.Equal(t, time.Duration(0), service.Uptime())
	require.NoError(t, service.Start())
	assert.Greater(t, service.Uptime(), time.Duration(0))
}
