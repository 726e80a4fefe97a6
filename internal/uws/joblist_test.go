package uws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/opus/internal/common"
)

// recordingListener collects membership events per kind.
type recordingListener struct {
	mu        sync.Mutex
	added     []string
	destroyed []string
	archived  []string
}

func (r *recordingListener) JobAdded(list *JobList, job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, job.ID())
}

func (r *recordingListener) JobDestroyed(list *JobList, job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = append(r.destroyed, job.ID())
}

func (r *recordingListener) JobArchived(list *JobList, job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, job.ID())
}

func (r *recordingListener) counts() (added, destroyed, archived int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.destroyed), len(r.archived)
}

// newTestList builds a list attached to a throwaway service.
func newTestList(t *testing.T, name string) *JobList {
	t.Helper()
	list, err := NewJobList(name, nil)
	require.NoError(t, err)
	service := NewService("test", "", nil)
	require.NoError(t, service.AddJobList(list))
	t.Cleanup(func() {
		list.ExecutionManager().StopAll()
		list.DestructionManager().Stop()
	})
	return list
}

func TestNewJobListRejectsInvalidNames(t *testing.T) {
	for _, name := range []string{"", "a b", "a.b", "a/b", "a=b"} {
		_, err := NewJobList(name, nil)
		assert.Error(t, err, "%q", name)
	}
	_, err := NewJobList("timers", nil)
	assert.NoError(t, err)
}

func TestAddJobRequiresServiceAttachment(t *testing.T) {
	list, err := NewJobList("orphans", nil)
	require.NoError(t, err)

	err = list.AddJob(NewJob(nil, nil))
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConflict, kind)
}

func TestCreateJobIndexesAndNotifies(t *testing.T) {
	list := newTestList(t, "timers")
	listener := &recordingListener{}
	list.AddListener(listener)

	alice := NewBasicOwner("alice", "")
	job, warnings, err := list.CreateJob(alice, map[string]interface{}{"DEPTH": 3})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, PhasePending, job.Phase())
	assert.Same(t, list, job.List())

	assert.Equal(t, 1, list.NbJobs())
	assert.Equal(t, 1, list.NbJobsOf("alice"))
	assert.Equal(t, []string{"alice"}, list.Users())

	added, _, _ := listener.counts()
	assert.Equal(t, 1, added)

	got, err := list.GetJob(job.ID(), nil)
	require.NoError(t, err)
	assert.Same(t, job, got)
}

func TestAddJobRejectsDuplicateID(t *testing.T) {
	list := newTestList(t, "timers")
	job, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)

	err = list.AddJob(job)
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConflict, kind)
}

func TestCreateJobAutoStartsOnPhaseRun(t *testing.T) {
	list := newTestList(t, "timers")
	list.SetWorkerFactory(func(job *Job) (JobWorker, error) {
		return sleepingWorker(20 * time.Millisecond), nil
	})

	job, _, err := list.CreateJob(nil, map[string]interface{}{"PHASE": "run"})
	require.NoError(t, err)
	waitForPhase(t, job, PhaseCompleted, 2*time.Second)

	idle, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, PhasePending, idle.Phase())
}

func TestGetJobPermissions(t *testing.T) {
	list := newTestList(t, "timers")
	alice := NewBasicOwner("alice", "")
	bob := NewBasicOwner("bob", "")

	job, _, err := list.CreateJob(alice, nil)
	require.NoError(t, err)

	_, err = list.GetJob(job.ID(), alice)
	assert.NoError(t, err)

	// Anonymous access is unrestricted.
	_, err = list.GetJob(job.ID(), nil)
	assert.NoError(t, err)

	_, err = list.GetJob(job.ID(), bob)
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, kind)

	_, err = list.GetJob("job_missing", nil)
	require.Error(t, err)
	kind, ok = ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestJobsForFiltersByReadPermission(t *testing.T) {
	list := newTestList(t, "timers")
	alice := NewBasicOwner("alice", "")
	bob := NewBasicOwner("bob", "")

	aliceJob, _, err := list.CreateJob(alice, nil)
	require.NoError(t, err)
	_, _, err = list.CreateJob(bob, nil)
	require.NoError(t, err)

	assert.Len(t, list.JobsFor(nil), 2)
	visible := list.JobsFor(alice)
	require.Len(t, visible, 1)
	assert.Equal(t, aliceJob.ID(), visible[0].ID())
}

func TestDestroyJobDeletes(t *testing.T) {
	list := newTestList(t, "timers")
	listener := &recordingListener{}
	list.AddListener(listener)

	job, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)

	require.NoError(t, list.DestroyJob(job.ID(), nil))
	assert.Equal(t, 0, list.NbJobs())

	_, err = list.GetJob(job.ID(), nil)
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)

	_, destroyed, archived := listener.counts()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 0, archived)
}

func TestDestroyJobPermissions(t *testing.T) {
	list := newTestList(t, "timers")
	alice := NewBasicOwner("alice", "")
	bob := NewBasicOwner("bob", "")

	job, _, err := list.CreateJob(alice, nil)
	require.NoError(t, err)

	err = list.DestroyJob(job.ID(), bob)
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, kind)

	assert.NoError(t, list.DestroyJob(job.ID(), alice))
}

func TestAlwaysArchivePolicy(t *testing.T) {
	list := newTestList(t, "timers")
	list.SetDestructionPolicy(AlwaysArchive)
	listener := &recordingListener{}
	list.AddListener(listener)

	job, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)

	// First destroy archives; the job stays enumerable.
	require.NoError(t, list.DestroyJob(job.ID(), nil))
	assert.Equal(t, PhaseArchived, job.Phase())
	assert.Equal(t, 1, list.NbJobs())
	_, destroyed, archived := listener.counts()
	assert.Equal(t, 0, destroyed)
	assert.Equal(t, 1, archived)

	// Destroying an archived job falls through to deletion.
	require.NoError(t, list.DestroyJob(job.ID(), nil))
	assert.Equal(t, 0, list.NbJobs())
	_, destroyed, _ = listener.counts()
	assert.Equal(t, 1, destroyed)
}

func TestArchiveOnDatePolicy(t *testing.T) {
	list := newTestList(t, "timers")
	list.SetDestructionPolicy(ArchiveOnDate)

	early, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)
	early.SetDestructionTime(time.Now().Add(time.Hour))

	// Destroyed before its deadline: deleted outright.
	require.NoError(t, list.DestroyJob(early.ID(), nil))
	assert.Equal(t, 0, list.NbJobs())

	due, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)
	due.SetDestructionTime(time.Now().Add(-time.Second))

	// Destroyed at or past its deadline: archived.
	require.NoError(t, list.DestroyJob(due.ID(), nil))
	assert.Equal(t, PhaseArchived, due.Phase())
	assert.Equal(t, 1, list.NbJobs())
}

func TestArchiveJobExplicit(t *testing.T) {
	list := newTestList(t, "timers")
	alice := NewBasicOwner("alice", "")
	bob := NewBasicOwner("bob", "")

	job, _, err := list.CreateJob(alice, nil)
	require.NoError(t, err)

	err = list.ArchiveJob(job.ID(), bob)
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, kind)

	// Archiving works on any destruction policy and keeps the job
	// enumerable.
	require.NoError(t, list.ArchiveJob(job.ID(), alice))
	assert.Equal(t, PhaseArchived, job.Phase())
	assert.Equal(t, 1, list.NbJobs())

	err = list.ArchiveJob(job.ID(), alice)
	require.Error(t, err)
	kind, ok = ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConflict, kind)
}

func TestArchiveAbortsExecutingJob(t *testing.T) {
	list := newTestList(t, "timers")
	list.SetDestructionPolicy(AlwaysArchive)

	job, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)
	job.SetWorker(sleepingWorker(10 * time.Second))
	require.NoError(t, job.Start())

	require.NoError(t, list.DestroyJob(job.ID(), nil))
	assert.Equal(t, PhaseArchived, job.Phase())
}

func TestDeadlineDrivenDestruction(t *testing.T) {
	list := newTestList(t, "timers")

	job, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)
	_, err = job.SetParameter(ParamDestruction, time.Now().Add(60*time.Millisecond).Format(time.RFC3339Nano))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return list.NbJobs() == 0 }, "job should be destroyed at its deadline")
	_, err = list.GetJob(job.ID(), nil)
	assert.Error(t, err)
}

func TestSearchJobsByRunID(t *testing.T) {
	list := newTestList(t, "timers")

	a, _, err := list.CreateJob(nil, map[string]interface{}{"RUNID": "Survey-7"})
	require.NoError(t, err)
	_, _, err = list.CreateJob(nil, map[string]interface{}{"RUNID": "other"})
	require.NoError(t, err)

	matches := list.SearchJobs("survey-7")
	require.Len(t, matches, 1)
	assert.Equal(t, a.ID(), matches[0].ID())
	assert.Empty(t, list.SearchJobs("nothing"))
}

func TestClearOwner(t *testing.T) {
	list := newTestList(t, "timers")
	alice := NewBasicOwner("alice", "")
	bob := NewBasicOwner("bob", "")

	_, _, err := list.CreateJob(alice, nil)
	require.NoError(t, err)
	_, _, err = list.CreateJob(alice, nil)
	require.NoError(t, err)
	keep, _, err := list.CreateJob(bob, nil)
	require.NoError(t, err)

	list.ClearOwner("alice")
	assert.Equal(t, 1, list.NbJobs())
	assert.Equal(t, 0, list.NbJobsOf("alice"))
	got, err := list.GetJob(keep.ID(), nil)
	require.NoError(t, err)
	assert.Same(t, keep, got)

	list.Clear()
	assert.Equal(t, 0, list.NbJobs())
}

func TestUpdateJobParameters(t *testing.T) {
	list := newTestList(t, "timers")
	job, _, err := list.CreateJob(nil, map[string]interface{}{"COLOR": "red"})
	require.NoError(t, err)

	warnings, err := list.UpdateJobParameters(job.ID(), nil, map[string]interface{}{"color": "blue"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	value, _ := job.Parameter("color")
	assert.Equal(t, "blue", value)

	// ACTION=DELETE destroys the job through the list's policy.
	_, err = list.UpdateJobParameters(job.ID(), nil, map[string]interface{}{"ACTION": "delete"})
	require.NoError(t, err)
	assert.Equal(t, 0, list.NbJobs())
}

func TestUpdateJobParametersUnknownAction(t *testing.T) {
	list := newTestList(t, "timers")
	job, _, err := list.CreateJob(nil, nil)
	require.NoError(t, err)

	_, err = list.UpdateJobParameters(job.ID(), nil, map[string]interface{}{"ACTION": "explode"})
	require.Error(t, err)
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindBadParameter, kind)
	assert.Equal(t, 1, list.NbJobs())
}

func TestJobListFromDefinition(t *testing.T) {
	modifiable := true
	def := &common.JobListDefinition{
		Name:                     "scans",
		MaxRunningJobs:           2,
		DefaultExecutionDuration: "10m",
		MaxExecutionDuration:     "1h",
		DestructionPolicy:        "ALWAYS_ARCHIVE",
		Parameters: []common.ParameterDefinition{
			{Name: "FORMAT", Type: "string", Default: "fits", AllowedValues: []string{"fits", "votable"}, Modifiable: &modifiable},
			{Name: "DEPTH", Type: "numeric", Default: "5", Min: float64p(1), Max: float64p(10)},
		},
	}

	list, err := NewJobListFromDefinition(def, nil)
	require.NoError(t, err)
	service := NewService("test", "", nil)
	require.NoError(t, service.AddJobList(list))
	defer list.DestructionManager().Stop()

	assert.Equal(t, 2, list.ExecutionManager().MaxRunning())
	assert.Equal(t, AlwaysArchive, list.DestructionPolicy())

	// Defaults are materialized, out-of-range values clamped with a warning.
	job, warnings, err := list.CreateJob(nil, map[string]interface{}{"DEPTH": "50"})
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)

	format, ok := job.Parameter("FORMAT")
	require.True(t, ok)
	assert.Equal(t, "fits", format)
	depth, ok := job.Parameter("DEPTH")
	require.True(t, ok)
	assert.Equal(t, 10.0, depth)
	assert.Equal(t, int64(600), job.ExecutionDuration())

	// Values outside the allowed set are rejected outright.
	_, _, err = list.CreateJob(nil, map[string]interface{}{"FORMAT": "pdf"})
	require.Error(t, err)
}
