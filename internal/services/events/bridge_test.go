package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/uws"
)

// eventRecorder collects published events by type.
type eventRecorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (r *eventRecorder) handler(ctx context.Context, event interfaces.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) count(eventType interfaces.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(eventType interfaces.EventType) (interfaces.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return interfaces.Event{}, false
}

func TestBridgePublishesLifecycleEvents(t *testing.T) {
	service := newTestEventService()
	defer service.Close()

	recorder := &eventRecorder{}
	for _, eventType := range []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventPhaseChange,
		interfaces.EventJobDestroyed,
	} {
		require.NoError(t, service.Subscribe(eventType, recorder.handler))
	}

	uwsService := uws.NewService("opus", "", nil)
	t.Cleanup(uwsService.Stop)
	list, err := uws.NewJobList("timers", nil)
	require.NoError(t, err)
	require.NoError(t, uwsService.AddJobList(list))

	NewBridge(service).Attach(list)

	owner := uws.NewBasicOwner("alice", "")
	job, _, err := list.CreateJob(owner, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return recorder.count(interfaces.EventJobCreated) == 1
	}, 2*time.Second, 10*time.Millisecond)

	created, ok := recorder.last(interfaces.EventJobCreated)
	require.True(t, ok)
	assert.Equal(t, job.ID(), created.Payload["job_id"])
	assert.Equal(t, "timers", created.Payload["list_name"])
	assert.Equal(t, "alice", created.Payload["owner"])

	job.SetWorker(uws.JobWorkerFunc(func(ctx context.Context, j *uws.Job) error { return nil }))
	require.NoError(t, job.Start())

	// PENDING->QUEUED->EXECUTING->COMPLETED
	assert.Eventually(t, func() bool {
		return recorder.count(interfaces.EventPhaseChange) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Async delivery does not guarantee ordering, only presence.
	phases := map[string]bool{}
	recorder.mu.Lock()
	for _, e := range recorder.events {
		if e.Type == interfaces.EventPhaseChange {
			phases[e.Payload["new_phase"].(string)] = true
		}
	}
	recorder.mu.Unlock()
	assert.True(t, phases[string(uws.PhaseCompleted)])

	require.NoError(t, list.DestroyJob(job.ID(), owner))
	assert.Eventually(t, func() bool {
		return recorder.count(interfaces.EventJobDestroyed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
