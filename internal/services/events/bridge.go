package events

import (
	"context"

	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/uws"
)

// Bridge republishes job list membership changes and phase transitions on
// the event service, where the WebSocket handler picks them up.
type Bridge struct {
	events interfaces.EventService
}

// NewBridge creates a bridge bound to an event service.
func NewBridge(events interfaces.EventService) *Bridge {
	return &Bridge{events: events}
}

// Attach wires the bridge into a job list.
func (b *Bridge) Attach(list *uws.JobList) {
	list.AddListener(b)
	list.AddJobObserver(uws.JobObserverFunc(b.phaseChanged))
}

// JobAdded implements uws.JobListListener.
func (b *Bridge) JobAdded(list *uws.JobList, job *uws.Job) {
	b.publish(interfaces.EventJobCreated, list, job, nil)
}

// JobDestroyed implements uws.JobListListener.
func (b *Bridge) JobDestroyed(list *uws.JobList, job *uws.Job) {
	b.publish(interfaces.EventJobDestroyed, list, job, nil)
}

// JobArchived implements uws.JobListListener.
func (b *Bridge) JobArchived(list *uws.JobList, job *uws.Job) {
	b.publish(interfaces.EventJobArchived, list, job, nil)
}

func (b *Bridge) phaseChanged(job *uws.Job, oldPhase, newPhase uws.ExecutionPhase) {
	b.publish(interfaces.EventPhaseChange, job.List(), job, map[string]interface{}{
		"old_phase": string(oldPhase),
		"new_phase": string(newPhase),
	})
}

func (b *Bridge) publish(eventType interfaces.EventType, list *uws.JobList, job *uws.Job, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"job_id": job.ID(),
		"phase":  string(job.Phase()),
		"owner":  uws.OwnerID(job.Owner()),
	}
	if list != nil {
		payload["list_name"] = list.Name()
	}
	for key, value := range extra {
		payload[key] = value
	}

	// Publish is asynchronous already; the error path only covers a closed
	// service, which happens during shutdown and is safe to ignore here.
	_ = b.events.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
}
