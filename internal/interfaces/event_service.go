package interfaces

import "context"

// EventType represents the type of event
type EventType string

const (
	// EventJobCreated fires when a job is added to a list.
	EventJobCreated EventType = "job_created"
	// EventPhaseChange fires on every execution phase transition.
	EventPhaseChange EventType = "phase_change"
	// EventJobDestroyed fires when a job is removed from its list.
	EventJobDestroyed EventType = "job_destroyed"
	// EventJobArchived fires when a destroyed job is kept in archived form.
	EventJobArchived EventType = "job_archived"
	// EventBackupCompleted fires after a backup save pass.
	EventBackupCompleted EventType = "backup_completed"
	// EventLogEvent carries a single log line for streaming consumers.
	EventLogEvent EventType = "log_event"
)

// Event represents an event with its payload
type Event struct {
	Type    EventType
	Payload map[string]interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService provides pub/sub event handling
type EventService interface {
	// Subscribe registers a handler for an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe removes a handler for an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish sends an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync sends an event to all subscribers synchronously
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
