package logs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
)

// Consumer consumes log batches from arbor's context channel and dispatches
// them to job log storage and the event service. Log lines carrying a
// correlation ID are attributed to the job with that ID.
type Consumer struct {
	storage       interfaces.JobLogStorage
	eventService  interfaces.EventService
	logger        arbor.ILogger
	channel       chan []arbormodels.LogEvent
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	minEventLevel arbor.LogLevel
	publishing    sync.Map // circuit breaker against recursive log events
}

// NewConsumer creates a new log consumer
func NewConsumer(storage interfaces.JobLogStorage, eventService interfaces.EventService, logger arbor.ILogger, minEventLevel string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		storage:       storage,
		eventService:  eventService,
		logger:        logger,
		channel:       make(chan []arbormodels.LogEvent, 10),
		ctx:           ctx,
		cancel:        cancel,
		minEventLevel: parseLogLevel(minEventLevel),
	}
}

// parseLogLevel converts string log level to arbor.LogLevel
func parseLogLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.InfoLevel
	}
}

// convertTo3Letter converts full level names to 3-letter codes
func convertTo3Letter(level string) string {
	switch strings.ToUpper(level) {
	case "INFO":
		return "INF"
	case "WARN", "WARNING":
		return "WRN"
	case "ERROR":
		return "ERR"
	case "DEBUG":
		return "DBG"
	default:
		if len(level) == 3 {
			return strings.ToUpper(level)
		}
		return "INF"
	}
}

// GetChannel returns the channel for arbor to send log batches to
func (c *Consumer) GetChannel() chan []arbormodels.LogEvent {
	return c.channel
}

// Start launches the consumer goroutine
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.consume()
	return nil
}

// Stop gracefully shuts down the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Log consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			// Log without a correlation ID so the line cannot loop back
			// through this consumer.
			c.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Log consumer panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-c.channel:
			if !ok {
				return
			}
			c.processBatch(batch)

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) processBatch(batch []arbormodels.LogEvent) {
	entriesByJob := make(map[string][]models.JobLogEntry)

	for _, event := range batch {
		// HTTP request lines carry correlation IDs for tracing only; they
		// are not job logs.
		if strings.HasPrefix(event.Message, "HTTP request") ||
			strings.Contains(event.Message, "WebSocket client") {
			continue
		}

		entry := transformEvent(event)

		if jobID := event.CorrelationID; jobID != "" {
			entriesByJob[jobID] = append(entriesByJob[jobID], entry)
		}

		if c.eventService != nil && c.shouldPublishEvent(event.Level) {
			c.publishLogEvent(event, entry)
		}
	}

	for jobID, entries := range entriesByJob {
		if err := c.storage.AppendLogs(c.ctx, jobID, entries); err != nil {
			c.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Int("log_count", len(entries)).
				Msg("Failed to store job logs")
		}
	}
}

// shouldPublishEvent checks if a log event should be published based on level threshold
func (c *Consumer) shouldPublishEvent(level log.Level) bool {
	return arborlevels.FromLogLevel(level) >= c.minEventLevel
}

// publishLogEvent publishes a log entry as an event for streaming consumers.
func (c *Consumer) publishLogEvent(event arbormodels.LogEvent, entry models.JobLogEntry) {
	// A handler that logs in response to a log event would recurse forever;
	// skip events already in flight for the same job and message.
	key := fmt.Sprintf("%s:%s", event.CorrelationID, entry.Message)
	if _, loaded := c.publishing.LoadOrStore(key, true); loaded {
		return
	}

	go func() {
		defer c.publishing.Delete(key)

		payload := map[string]interface{}{
			"job_id":    event.CorrelationID,
			"level":     entry.Level,
			"message":   entry.Message,
			"timestamp": entry.Timestamp,
		}
		if entry.ListName != "" {
			payload["list_name"] = entry.ListName
		}
		if entry.Phase != "" {
			payload["phase"] = entry.Phase
		}

		err := c.eventService.Publish(c.ctx, interfaces.Event{
			Type:    interfaces.EventLogEvent,
			Payload: payload,
		})
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("job_id", event.CorrelationID).
				Msg("Failed to publish log event")
		}
	}()
}

// transformEvent converts an arbor LogEvent to the stored entry shape,
// lifting the list_name and phase fields out of the message.
func transformEvent(event arbormodels.LogEvent) models.JobLogEntry {
	var listName, phase string

	message := event.Message
	if len(event.Fields) > 0 {
		var extra []string
		for key, value := range event.Fields {
			switch key {
			case "list_name":
				listName = fmt.Sprintf("%v", value)
			case "phase":
				phase = fmt.Sprintf("%v", value)
			default:
				extra = append(extra, fmt.Sprintf("%s=%v", key, value))
			}
		}
		for _, field := range extra {
			message += " " + field
		}
	}

	return models.JobLogEntry{
		Timestamp:       event.Timestamp.Format("15:04:05"),
		FullTimestamp:   event.Timestamp.Format(time.RFC3339),
		Level:           convertTo3Letter(event.Level.String()),
		Message:         message,
		AssociatedJobID: event.CorrelationID,
		ListName:        listName,
		Phase:           phase,
	}
}
