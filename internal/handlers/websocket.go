package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope of every frame pushed to clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler streams job lifecycle events to connected clients. Each
// connection gets its own write mutex; broadcasts snapshot the client set
// under a read lock and write outside it.
type WebSocketHandler struct {
	logger            arbor.ILogger
	clients           map[*websocket.Conn]bool
	clientMutex       map[*websocket.Conn]*sync.Mutex
	mu                sync.RWMutex
	eventService      interfaces.EventService
	allowedEvents     map[string]bool // Whitelist of events to broadcast (empty = allow all)
	logEventThrottler *rate.Limiter   // Rate limiter for log_event frames
	minLevelRank      int
	serverInstanceID  string // Unique ID generated on startup - clients use to detect server restart
}

// NewWebSocketHandler builds the handler and subscribes it to the
// lifecycle event stream.
func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		serverInstanceID: uuid.New().String(),
		minLevelRank:     levelRank("info"),
	}

	h.allowedEvents = make(map[string]bool)
	if config != nil {
		if len(config.AllowedEvents) > 0 {
			for _, eventType := range config.AllowedEvents {
				h.allowedEvents[eventType] = true
			}
			logger.Debug().
				Int("allowed_events", len(h.allowedEvents)).
				Msg("Initialized event whitelist for WebSocketHandler")
		}
		if config.MinLevel != "" {
			h.minLevelRank = levelRank(config.MinLevel)
		}
		if config.ThrottleInterval != "" {
			if duration, err := time.ParseDuration(config.ThrottleInterval); err == nil {
				h.logEventThrottler = rate.NewLimiter(rate.Every(duration), 1)
				logger.Debug().
					Str("interval", config.ThrottleInterval).
					Msg("Throttler initialized for log_event frames")
			} else {
				logger.Warn().
					Err(err).
					Str("interval", config.ThrottleInterval).
					Msg("Failed to parse log_event throttle interval - throttler disabled")
			}
		}
	}

	if eventService != nil {
		h.subscribeToLifecycleEvents()
	}
	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until
// the client goes away.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendHello(conn)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// sendHello sends the server instance id so clients can detect restarts.
func (h *WebSocketHandler) sendHello(conn *websocket.Conn) {
	msg := WSMessage{
		Type: "hello",
		Payload: map[string]interface{}{
			"serverInstanceId": h.serverInstanceID,
			"timestamp":        time.Now().Format(time.RFC3339),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal hello message")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send hello")
		}
	}
}

// Broadcast pushes one frame to every connected client.
func (h *WebSocketHandler) Broadcast(messageType string, payload interface{}) {
	msg := WSMessage{
		Type:    messageType,
		Payload: payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", messageType).Msg("Failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", messageType).Msg("Failed to send message to client")
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribeToLifecycleEvents forwards engine events to clients: lifecycle
// events pass through the whitelist, log events additionally go through the
// level filter and the throttler.
func (h *WebSocketHandler) subscribeToLifecycleEvents() {
	forward := func(eventType interfaces.EventType) {
		h.eventService.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
			if !h.eventAllowed(string(event.Type)) {
				return nil
			}
			h.Broadcast(string(event.Type), event.Payload)
			return nil
		})
	}

	forward(interfaces.EventJobCreated)
	forward(interfaces.EventPhaseChange)
	forward(interfaces.EventJobDestroyed)
	forward(interfaces.EventJobArchived)
	forward(interfaces.EventBackupCompleted)

	h.eventService.Subscribe(interfaces.EventLogEvent, func(ctx context.Context, event interfaces.Event) error {
		if !h.eventAllowed(string(interfaces.EventLogEvent)) {
			return nil
		}
		if levelRank(getString(event.Payload, "level")) < h.minLevelRank {
			return nil
		}
		// Throttle log frames to prevent WebSocket flooding
		if h.logEventThrottler != nil && !h.logEventThrottler.Allow() {
			return nil
		}
		h.Broadcast(string(interfaces.EventLogEvent), event.Payload)
		return nil
	})
}

// eventAllowed applies the whitelist; an empty whitelist allows all.
func (h *WebSocketHandler) eventAllowed(eventType string) bool {
	if len(h.allowedEvents) == 0 {
		return true
	}
	return h.allowedEvents[eventType]
}

// levelRank orders log levels for the min-level filter. Accepts both the
// long and the 3-letter forms.
func levelRank(level string) int {
	switch level {
	case "trace", "TRC":
		return 0
	case "debug", "DBG":
		return 1
	case "info", "INF":
		return 2
	case "warn", "warning", "WRN":
		return 3
	case "error", "ERR", "fatal", "FTL", "panic", "PNC":
		return 4
	}
	return 2
}

// getString safely reads a string field from an event payload.
func getString(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
