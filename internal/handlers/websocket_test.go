package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/services/events"
)

func dialWebSocket(t *testing.T, handler *WebSocketHandler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketHelloFrame(t *testing.T) {
	eventService := events.NewService(arbor.NewLogger())
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, arbor.NewLogger(), nil)
	conn := dialWebSocket(t, handler)

	hello := readFrame(t, conn)
	assert.Equal(t, "hello", hello.Type)

	payload, ok := hello.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, payload["serverInstanceId"])
}

func TestWebSocketForwardsLifecycleEvents(t *testing.T) {
	eventService := events.NewService(arbor.NewLogger())
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, arbor.NewLogger(), nil)
	conn := dialWebSocket(t, handler)
	readFrame(t, conn) // hello

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type: interfaces.EventPhaseChange,
		Payload: map[string]interface{}{
			"job_id":    "job_1",
			"old_phase": "PENDING",
			"new_phase": "EXECUTING",
		},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "phase_change", frame.Type)

	payload, ok := frame.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "job_1", payload["job_id"])
	assert.Equal(t, "EXECUTING", payload["new_phase"])
}

func TestWebSocketWhitelistFiltersEvents(t *testing.T) {
	eventService := events.NewService(arbor.NewLogger())
	defer eventService.Close()

	config := &common.WebSocketConfig{AllowedEvents: []string{"phase_change"}}
	handler := NewWebSocketHandler(eventService, arbor.NewLogger(), config)
	conn := dialWebSocket(t, handler)
	readFrame(t, conn) // hello

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobCreated,
		Payload: map[string]interface{}{"job_id": "job_filtered"},
	}))
	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventPhaseChange,
		Payload: map[string]interface{}{"job_id": "job_allowed"},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "phase_change", frame.Type)
}

func TestWebSocketLogEventLevelFilter(t *testing.T) {
	eventService := events.NewService(arbor.NewLogger())
	defer eventService.Close()

	config := &common.WebSocketConfig{MinLevel: "warn"}
	handler := NewWebSocketHandler(eventService, arbor.NewLogger(), config)
	conn := dialWebSocket(t, handler)
	readFrame(t, conn) // hello

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventLogEvent,
		Payload: map[string]interface{}{"level": "INF", "message": "too quiet"},
	}))
	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventLogEvent,
		Payload: map[string]interface{}{"level": "ERR", "message": "loud enough"},
	}))

	frame := readFrame(t, conn)
	require.Equal(t, "log_event", frame.Type)
	payload, ok := frame.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "loud enough", payload["message"])
}

func TestLevelRank(t *testing.T) {
	assert.Less(t, levelRank("debug"), levelRank("info"))
	assert.Less(t, levelRank("info"), levelRank("warn"))
	assert.Less(t, levelRank("WRN"), levelRank("ERR"))
	assert.Equal(t, levelRank("info"), levelRank("garbage"))
}
