package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/events/bus"
)

type gateway struct {
	hub    *Hub
	bus    *bus.MemoryEventBus
	url    string
	cancel context.CancelFunc
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := NewHub(log)
	go hub.Run(ctx)
	RegisterNotifications(ctx, eventBus, hub, log)

	router := gin.New()
	NewHandler(hub, log).RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &gateway{hub: hub, bus: eventBus, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", cancel: cancel}
}

func (g *gateway) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	before := g.hub.ClientCount()
	conn, _, err := gorillaws.DefaultDialer.Dial(g.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return g.hub.ClientCount() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (g *gateway) publish(t *testing.T, eventType, taskID string) {
	t.Helper()
	ev := bus.NewEvent(eventType, "test", map[string]interface{}{"taskId": taskID})
	require.NoError(t, g.bus.Publish(context.Background(), events.BuildTaskSubject(eventType, taskID), ev))
}

func read(t *testing.T, conn *gorillaws.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func taskIDOf(t *testing.T, msg Message) string {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	id, _ := payload["taskId"].(string)
	return id
}

func TestGateway_ForwardsBusEvents(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t)

	g.publish(t, events.TaskOutput, "t1")
	g.publish(t, events.TaskCompleted, "t1")

	first := read(t, conn)
	assert.Equal(t, TypeNotification, first.Type)
	assert.Equal(t, events.TaskOutput, first.Action)
	assert.Equal(t, "t1", taskIDOf(t, first))

	second := read(t, conn)
	assert.Equal(t, events.TaskCompleted, second.Action)
}

func TestGateway_SubscriptionFiltersTasks(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"id": "1", "type": "request", "action": ActionSubscribe, "payload": map[string]string{"taskId": "wanted"},
	}))
	ack := read(t, conn)
	assert.Equal(t, TypeResponse, ack.Type)
	assert.Equal(t, "1", ack.ID)

	g.publish(t, events.TaskCompleted, "other")
	g.publish(t, events.TaskCompleted, "wanted")

	msg := read(t, conn)
	assert.Equal(t, "wanted", taskIDOf(t, msg))
}

func TestGateway_HostEventsReachEveryone(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": ActionSubscribe, "payload": map[string]string{"taskId": "t1"},
	}))
	read(t, conn)

	ev := bus.NewEvent(events.HostLost, "pool", map[string]interface{}{"host": "127.0.0.1:3847"})
	require.NoError(t, g.bus.Publish(context.Background(), events.BuildHostSubject(events.HostLost, "127.0.0.1:3847"), ev))

	msg := read(t, conn)
	assert.Equal(t, events.HostLost, msg.Action)
}

func TestGateway_RejectsBadRequests(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))
	assert.Equal(t, TypeError, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "2", "action": ActionSubscribe}))
	msg := read(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, string(msg.Payload), "taskId is required")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "3", "action": "bogus"}))
	assert.Equal(t, TypeError, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "4", "action": ActionPing}))
	assert.Equal(t, TypeResponse, read(t, conn).Type)
}

func TestGateway_HubShutdownClosesClients(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t)

	g.cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Eventually(t, func() bool { return g.hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_UnsubscribeRestoresFirehose(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"id": "1", "action": ActionSubscribe, "payload": map[string]string{"taskId": "t1"},
	}))
	read(t, conn)
	assert.Equal(t, 1, g.hub.Subscribers("t1"))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"id": "2", "action": ActionUnsubscribe, "payload": map[string]string{"taskId": "t1"},
	}))
	read(t, conn)
	assert.Equal(t, 0, g.hub.Subscribers("t1"))

	g.publish(t, events.TaskCompleted, "t2")
	assert.Equal(t, "t2", taskIDOf(t, read(t, conn)))
}

func TestHandler_AllowedOrigins(t *testing.T) {
	h := NewHandler(NewHub(logger.NewNop()), logger.NewNop(), "http://localhost:5173/")

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, h.checkOrigin(req), "requests without an Origin are not browsers")

	req.Header.Set("Origin", "http://LOCALHOST:5173")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, h.checkOrigin(req))
}
