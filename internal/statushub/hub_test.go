package statushub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/network"
	syncpkg "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// =====================================================
// Broadcast Tests
// =====================================================

func TestHub_BroadcastsNetworkChanged(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	hub.BroadcastNetworkChanged(network.Status{Connected: false, ConnectionType: network.ConnectionNone})

	msg := readJSON(t, conn)
	assert.Equal(t, EventNetworkChanged, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, false, data["connected"])
	assert.Equal(t, "none", data["connection_type"])
	assert.NotZero(t, msg["timestamp"])
}

func TestHub_BroadcastsSyncCompletedToEveryClient(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, hub, srv)
	b := dial(t, hub, srv)

	hub.BroadcastSyncCompleted(syncpkg.Result{
		Synced: 2,
		Failed: 1,
		Errors: []syncpkg.EntryError{{ID: "x", Error: "status 500: boom"}},
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readJSON(t, conn)
		assert.Equal(t, EventSyncCompleted, msg["type"])
		data := msg["data"].(map[string]interface{})
		assert.EqualValues(t, 2, data["synced"])
		assert.EqualValues(t, 1, data["failed"])
		assert.Len(t, data["errors"], 1)
	}
}

func TestHub_SubscriptionFilter(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Events: []string{EventSyncCompleted}}))
	ack := readJSON(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.BroadcastNetworkChanged(network.Status{Connected: true, ConnectionType: network.ConnectionWifi})
	hub.BroadcastSyncCompleted(syncpkg.Result{Synced: 1, Errors: []syncpkg.EntryError{}})

	msg := readJSON(t, conn)
	assert.Equal(t, EventSyncCompleted, msg["type"])
}

func TestHub_PingPong(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "ping"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["action"])

	// garbage is ignored, the connection stays usable
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(clientMessage{Action: "ping"}))
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg["action"])
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	hub.Close()
	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// broadcasting after close does not block
	done := make(chan struct{})
	go func() {
		hub.BroadcastNetworkChanged(network.Status{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked after Close")
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost:8090", true},
		{"127.0.0.1:8090", true},
		{"[::1]:8090", true},
		{"localhost", true},
		{"example.com:8090", false},
		{"192.168.1.10:8090", false},
	}
	for _, tt := range tests {
		r := &http.Request{Host: tt.host}
		assert.Equal(t, tt.want, isLoopback(r), tt.host)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	b, err := json.Marshal(Envelope{Type: EventSyncCompleted, Data: map[string]int{"synced": 1}, Timestamp: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sync.completed","data":{"synced":1},"timestamp":5}`, string(b))
}
