package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/results"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastResult(t *testing.T) {
	hub := NewHub()
	handler := NewHandler(hub)
	handler.OnConnect = func() any { return NewStatusMessage(true, "/dev/video0", "") }
	srv := httptest.NewServer(handler)
	defer srv.Close()

	conn := dial(t, srv)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var status StatusMessage
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status.Type)
	assert.True(t, status.Running)
	assert.Equal(t, "/dev/video0", status.Source)

	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	msg := NewResultMessage("/dev/video0", 42, "succeeded")
	msg.AddFace(1, 2, 3, 4, "", 1, map[string]string{"age": "31"}, true)
	hub.BroadcastResult(msg)

	var got ResultMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "result", got.Type)
	assert.Equal(t, uint64(42), got.FrameIndex)
	require.Len(t, got.Faces, 1)
	assert.Equal(t, []int{1, 2, 3, 4}, got.Faces[0].BBox)
	assert.True(t, got.Faces[0].Stale)
	assert.Equal(t, "31", got.Faces[0].Attributes["age"])
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// No clients: nothing to do
	hub.BroadcastStatus(NewStatusMessage(false, "", "stopped"))
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_BroadcastDoesNotWaitForSlowClients(t *testing.T) {
	hub := NewHub()
	// No write pump: the queue is never drained
	slow := newClient(&websocket.Conn{})
	hub.clients[slow.conn] = slow

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+3; i++ {
			hub.BroadcastStatus(NewStatusMessage(true, "/dev/video0", ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a client that does not read")
	}
	assert.Len(t, slow.send, sendBuffer)
	assert.Equal(t, uint64(3), slow.dropped.Load())
}
