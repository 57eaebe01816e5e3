package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenocturne/btmgr/utils"
)

func TestHubBroadcastAndServe(t *testing.T) {
	hub := NewWebSocketHub()
	received := make(chan string, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, func(data []byte) { received <- string(data) })
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	hub.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/connect",
		Payload: utils.DeviceConnectedPayload{Address: phoneAddress},
	})

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event struct {
		Type    string `json:"type"`
		Payload struct {
			Address string `json:"address"`
		} `json:"payload"`
	}
	require.NoError(t, client.ReadJSON(&event))
	assert.Equal(t, "bluetooth/connect", event.Type)
	assert.Equal(t, phoneAddress, event.Payload.Address)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"bluetooth/pairing/deny"}`)))
	select {
	case msg := <-received:
		assert.Equal(t, `{"type":"bluetooth/pairing/deny"}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	client.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
