package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/usenocturne/btmgr/utils"
)

var log = logrus.WithField("component", "ws")

const writeTimeout = 5 * time.Second

type WebSocketHub struct {
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	log.Infof("WebSocket client connected. Total clients: %d", len(h.clients))
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *WebSocketHub) removeLocked(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		log.Infof("WebSocket client disconnected. Total clients: %d", len(h.clients))
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WebSocketHub) Broadcast(event utils.WebSocketEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Debugf("Broadcasting %s to %d clients", event.Type, len(h.clients))
	var clientsToRemove []*websocket.Conn
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			log.Warnf("Error broadcasting to client: %v", err)
			clientsToRemove = append(clientsToRemove, conn)
		}
	}
	for _, conn := range clientsToRemove {
		h.removeLocked(conn)
	}
}

// Serve registers conn and hands every message it sends to handle until the
// client goes away.
func (h *WebSocketHub) Serve(conn *websocket.Conn, handle func(data []byte)) {
	h.AddClient(conn)
	defer h.RemoveClient(conn)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("WebSocket read error: %v", err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			handle(data)
		}
	}
}
