// Package adminws exposes the operator-facing status/log fan-out surface:
// a gorilla/websocket endpoint broadcasting crawler status snapshots,
// job update events, and tailed log lines to connected dashboards, grounded
// on the teacher's internal/handlers/websocket.go client-registry pattern.
package adminws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator dashboard may be served from a different origin in dev
	},
}

// WSMessage is the envelope every broadcast message is wrapped in, matching
// the teacher's {type, payload} shape.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// CrawlerStatus mirrors one crawler's last-known statusUpdate/heartbeat.
type CrawlerStatus struct {
	CrawlerID     string `json:"crawlerId"`
	State         string `json:"state"`
	CurrentJobID  string `json:"currentJobId,omitempty"`
	QueueSize     int    `json:"queueSize"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	Connected     bool   `json:"connected"`
}

// JobUpdateEvent mirrors a jobUpdate envelope for operator display.
type JobUpdateEvent struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// LogLine is one tailed log entry.
type LogLine struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Handler is the websocket endpoint plus the client registry backing it.
type Handler struct {
	logger arbor.ILogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	snapshot func() []CrawlerStatus
}

// NewHandler constructs a Handler. snapshot, if non-nil, supplies the
// current crawler status table sent to a client immediately on connect.
func NewHandler(logger arbor.ILogger, snapshot func() []CrawlerStatus) *Handler {
	return &Handler{
		logger:   logger,
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		snapshot: snapshot,
	}
}

// ServeHTTP upgrades the connection and registers it for broadcasts. The
// handler has nothing to read from the client beyond keepalives, so the
// read loop exists only to detect disconnection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade admin websocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("clients", count).Msg("admin websocket client connected")

	if h.snapshot != nil {
		h.send(conn, WSMessage{Type: "statusSnapshot", Payload: h.snapshot()})
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info().Int("clients", remaining).Msg("admin websocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("admin websocket read error")
			}
			return
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal admin websocket message")
		return
	}
	h.mu.RLock()
	mutex := h.clients[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write admin websocket message")
	}
}

func (h *Handler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal admin websocket broadcast")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutexes[i].Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Msg("failed to broadcast to admin websocket client")
		}
	}
}

// BroadcastStatus fans out a crawler status snapshot.
func (h *Handler) BroadcastStatus(statuses []CrawlerStatus) {
	h.broadcast(WSMessage{Type: "status", Payload: statuses})
}

// BroadcastJobUpdate fans out a jobUpdate event.
func (h *Handler) BroadcastJobUpdate(event JobUpdateEvent) {
	h.broadcast(WSMessage{Type: "jobUpdate", Payload: event})
}

// BroadcastLog fans out a single tailed log line.
func (h *Handler) BroadcastLog(line LogLine) {
	h.broadcast(WSMessage{Type: "log", Payload: line})
}

// ClientCount reports how many operator dashboards are currently connected.
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
