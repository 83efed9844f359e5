package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the widget runs on arbitrary customer origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one widget socket. gorilla connections permit
// only a single concurrent writer, and Broadcast runs on whichever goroutine
// ingested the event.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	_ = c.conn.Close()
}

// wsHub delivers operator events to the widget sockets of one session. Dead
// connections are pruned on write failure.
type wsHub struct {
	mu      sync.RWMutex
	session map[string]map[*wsConn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{session: make(map[string]map[*wsConn]struct{})}
}

func (h *wsHub) add(sessionID string, conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session[sessionID] == nil {
		h.session[sessionID] = make(map[*wsConn]struct{})
	}
	h.session[sessionID][c] = struct{}{}
	return c
}

func (h *wsHub) remove(sessionID string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.session[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.session, sessionID)
		}
	}
}

func (h *wsHub) publish(sessionID string, e types.OutgoingEvent) {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.session[sessionID]))
	for c := range h.session[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeJSON(e); err != nil {
			logger.DebugCF("ws", "Write failed, dropping connection", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
			c.close()
			h.remove(sessionID, c)
		}
	}
}

func (h *wsHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, conns := range h.session {
		for c := range conns {
			c.close()
		}
		delete(h.session, sid)
	}
}

// handleSessionWS upgrades a widget connection and keeps it registered until
// the read loop observes the close.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(sessionID); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.DebugCF("ws", "Upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := s.ws.add(sessionID, conn)
	defer func() {
		s.ws.remove(sessionID, c)
		c.close()
	}()

	// widget sockets are write-only; the read loop only detects disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
