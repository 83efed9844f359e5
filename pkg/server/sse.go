package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

const sseBuffer = 10

// sseHub fans operator events out to every connected backend listener. A
// slow listener just misses events; delivery to the others never blocks.
type sseHub struct {
	mu        sync.Mutex
	listeners map[chan types.OutgoingEvent]struct{}
	closed    bool
}

func newSSEHub() *sseHub {
	return &sseHub{listeners: make(map[chan types.OutgoingEvent]struct{})}
}

func (h *sseHub) subscribe() chan types.OutgoingEvent {
	ch := make(chan types.OutgoingEvent, sseBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.listeners[ch] = struct{}{}
	return ch
}

func (h *sseHub) unsubscribe(ch chan types.OutgoingEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
}

func (h *sseHub) publish(e types.OutgoingEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners {
		select {
		case ch <- e:
		default:
			logger.DebugC("sse", "Listener buffer full, event skipped")
		}
	}
}

func (h *sseHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.listeners {
		delete(h.listeners, ch)
		close(ch)
	}
}

// ServeHTTP streams events as SSE frames with a periodic heartbeat comment
// so intermediaries keep the connection open.
func (h *sseHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
