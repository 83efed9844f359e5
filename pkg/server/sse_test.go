package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

func TestSSEHubPublishNeverBlocks(t *testing.T) {
	h := newSSEHub()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// overfill the buffer; extra events are dropped, publish keeps returning
	for i := 0; i < sseBuffer+5; i++ {
		h.publish(types.OperatorTypingEvent{Type: "operator_typing", SessionID: "s"})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			assert.Equal(t, sseBuffer, count)
			return
		}
	}
}

func TestSSEHubCloseUnblocksSubscribers(t *testing.T) {
	h := newSSEHub()
	ch := h.subscribe()
	h.close()
	_, ok := <-ch
	assert.False(t, ok)

	// subscribing after close yields an already-closed channel
	ch2 := h.subscribe()
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestSSEStreamFraming(t *testing.T) {
	h := newSSEHub()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// wait for the subscription to land before publishing
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.listeners) == 1
	}, time.Second, 5*time.Millisecond)

	h.publish(types.OperatorTypingEvent{Type: "operator_typing", SessionID: "sess-1"})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for ch := range h.listeners {
			if len(ch) == 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "data: "), "expected SSE frame, got %q", body)
	assert.Contains(t, body, `"operator_typing"`)
	assert.Contains(t, body, `"sess-1"`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSessionWebSocketDelivery(t *testing.T) {
	srv := newTestServer(t, nil)
	seedSession(t, srv, "sess-1")

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/sess-1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// wait until the hub sees the socket, then push through Broadcast
	require.Eventually(t, func() bool {
		srv.ws.mu.RLock()
		defer srv.ws.mu.RUnlock()
		return len(srv.ws.session["sess-1"]) == 1
	}, time.Second, 5*time.Millisecond)

	srv.Broadcast(types.OperatorTypingEvent{Type: "operator_typing", SessionID: "sess-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got map[string]interface{}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "operator_typing", got["type"])
	assert.Equal(t, "sess-1", got["sessionId"])
}

func TestSessionWebSocketConcurrentBroadcasts(t *testing.T) {
	srv := newTestServer(t, nil)
	seedSession(t, srv, "sess-1")

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/sess-1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		srv.ws.mu.RLock()
		defer srv.ws.mu.RUnlock()
		return len(srv.ws.session["sess-1"]) == 1
	}, time.Second, 5*time.Millisecond)

	// hammer the same socket from many goroutines at once; writes must come
	// out as whole frames
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Broadcast(types.OperatorTypingEvent{Type: "operator_typing", SessionID: "sess-1"})
		}()
	}
	wg.Wait()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < n; i++ {
		var got map[string]interface{}
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "operator_typing", got["type"])
	}
}

func TestSessionWebSocketUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/ghost/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
