package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Ruwad-io/pocketping-sub005/pkg/bridges"
	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// Broadcast is the single funnel every normalized event passes through,
// whatever ingested it. Persistence, the realtime stream, the backend
// webhook, and cross-bridge replay are each isolated: one failing never
// stops the others.
func (s *Server) Broadcast(e types.OutgoingEvent) {
	s.persist(e)
	s.sse.publish(e)
	s.ws.publish(e.Session(), e)
	go s.pushWebhook(e)
	s.replay(e)

	if ev, ok := e.(types.SessionClosedEvent); ok {
		s.dispatch("session closed", func(b bridges.Bridge) error {
			return b.OnSessionClosed(ev.SessionID)
		})
	}
}

func (s *Server) persist(e types.OutgoingEvent) {
	var err error
	switch ev := e.(type) {
	case types.OperatorMessageEvent:
		if err = s.store.SaveMessage(&ev.Message); err == nil {
			err = s.store.TouchSession(ev.SessionID, ev.Timestamp)
		}
	case types.OperatorMessageEditedEvent:
		now := ev.Timestamp
		err = s.store.UpdateMessage(ev.MessageID, func(m *types.Message) {
			m.Content = ev.Content
			m.EditedAt = &now
		})
	case types.OperatorMessageDeletedEvent:
		now := ev.Timestamp
		err = s.store.UpdateMessage(ev.MessageID, func(m *types.Message) {
			m.DeletedAt = &now
		})
	}
	if err != nil {
		logger.WarnCF("broadcast", "Persist failed", map[string]interface{}{
			"event": e.EventType(),
			"error": err.Error(),
		})
	}
}

// pushWebhook POSTs the event to the owning backend. Best effort, bounded,
// never retried.
func (s *Server) pushWebhook(e types.OutgoingEvent) {
	if s.cfg.BackendWebhookURL == "" {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, s.cfg.BackendWebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	secret := s.cfg.BackendWebhookSecret
	if secret == "" {
		secret = s.cfg.APIKey
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := s.webhookClient.Do(req)
	if err != nil {
		logger.WarnCF("broadcast", "Backend webhook failed", map[string]interface{}{
			"event": e.EventType(),
			"error": err.Error(),
		})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.WarnCF("broadcast", "Backend webhook rejected", map[string]interface{}{
			"event":  e.EventType(),
			"status": resp.StatusCode,
		})
	}
}

// replay re-sends an operator message to every enabled bridge except the one
// it came from. Targets run concurrently; each failure is captured on its
// own and only aggregated for logging.
func (s *Server) replay(e types.OutgoingEvent) {
	ev, ok := e.(types.OperatorMessageEvent)
	if !ok {
		return
	}

	sess, err := s.store.GetSession(ev.SessionID)
	if err != nil {
		logger.WarnCF("broadcast", "Replay skipped, session unknown", map[string]interface{}{
			"session_id": ev.SessionID,
		})
		return
	}
	reply := s.replyContextFor(ev.Message.ReplyTo)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string
	for _, b := range s.bridges {
		if b.Name() == ev.SourceBridge || !b.IsRunning() {
			continue
		}
		wg.Add(1)
		go func(b bridges.Bridge) {
			defer wg.Done()
			ids, err := b.OnOperatorMessage(&ev.Message, sess, ev.SourceBridge, ev.OperatorName, reply)
			if err != nil {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", b.Name(), err))
				mu.Unlock()
				return
			}
			if !ids.IsEmpty() {
				s.mapper.RecordMessageIDs(ev.Message.ID, ids)
			}
		}(b)
	}
	wg.Wait()

	if len(failed) > 0 {
		logger.WarnCF("broadcast", "Replay partially failed", map[string]interface{}{
			"session_id": ev.SessionID,
			"failures":   failed,
		})
	}
}

// replyContextFor assembles native reply ids and a quote fallback for the
// message an event replies to. Unknown targets yield nil.
func (s *Server) replyContextFor(replyTo string) *types.ReplyContext {
	if replyTo == "" {
		return nil
	}
	rc := &types.ReplyContext{}
	if ids, ok := s.mapper.MessageIDs(replyTo); ok {
		rc.BridgeIDs = ids
	}
	if orig, err := s.store.GetMessage(replyTo); err == nil {
		rc.Quote = buildReplyQuote(orig)
	}
	if rc.BridgeIDs == nil && rc.Quote == "" {
		return nil
	}
	return rc
}

// buildReplyQuote renders a one-line preview of the replied-to message.
func buildReplyQuote(m *types.Message) string {
	sender := m.SenderName
	if sender == "" {
		switch m.Sender {
		case types.SenderVisitor:
			sender = "Visitor"
		case types.SenderAI:
			sender = "AI assistant"
		default:
			sender = "Operator"
		}
	}

	preview := m.Content
	if preview == "" && len(m.Attachments) > 0 {
		preview = "[" + m.Attachments[0].Name + "]"
	} else if len(m.Attachments) > 0 {
		preview = "[" + m.Attachments[0].Name + "] " + preview
	}
	if r := []rune(preview); len(r) > 140 {
		preview = string(r[:140]) + "…"
	}
	return fmt.Sprintf("%s: %s", sender, preview)
}

// dispatch runs one outbound call on every enabled bridge, isolating errors
// per target so one broken platform cannot break the others.
func (s *Server) dispatch(op string, fn func(b bridges.Bridge) error) {
	for _, b := range s.bridges {
		if !b.IsRunning() {
			continue
		}
		if err := fn(b); err != nil {
			logger.WarnCF("dispatch", op+" failed", map[string]interface{}{
				"bridge": string(b.Name()),
				"error":  err.Error(),
			})
		}
	}
}

// now is split out so tests can pin timestamps if needed.
var now = time.Now
