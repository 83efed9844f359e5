package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/Ruwad-io/pocketping-sub005/pkg/bridges"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEvents is the type-dispatched union endpoint the backend and widget
// push through.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	decode := func(v interface{}) bool {
		if err := json.Unmarshal(body, v); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return false
		}
		return true
	}

	switch envelope.Type {
	case "new_session":
		var ev types.NewSessionEvent
		if decode(&ev) {
			s.processNewSession(w, &ev)
		}
	case "visitor_message":
		var ev types.VisitorMessageEvent
		if decode(&ev) {
			s.processVisitorMessage(w, &ev)
		}
	case "visitor_message_edited":
		var ev types.VisitorMessageEditedEvent
		if decode(&ev) {
			s.processVisitorMessageEdited(w, &ev)
		}
	case "visitor_message_deleted":
		var ev types.VisitorMessageDeletedEvent
		if decode(&ev) {
			s.processVisitorMessageDeleted(w, &ev)
		}
	case "ai_takeover":
		var ev types.AITakeoverEvent
		if decode(&ev) {
			s.processAITakeover(w, &ev)
		}
	case "operator_status":
		var ev types.OperatorStatusEvent
		if decode(&ev) {
			s.setPresence(ev.Online)
			writeOK(w)
		}
	case "message_read":
		var ev types.MessageReadEvent
		if decode(&ev) {
			s.processMessageRead(w, &ev)
		}
	case "custom_event":
		var ev types.CustomEventEvent
		if decode(&ev) {
			s.processCustomEvent(w, &ev)
		}
	case "identity_update":
		var ev types.IdentityUpdateEvent
		if decode(&ev) {
			s.processIdentityUpdate(w, &ev)
		}
	case "visitor_disconnect":
		var ev types.VisitorDisconnectEvent
		if decode(&ev) {
			s.processVisitorDisconnect(w, &ev)
		}
	default:
		http.Error(w, "unknown event type", http.StatusBadRequest)
	}
}

func (s *Server) processNewSession(w http.ResponseWriter, ev *types.NewSessionEvent) {
	sess := ev.Session
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now()
	}
	sess.LastActivity = now()
	if err := s.store.UpsertSession(&sess); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	s.dispatch("new session", func(b bridges.Bridge) error {
		return b.OnNewSession(&sess)
	})
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID})
}

func (s *Server) processVisitorMessage(w http.ResponseWriter, ev *types.VisitorMessageEvent) {
	sess, err := s.store.GetSession(ev.SessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	msg := ev.Message
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}
	msg.SessionID = sess.ID
	if msg.Sender == "" {
		msg.Sender = types.SenderVisitor
	}

	if err := s.store.SaveMessage(&msg); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	_ = s.store.TouchSession(sess.ID, msg.Timestamp)

	reply := s.replyContextFor(msg.ReplyTo)
	s.dispatch("visitor message", func(b bridges.Bridge) error {
		ids, err := b.OnVisitorMessage(&msg, sess, reply)
		if err != nil {
			return err
		}
		if !ids.IsEmpty() {
			s.mapper.RecordMessageIDs(msg.ID, ids)
		}
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]string{"messageId": msg.ID})
}

func (s *Server) processVisitorMessageEdited(w http.ResponseWriter, ev *types.VisitorMessageEditedEvent) {
	ids, ok := s.mapper.MessageIDs(ev.MessageID)
	if !ok {
		// never cross-posted; nothing to do anywhere
		writeOK(w)
		return
	}

	at := now()
	err := s.store.UpdateMessage(ev.MessageID, func(m *types.Message) {
		m.Content = ev.Content
		m.EditedAt = &at
	})
	if err != nil && !isNotFound(err) {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	sess, err := s.store.GetSession(ev.SessionID)
	if err != nil {
		writeOK(w)
		return
	}
	s.dispatch("visitor edit", func(b bridges.Bridge) error {
		return b.OnVisitorMessageEdited(sess, ids, ev.Content)
	})
	writeOK(w)
}

func (s *Server) processVisitorMessageDeleted(w http.ResponseWriter, ev *types.VisitorMessageDeletedEvent) {
	ids, ok := s.mapper.MessageIDs(ev.MessageID)
	if !ok {
		writeOK(w)
		return
	}

	at := now()
	err := s.store.UpdateMessage(ev.MessageID, func(m *types.Message) {
		m.Content = ""
		m.DeletedAt = &at
	})
	if err != nil && !isNotFound(err) {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	sess, err := s.store.GetSession(ev.SessionID)
	if err != nil {
		writeOK(w)
		return
	}
	s.dispatch("visitor delete", func(b bridges.Bridge) error {
		return b.OnVisitorMessageDeleted(sess, ids)
	})
	writeOK(w)
}

func (s *Server) processAITakeover(w http.ResponseWriter, ev *types.AITakeoverEvent) {
	if err := s.store.SetAIActive(ev.SessionID, ev.Active); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess, err := s.store.GetSession(ev.SessionID)
	if err != nil {
		writeOK(w)
		return
	}
	s.dispatch("ai takeover", func(b bridges.Bridge) error {
		return b.OnAITakeover(sess, ev.Active)
	})
	writeOK(w)
}

func (s *Server) processMessageRead(w http.ResponseWriter, ev *types.MessageReadEvent) {
	ids, ok := s.mapper.MessageIDs(ev.MessageID)
	if !ok {
		writeOK(w)
		return
	}
	sess, err := s.store.GetSession(ev.SessionID)
	if err != nil {
		writeOK(w)
		return
	}
	s.dispatch("message read", func(b bridges.Bridge) error {
		return b.OnMessageRead(sess, ids)
	})
	writeOK(w)
}

func (s *Server) processCustomEvent(w http.ResponseWriter, ev *types.CustomEventEvent) {
	s.dispatch("custom event", func(b bridges.Bridge) error {
		return b.OnCustomEvent(ev.SessionID, ev.Name, ev.Data)
	})
	writeOK(w)
}

func (s *Server) processIdentityUpdate(w http.ResponseWriter, ev *types.IdentityUpdateEvent) {
	if err := s.store.UpdateIdentity(ev.SessionID, ev.Identity); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess, err := s.store.GetSession(ev.SessionID)
	if err != nil {
		writeOK(w)
		return
	}
	s.dispatch("identity update", func(b bridges.Bridge) error {
		return b.OnIdentityUpdate(sess)
	})
	writeOK(w)
}

func (s *Server) processVisitorDisconnect(w http.ResponseWriter, ev *types.VisitorDisconnectEvent) {
	_ = s.store.TouchSession(ev.SessionID, now())
	s.dispatch("visitor disconnect", func(b bridges.Bridge) error {
		return b.OnCustomEvent(ev.SessionID, "Visitor disconnected", nil)
	})
	writeOK(w)
}

func isNotFound(err error) bool {
	var nf *types.NotFoundError
	return errors.As(err, &nf)
}

// Convenience routes wrapping the same processing paths.

func (s *Server) handleNewSessionRoute(w http.ResponseWriter, r *http.Request) {
	var ev types.NewSessionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.processNewSession(w, &ev)
}

func (s *Server) handleVisitorMessageRoute(w http.ResponseWriter, r *http.Request) {
	var ev types.VisitorMessageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.processVisitorMessage(w, &ev)
}

func (s *Server) handleOperatorStatusRoute(w http.ResponseWriter, r *http.Request) {
	var ev types.OperatorStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.setPresence(ev.Online)
	writeOK(w)
}

func (s *Server) handleCustomEventRoute(w http.ResponseWriter, r *http.Request) {
	var ev types.CustomEventEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.processCustomEvent(w, &ev)
}

func (s *Server) handleDisconnectRoute(w http.ResponseWriter, r *http.Request) {
	var ev types.VisitorDisconnectEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.processVisitorDisconnect(w, &ev)
}
