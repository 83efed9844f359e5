package types

import "time"

// Incoming events arrive from the backend or the chat widget over HTTP.

type NewSessionEvent struct {
	Session Session `json:"session"`
}

type VisitorMessageEvent struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

type VisitorMessageEditedEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type VisitorMessageDeletedEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type AITakeoverEvent struct {
	SessionID string `json:"sessionId"`
	Active    bool   `json:"active"`
}

type OperatorStatusEvent struct {
	Online bool `json:"online"`
}

type MessageReadEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type CustomEventEvent struct {
	SessionID string                 `json:"sessionId"`
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type IdentityUpdateEvent struct {
	SessionID string          `json:"sessionId"`
	Identity  SessionIdentity `json:"identity"`
}

type VisitorDisconnectEvent struct {
	SessionID string `json:"sessionId"`
}

// OutgoingEvent is the normalized shape every ingestor produces and the
// broadcaster fans out to the backend stream, webhook, and other bridges.
type OutgoingEvent interface {
	EventType() string
	Session() string
}

type OperatorMessageEvent struct {
	Type                  string    `json:"type"`
	SessionID             string    `json:"sessionId"`
	Message               Message   `json:"message"`
	SourceBridge          Platform  `json:"sourceBridge"`
	OperatorName          string    `json:"operatorName,omitempty"`
	ReplyToBridgeMessage  string    `json:"replyToBridgeMessageId,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

func (e OperatorMessageEvent) EventType() string { return "operator_message" }
func (e OperatorMessageEvent) Session() string   { return e.SessionID }

type OperatorMessageEditedEvent struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	MessageID    string    `json:"messageId"`
	Content      string    `json:"content"`
	SourceBridge Platform  `json:"sourceBridge"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e OperatorMessageEditedEvent) EventType() string { return "operator_message_edited" }
func (e OperatorMessageEditedEvent) Session() string   { return e.SessionID }

type OperatorMessageDeletedEvent struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	MessageID    string    `json:"messageId"`
	SourceBridge Platform  `json:"sourceBridge"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e OperatorMessageDeletedEvent) EventType() string { return "operator_message_deleted" }
func (e OperatorMessageDeletedEvent) Session() string   { return e.SessionID }

type OperatorTypingEvent struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	SourceBridge Platform `json:"sourceBridge,omitempty"`
}

func (e OperatorTypingEvent) EventType() string { return "operator_typing" }
func (e OperatorTypingEvent) Session() string   { return e.SessionID }

type SessionClosedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func (e SessionClosedEvent) EventType() string { return "session_closed" }
func (e SessionClosedEvent) Session() string   { return e.SessionID }
