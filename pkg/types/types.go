package types

import "time"

// Platform identifies one of the operator-side messaging targets.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
	PlatformDiscord  Platform = "discord"
)

// SenderType marks who authored a message.
type SenderType string

const (
	SenderVisitor  SenderType = "visitor"
	SenderOperator SenderType = "operator"
	SenderAI       SenderType = "ai"
)

// Attachment carries a file moving through the bridge. Data is populated only
// while the bytes are in flight and is never serialized.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"-"`
}

// Message is the canonical record a logical chat message maps to, regardless
// of which platform it was typed on.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	Content     string       `json:"content"`
	Sender      SenderType   `json:"sender"`
	SenderName  string       `json:"senderName,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty"`
}

// SessionMetadata is the page/visitor context captured when a chat starts.
type SessionMetadata struct {
	URL        string `json:"url,omitempty"`
	Referrer   string `json:"referrer,omitempty"`
	PageTitle  string `json:"pageTitle,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	IP         string `json:"ip,omitempty"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

// SessionIdentity holds whatever the embedding site knows about the visitor.
type SessionIdentity struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Session is owned by the external storage collaborator. The bridge engine
// reads it and bumps activity flags only.
type Session struct {
	ID             string           `json:"id"`
	VisitorID      string           `json:"visitorId"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastActivity   time.Time        `json:"lastActivity"`
	OperatorOnline bool             `json:"operatorOnline"`
	AIActive       bool             `json:"aiActive"`
	Metadata       *SessionMetadata `json:"metadata,omitempty"`
	Identity       *SessionIdentity `json:"identity,omitempty"`
}

// BridgeMessageIDs records the per-platform identities one logical message
// acquired as it was cross-posted.
type BridgeMessageIDs struct {
	TelegramMessageID int    `json:"telegramMessageId,omitempty"`
	DiscordMessageID  string `json:"discordMessageId,omitempty"`
	SlackMessageTS    string `json:"slackMessageTs,omitempty"`
}

// Merge combines two records field-wise: the incoming value wins wherever it
// is set, otherwise the existing value survives. Either side may be nil.
func (b *BridgeMessageIDs) Merge(other *BridgeMessageIDs) *BridgeMessageIDs {
	if b == nil {
		b = &BridgeMessageIDs{}
	}
	out := *b
	if other == nil {
		return &out
	}
	if other.TelegramMessageID != 0 {
		out.TelegramMessageID = other.TelegramMessageID
	}
	if other.DiscordMessageID != "" {
		out.DiscordMessageID = other.DiscordMessageID
	}
	if other.SlackMessageTS != "" {
		out.SlackMessageTS = other.SlackMessageTS
	}
	return &out
}

// IsEmpty reports whether no platform has recorded an id yet.
func (b *BridgeMessageIDs) IsEmpty() bool {
	return b == nil || (b.TelegramMessageID == 0 && b.DiscordMessageID == "" && b.SlackMessageTS == "")
}

// ReplyContext tells a bridge what an outbound message replies to: the
// per-platform ids for a native reference where the platform supports one,
// and a pre-rendered quote line as the fallback.
type ReplyContext struct {
	BridgeIDs *BridgeMessageIDs
	Quote     string
}
