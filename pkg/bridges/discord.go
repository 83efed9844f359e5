package bridges

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/Ruwad-io/pocketping-sub005/pkg/config"
	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// DiscordBridge maps every chat session to a public thread under one guild
// channel. Operator replies arrive over the persistent gateway connection,
// which is the only way a bot can observe messages it did not request.
type DiscordBridge struct {
	*BaseBridge

	session       *discordgo.Session
	channelID     string
	enableGateway bool
	publicKey     ed25519.PublicKey
	botID         string
}

func NewDiscordBridge(cfg config.DiscordConfig, deps Deps) (*DiscordBridge, error) {
	if !cfg.Enabled() {
		return nil, &types.ConfigurationError{Bridge: "discord", Reason: "bot token and channel id required"}
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	var key ed25519.PublicKey
	if cfg.PublicKey != "" {
		raw, err := hex.DecodeString(cfg.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, &types.ConfigurationError{Bridge: "discord", Reason: "invalid interactions public key"}
		}
		key = ed25519.PublicKey(raw)
	}

	return &DiscordBridge{
		BaseBridge:    NewBaseBridge(types.PlatformDiscord, deps),
		session:       session,
		channelID:     cfg.ChannelID,
		enableGateway: cfg.EnableGateway,
		publicKey:     key,
	}, nil
}

// Start authenticates, registers the gateway handlers, and opens the
// connection. discordgo owns the reconnect loop: on error it resumes or
// re-identifies with backoff until Stop closes the session for good.
func (d *DiscordBridge) Start(ctx context.Context) error {
	me, err := d.session.User("@me")
	if err != nil {
		return &types.AuthenticationError{Bridge: "discord", Err: err}
	}
	d.botID = me.ID

	if d.enableGateway {
		d.session.AddHandler(d.handleMessageCreate)
		d.session.AddHandler(d.handleMessageUpdate)
		d.session.AddHandler(d.handleMessageDelete)
		if err := d.session.Open(); err != nil {
			return &types.AuthenticationError{Bridge: "discord", Err: err}
		}
	}

	d.setRunning(true)
	logger.InfoCF("discord", "Bridge started", map[string]interface{}{
		"bot_user": me.Username,
		"channel":  d.channelID,
		"gateway":  d.enableGateway,
	})
	return nil
}

func (d *DiscordBridge) Stop() error {
	d.setRunning(false)
	if d.enableGateway {
		return d.session.Close()
	}
	return nil
}

// container resolves or lazily creates the session's thread.
func (d *DiscordBridge) container(s *types.Session) (string, error) {
	return d.deps.Mapper.ResolveOrCreate(s.ID, types.PlatformDiscord, func() (string, error) {
		thread, err := d.session.ThreadStart(d.channelID, topicTitle(s), discordgo.ChannelTypeGuildPublicThread, 1440)
		if err != nil {
			return "", fmt.Errorf("start thread: %w", err)
		}
		return thread.ID, nil
	})
}

func (d *DiscordBridge) sendComplex(threadID string, send *discordgo.MessageSend) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(threadID, send)
	if err != nil {
		return "", &types.TransientNetworkError{Op: "discord send", Err: err}
	}
	return msg.ID, nil
}

func attachmentFiles(atts []types.Attachment) []*discordgo.File {
	var files []*discordgo.File
	for _, att := range atts {
		if len(att.Data) == 0 {
			continue
		}
		files = append(files, &discordgo.File{
			Name:        att.Name,
			ContentType: att.MimeType,
			Reader:      bytes.NewReader(att.Data),
		})
	}
	return files
}

func attachmentLinks(atts []types.Attachment) string {
	var b strings.Builder
	for _, att := range atts {
		if len(att.Data) == 0 && att.URL != "" {
			fmt.Fprintf(&b, "\n📎 %s", att.URL)
		}
	}
	return b.String()
}

func (d *DiscordBridge) OnNewSession(s *types.Session) error {
	threadID, err := d.container(s)
	if err != nil {
		return err
	}

	embed := &discordgo.MessageEmbed{
		Title: "🆕 New chat started",
		Color: 0x00D4AA,
	}
	if md := s.Metadata; md != nil {
		if md.URL != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Page", Value: md.URL})
		}
		if md.Referrer != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Referrer", Value: md.Referrer})
		}
		if md.Country != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Location", Value: md.Country})
		}
	}
	_, err = d.sendComplex(threadID, &discordgo.MessageSend{Embed: embed})
	return err
}

func (d *DiscordBridge) OnVisitorMessage(msg *types.Message, s *types.Session, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	threadID, err := d.container(s)
	if err != nil {
		return nil, err
	}

	send := &discordgo.MessageSend{
		Content: fmt.Sprintf("**%s**: %s", visitorLabel(s, msg), msg.Content) + attachmentLinks(msg.Attachments),
		Files:   attachmentFiles(msg.Attachments),
	}
	if reply != nil {
		if reply.BridgeIDs != nil && reply.BridgeIDs.DiscordMessageID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: reply.BridgeIDs.DiscordMessageID, ChannelID: threadID}
		} else if reply.Quote != "" {
			send.Content = "> " + reply.Quote + "\n" + send.Content
		}
	}

	id, err := d.sendComplex(threadID, send)
	if err != nil {
		return nil, err
	}
	return &types.BridgeMessageIDs{DiscordMessageID: id}, nil
}

func (d *DiscordBridge) OnOperatorMessage(msg *types.Message, s *types.Session, source types.Platform, operatorName string, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	if source == types.PlatformDiscord {
		return nil, nil
	}
	threadID, err := d.container(s)
	if err != nil {
		return nil, err
	}

	if operatorName == "" {
		operatorName = "Operator"
	}
	send := &discordgo.MessageSend{
		Content: fmt.Sprintf("**%s** (via %s): %s", operatorName, source, msg.Content) + attachmentLinks(msg.Attachments),
		Files:   attachmentFiles(msg.Attachments),
	}
	if reply != nil {
		if reply.BridgeIDs != nil && reply.BridgeIDs.DiscordMessageID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: reply.BridgeIDs.DiscordMessageID, ChannelID: threadID}
		} else if reply.Quote != "" {
			send.Content = "> " + reply.Quote + "\n" + send.Content
		}
	}

	id, err := d.sendComplex(threadID, send)
	if err != nil {
		return nil, err
	}
	return &types.BridgeMessageIDs{DiscordMessageID: id}, nil
}

func (d *DiscordBridge) OnVisitorMessageEdited(s *types.Session, ids *types.BridgeMessageIDs, content string) error {
	if ids == nil || ids.DiscordMessageID == "" {
		return nil
	}
	threadID, ok := d.deps.Mapper.Container(s.ID, types.PlatformDiscord)
	if !ok {
		return nil
	}
	text := fmt.Sprintf("**%s** _(edited)_: %s", visitorLabel(s, &types.Message{}), content)
	if _, err := d.session.ChannelMessageEdit(threadID, ids.DiscordMessageID, text); err != nil {
		return &types.TransientNetworkError{Op: "discord edit", Err: err}
	}
	return nil
}

func (d *DiscordBridge) OnVisitorMessageDeleted(s *types.Session, ids *types.BridgeMessageIDs) error {
	if ids == nil || ids.DiscordMessageID == "" {
		return nil
	}
	threadID, ok := d.deps.Mapper.Container(s.ID, types.PlatformDiscord)
	if !ok {
		return nil
	}
	if err := d.session.ChannelMessageDelete(threadID, ids.DiscordMessageID); err != nil {
		return &types.TransientNetworkError{Op: "discord delete", Err: err}
	}
	return nil
}

func (d *DiscordBridge) OnTyping(sessionID string) error {
	threadID, ok := d.deps.Mapper.Container(sessionID, types.PlatformDiscord)
	if !ok {
		return nil
	}
	return d.session.ChannelTyping(threadID)
}

func (d *DiscordBridge) OnAITakeover(s *types.Session, active bool) error {
	threadID, err := d.container(s)
	if err != nil {
		return err
	}
	text := "🤖 AI assistant took over this chat"
	if !active {
		text = "🧑‍💻 A human operator took over from the AI"
	}
	_, err = d.sendComplex(threadID, &discordgo.MessageSend{Content: text})
	return err
}

func (d *DiscordBridge) OnMessageRead(s *types.Session, ids *types.BridgeMessageIDs) error {
	if ids == nil || ids.DiscordMessageID == "" {
		return nil
	}
	threadID, ok := d.deps.Mapper.Container(s.ID, types.PlatformDiscord)
	if !ok {
		return nil
	}
	if err := d.session.MessageReactionAdd(threadID, ids.DiscordMessageID, "✅"); err != nil {
		return &types.TransientNetworkError{Op: "discord reaction", Err: err}
	}
	return nil
}

func (d *DiscordBridge) OnCustomEvent(sessionID, name string, data map[string]interface{}) error {
	threadID, ok := d.deps.Mapper.Container(sessionID, types.PlatformDiscord)
	if !ok {
		return nil
	}
	_, err := d.sendComplex(threadID, &discordgo.MessageSend{
		Content: fmt.Sprintf("📌 **%s** %s", name, formatEventData(data)),
	})
	return err
}

func (d *DiscordBridge) OnIdentityUpdate(s *types.Session) error {
	if s.Identity == nil {
		return nil
	}
	threadID, err := d.container(s)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("👤 Visitor identified: **%s**", s.Identity.Name)
	if s.Identity.Email != "" {
		text += fmt.Sprintf(" (%s)", s.Identity.Email)
	}
	_, err = d.sendComplex(threadID, &discordgo.MessageSend{Content: text})
	return err
}

func (d *DiscordBridge) OnSessionClosed(sessionID string) error {
	threadID, ok := d.deps.Mapper.Container(sessionID, types.PlatformDiscord)
	if !ok {
		return nil
	}
	if _, err := d.sendComplex(threadID, &discordgo.MessageSend{Content: "🔒 Chat closed"}); err != nil {
		return err
	}
	archived := true
	if _, err := d.session.ChannelEditComplex(threadID, &discordgo.ChannelEdit{Archived: &archived}); err != nil {
		logger.WarnCF("discord", "Thread archive failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	return nil
}

func (d *DiscordBridge) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.ingestMessage(m.Message)
}

func (d *DiscordBridge) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author == nil || m.Author.ID == d.botID {
		return
	}
	sessionID, ok := d.deps.Mapper.ReverseLookup(types.PlatformDiscord, m.ChannelID)
	if !ok {
		return
	}
	internalID, ok := d.deps.Mapper.ReverseMessageLookup(types.PlatformDiscord, m.ID)
	if !ok {
		return
	}
	d.EmitEvent(types.OperatorMessageEditedEvent{
		Type:         "operator_message_edited",
		SessionID:    sessionID,
		MessageID:    internalID,
		Content:      m.Content,
		SourceBridge: types.PlatformDiscord,
		Timestamp:    time.Now(),
	})
}

func (d *DiscordBridge) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	sessionID, ok := d.deps.Mapper.ReverseLookup(types.PlatformDiscord, m.ChannelID)
	if !ok {
		return
	}
	internalID, ok := d.deps.Mapper.ReverseMessageLookup(types.PlatformDiscord, m.ID)
	if !ok {
		return
	}
	d.EmitEvent(types.OperatorMessageDeletedEvent{
		Type:         "operator_message_deleted",
		SessionID:    sessionID,
		MessageID:    internalID,
		SourceBridge: types.PlatformDiscord,
		Timestamp:    time.Now(),
	})
}

func (d *DiscordBridge) ingestMessage(m *discordgo.Message) {
	if m.Author == nil {
		return
	}
	if !d.IsAllowedBot(m.Author.ID) && (m.Author.ID == d.botID || m.Author.Bot) {
		return
	}
	sessionID, ok := d.deps.Mapper.ReverseLookup(types.PlatformDiscord, m.ChannelID)
	if !ok {
		return
	}

	content := strings.TrimSpace(m.Content)
	if strings.HasPrefix(content, "/") {
		if reply := d.RunCommand(sessionID, content); reply != "" {
			if _, err := d.sendComplex(m.ChannelID, &discordgo.MessageSend{Content: reply}); err != nil {
				logger.WarnCF("discord", "Command reply failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return
	}

	operatorName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		operatorName = m.Member.Nick
	}

	msg := types.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Content:    content,
		Sender:     types.SenderOperator,
		SenderName: operatorName,
		Timestamp:  time.Now(),
	}

	ctx, cancel := opCtx()
	defer cancel()
	for _, att := range m.Attachments {
		fetched, err := d.deps.Relay.Fetch(ctx, att.URL, att.Filename, nil)
		if err != nil {
			logger.WarnCF("discord", "Attachment download failed", map[string]interface{}{
				"name":  att.Filename,
				"error": err.Error(),
			})
			continue
		}
		msg.Attachments = append(msg.Attachments, *fetched)
	}

	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		if internal, ok := d.deps.Mapper.ReverseMessageLookup(types.PlatformDiscord, m.MessageReference.MessageID); ok {
			msg.ReplyTo = internal
		}
	}

	d.deps.Mapper.RecordMessageIDs(msg.ID, &types.BridgeMessageIDs{DiscordMessageID: m.ID})
	d.EmitEvent(types.OperatorMessageEvent{
		Type:         "operator_message",
		SessionID:    sessionID,
		Message:      msg,
		SourceBridge: types.PlatformDiscord,
		OperatorName: operatorName,
		Timestamp:    msg.Timestamp,
	})
}

// HandleInteraction answers the interactions endpoint: the liveness ping gets
// a pong, and the "reply" slash command is ingested as an operator message.
func (d *DiscordBridge) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	if d.publicKey != nil && !discordgo.VerifyInteraction(r, d.publicKey) {
		http.Error(w, "invalid request signature", http.StatusUnauthorized)
		return
	}

	var interaction struct {
		Type      int    `json:"type"`
		ChannelID string `json:"channel_id"`
		Member    *struct {
			User *struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"user"`
		} `json:"member"`
		Data *struct {
			Name    string `json:"name"`
			Options []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"options"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&interaction); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch interaction.Type {
	case 1: // ping
		_, _ = w.Write([]byte(`{"type":1}`))
	case 2: // application command
		response := "Unknown command"
		if interaction.Data != nil && interaction.Data.Name == "reply" {
			userName := ""
			if interaction.Member != nil && interaction.Member.User != nil {
				userName = interaction.Member.User.Username
			}
			text := ""
			for _, opt := range interaction.Data.Options {
				if opt.Name == "message" {
					text = opt.Value
				}
			}
			response = d.runReplyCommand(interaction.ChannelID, userName, text)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"type": 4,
			"data": map[string]string{"content": response},
		})
	default:
		writeOK(w)
	}
}

func (d *DiscordBridge) runReplyCommand(channelID, userName, text string) string {
	sessionID, ok := d.deps.Mapper.ReverseLookup(types.PlatformDiscord, channelID)
	if !ok {
		return "This channel is not linked to a chat session"
	}
	if text == "" {
		return "Nothing to send"
	}

	msg := types.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Content:    text,
		Sender:     types.SenderOperator,
		SenderName: userName,
		Timestamp:  time.Now(),
	}
	d.EmitEvent(types.OperatorMessageEvent{
		Type:         "operator_message",
		SessionID:    sessionID,
		Message:      msg,
		SourceBridge: types.PlatformDiscord,
		OperatorName: userName,
		Timestamp:    msg.Timestamp,
	})
	return "Reply sent ✅"
}
