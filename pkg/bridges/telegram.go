package bridges

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/Ruwad-io/pocketping-sub005/pkg/config"
	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramBridge maps every chat session to a forum topic in one supergroup.
// The topic's message thread id is the container id.
type TelegramBridge struct {
	*BaseBridge

	bot           *telego.Bot
	chatID        int64
	webhookSecret string
	botID         int64
}

func NewTelegramBridge(cfg config.TelegramConfig, deps Deps) (*TelegramBridge, error) {
	if !cfg.Enabled() {
		return nil, &types.ConfigurationError{Bridge: "telegram", Reason: "bot token and chat id required"}
	}
	bot, err := telego.NewBot(cfg.BotToken, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramBridge{
		BaseBridge:    NewBaseBridge(types.PlatformTelegram, deps),
		bot:           bot,
		chatID:        cfg.ChatID,
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (t *TelegramBridge) Start(ctx context.Context) error {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return &types.AuthenticationError{Bridge: "telegram", Err: err}
	}
	t.botID = me.ID
	t.setRunning(true)
	logger.InfoCF("telegram", "Bridge started", map[string]interface{}{
		"bot_username": me.Username,
		"chat_id":      t.chatID,
	})
	return nil
}

func (t *TelegramBridge) Stop() error {
	t.setRunning(false)
	return nil
}

func topicTitle(s *types.Session) string {
	name := ""
	if s.Identity != nil && s.Identity.Name != "" {
		name = s.Identity.Name
	}
	if name == "" {
		id := s.VisitorID
		if id == "" {
			id = s.ID
		}
		if len(id) > 8 {
			id = id[:8]
		}
		name = "Visitor " + id
	}
	return "💬 " + name
}

// container resolves or lazily creates the forum topic for a session.
func (t *TelegramBridge) container(ctx context.Context, s *types.Session) (int, error) {
	id, err := t.deps.Mapper.ResolveOrCreate(s.ID, types.PlatformTelegram, func() (string, error) {
		topic, err := t.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
			ChatID: tu.ID(t.chatID),
			Name:   topicTitle(s),
		})
		if err != nil {
			return "", fmt.Errorf("create forum topic: %w", err)
		}
		return strconv.Itoa(topic.MessageThreadID), nil
	})
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(id)
}

func (t *TelegramBridge) send(ctx context.Context, threadID int, htmlText string, replyTo int) (int, error) {
	params := &telego.SendMessageParams{
		ChatID:          tu.ID(t.chatID),
		Text:            htmlText,
		ParseMode:       telego.ModeHTML,
		MessageThreadID: threadID,
	}
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, &types.TransientNetworkError{Op: "telegram send", Err: err}
	}
	return msg.MessageID, nil
}

func (t *TelegramBridge) sendAttachments(ctx context.Context, threadID int, atts []types.Attachment) {
	for _, att := range atts {
		if len(att.Data) > 0 {
			_, err := t.bot.SendDocument(ctx, &telego.SendDocumentParams{
				ChatID:          tu.ID(t.chatID),
				MessageThreadID: threadID,
				Document:        tu.File(tu.NameReader(bytes.NewReader(att.Data), att.Name)),
			})
			if err != nil {
				logger.WarnCF("telegram", "Attachment upload failed", map[string]interface{}{
					"name":  att.Name,
					"error": err.Error(),
				})
			}
			continue
		}
		if att.URL != "" {
			text := fmt.Sprintf("📎 <a href=%q>%s</a>", att.URL, html.EscapeString(att.Name))
			if _, err := t.send(ctx, threadID, text, 0); err != nil {
				logger.WarnCF("telegram", "Attachment link failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (t *TelegramBridge) OnNewSession(s *types.Session) error {
	ctx, cancel := opCtx()
	defer cancel()
	threadID, err := t.container(ctx, s)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("🆕 <b>New chat started</b>")
	if md := s.Metadata; md != nil {
		if md.URL != "" {
			fmt.Fprintf(&b, "\n🌐 %s", html.EscapeString(md.URL))
		}
		if md.Referrer != "" {
			fmt.Fprintf(&b, "\n↩️ %s", html.EscapeString(md.Referrer))
		}
		if md.Country != "" {
			fmt.Fprintf(&b, "\n📍 %s", html.EscapeString(md.Country))
		}
		if md.DeviceType != "" {
			fmt.Fprintf(&b, "\n📱 %s", html.EscapeString(md.DeviceType))
		}
	}
	_, err = t.send(ctx, threadID, b.String(), 0)
	return err
}

func visitorLabel(s *types.Session, msg *types.Message) string {
	if msg.Sender == types.SenderAI {
		return "🤖 AI assistant"
	}
	if s.Identity != nil && s.Identity.Name != "" {
		return s.Identity.Name
	}
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return "Visitor"
}

func (t *TelegramBridge) OnVisitorMessage(msg *types.Message, s *types.Session, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	ctx, cancel := opCtx()
	defer cancel()
	threadID, err := t.container(ctx, s)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("👤 <b>%s</b>:\n%s", html.EscapeString(visitorLabel(s, msg)), html.EscapeString(msg.Content))
	replyTo := 0
	if reply != nil {
		if reply.BridgeIDs != nil && reply.BridgeIDs.TelegramMessageID != 0 {
			replyTo = reply.BridgeIDs.TelegramMessageID
		} else if reply.Quote != "" {
			text = html.EscapeString(reply.Quote) + "\n" + text
		}
	}

	id, err := t.send(ctx, threadID, text, replyTo)
	if err != nil {
		return nil, err
	}
	t.sendAttachments(ctx, threadID, msg.Attachments)
	return &types.BridgeMessageIDs{TelegramMessageID: id}, nil
}

func (t *TelegramBridge) OnOperatorMessage(msg *types.Message, s *types.Session, source types.Platform, operatorName string, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	if source == types.PlatformTelegram {
		return nil, nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	threadID, err := t.container(ctx, s)
	if err != nil {
		return nil, err
	}

	if operatorName == "" {
		operatorName = "Operator"
	}
	text := fmt.Sprintf("🧑‍💻 <b>%s</b> (via %s):\n%s",
		html.EscapeString(operatorName), source, html.EscapeString(msg.Content))
	replyTo := 0
	if reply != nil {
		if reply.BridgeIDs != nil && reply.BridgeIDs.TelegramMessageID != 0 {
			replyTo = reply.BridgeIDs.TelegramMessageID
		} else if reply.Quote != "" {
			text = html.EscapeString(reply.Quote) + "\n" + text
		}
	}

	id, err := t.send(ctx, threadID, text, replyTo)
	if err != nil {
		return nil, err
	}
	t.sendAttachments(ctx, threadID, msg.Attachments)
	return &types.BridgeMessageIDs{TelegramMessageID: id}, nil
}

func (t *TelegramBridge) OnVisitorMessageEdited(s *types.Session, ids *types.BridgeMessageIDs, content string) error {
	if ids == nil || ids.TelegramMessageID == 0 {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	text := fmt.Sprintf("👤 <b>%s</b> ✏️ (edited):\n%s",
		html.EscapeString(visitorLabel(s, &types.Message{})), html.EscapeString(content))
	_, err := t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: ids.TelegramMessageID,
		Text:      text,
		ParseMode: telego.ModeHTML,
	})
	if err != nil {
		return &types.TransientNetworkError{Op: "telegram edit", Err: err}
	}
	return nil
}

func (t *TelegramBridge) OnVisitorMessageDeleted(s *types.Session, ids *types.BridgeMessageIDs) error {
	if ids == nil || ids.TelegramMessageID == 0 {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	err := t.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: ids.TelegramMessageID,
	})
	if err != nil {
		return &types.TransientNetworkError{Op: "telegram delete", Err: err}
	}
	return nil
}

func (t *TelegramBridge) OnTyping(sessionID string) error {
	threadStr, ok := t.deps.Mapper.Container(sessionID, types.PlatformTelegram)
	if !ok {
		return nil
	}
	threadID, _ := strconv.Atoi(threadStr)
	ctx, cancel := opCtx()
	defer cancel()
	return t.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID:          tu.ID(t.chatID),
		Action:          telego.ChatActionTyping,
		MessageThreadID: threadID,
	})
}

func (t *TelegramBridge) OnAITakeover(s *types.Session, active bool) error {
	ctx, cancel := opCtx()
	defer cancel()
	threadID, err := t.container(ctx, s)
	if err != nil {
		return err
	}
	text := "🤖 AI assistant took over this chat"
	if !active {
		text = "🧑‍💻 A human operator took over from the AI"
	}
	_, err = t.send(ctx, threadID, text, 0)
	return err
}

func (t *TelegramBridge) OnMessageRead(s *types.Session, ids *types.BridgeMessageIDs) error {
	// Telegram has no read receipt surface worth posting into the topic.
	logger.DebugCF("telegram", "Read receipt ignored", map[string]interface{}{"session_id": s.ID})
	return nil
}

func (t *TelegramBridge) OnCustomEvent(sessionID, name string, data map[string]interface{}) error {
	threadStr, ok := t.deps.Mapper.Container(sessionID, types.PlatformTelegram)
	if !ok {
		return nil
	}
	threadID, _ := strconv.Atoi(threadStr)
	ctx, cancel := opCtx()
	defer cancel()
	_, err := t.send(ctx, threadID, fmt.Sprintf("📌 <b>%s</b>\n%s",
		html.EscapeString(name), html.EscapeString(formatEventData(data))), 0)
	return err
}

func (t *TelegramBridge) OnIdentityUpdate(s *types.Session) error {
	if s.Identity == nil {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	threadID, err := t.container(ctx, s)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("👤 Visitor identified: <b>%s</b>", html.EscapeString(s.Identity.Name))
	if s.Identity.Email != "" {
		text += fmt.Sprintf(" (%s)", html.EscapeString(s.Identity.Email))
	}
	_, err = t.send(ctx, threadID, text, 0)
	return err
}

func (t *TelegramBridge) OnSessionClosed(sessionID string) error {
	threadStr, ok := t.deps.Mapper.Container(sessionID, types.PlatformTelegram)
	if !ok {
		return nil
	}
	threadID, _ := strconv.Atoi(threadStr)
	ctx, cancel := opCtx()
	defer cancel()
	if _, err := t.send(ctx, threadID, "🔒 Chat closed", 0); err != nil {
		return err
	}
	err := t.bot.CloseForumTopic(ctx, &telego.CloseForumTopicParams{
		ChatID:          tu.ID(t.chatID),
		MessageThreadID: threadID,
	})
	if err != nil {
		logger.WarnCF("telegram", "Close forum topic failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	return nil
}

// HandleWebhook ingests bot API updates. The shared-secret header, when
// configured, must match in constant time before anything is parsed.
func (t *TelegramBridge) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if t.webhookSecret != "" {
		got := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(t.webhookSecret)) != 1 {
			logger.WarnC("telegram", "Webhook rejected: bad secret token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var update telego.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch {
	case update.Message != nil:
		t.ingestMessage(r.Context(), update.Message, false)
	case update.EditedMessage != nil:
		t.ingestMessage(r.Context(), update.EditedMessage, true)
	}
	writeOK(w)
}

func (t *TelegramBridge) ingestMessage(ctx context.Context, m *telego.Message, edited bool) {
	if m.From == nil || m.Chat.ID != t.chatID || m.MessageThreadID == 0 {
		return
	}
	// allow-listed bots count as operators even when one is this bridge's
	// own identity
	senderID := strconv.FormatInt(m.From.ID, 10)
	if !t.IsAllowedBot(senderID) && (m.From.ID == t.botID || m.From.IsBot) {
		return
	}

	containerID := strconv.Itoa(m.MessageThreadID)
	sessionID, ok := t.deps.Mapper.ReverseLookup(types.PlatformTelegram, containerID)
	if !ok {
		logger.DebugCF("telegram", "Update for unknown topic dropped", map[string]interface{}{
			"thread_id": containerID,
		})
		return
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	operatorName := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if operatorName == "" {
		operatorName = m.From.Username
	}

	if edited {
		internalID, ok := t.deps.Mapper.ReverseMessageLookup(types.PlatformTelegram, strconv.Itoa(m.MessageID))
		if !ok {
			return
		}
		t.EmitEvent(types.OperatorMessageEditedEvent{
			Type:         "operator_message_edited",
			SessionID:    sessionID,
			MessageID:    internalID,
			Content:      content,
			SourceBridge: types.PlatformTelegram,
			Timestamp:    time.Now(),
		})
		return
	}

	if strings.HasPrefix(content, "/") {
		if reply := t.RunCommand(sessionID, content); reply != "" {
			if _, err := t.send(ctx, m.MessageThreadID, html.EscapeString(reply), 0); err != nil {
				logger.WarnCF("telegram", "Command reply failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return
	}

	msg := types.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Content:    content,
		Sender:     types.SenderOperator,
		SenderName: operatorName,
		Timestamp:  time.Now(),
	}

	if att := t.richestAttachment(ctx, m); att != nil {
		msg.Attachments = append(msg.Attachments, *att)
	}

	if m.ReplyToMessage != nil {
		if internal, ok := t.deps.Mapper.ReverseMessageLookup(types.PlatformTelegram, strconv.Itoa(m.ReplyToMessage.MessageID)); ok {
			msg.ReplyTo = internal
		}
	}

	t.deps.Mapper.RecordMessageIDs(msg.ID, &types.BridgeMessageIDs{TelegramMessageID: m.MessageID})
	t.EmitEvent(types.OperatorMessageEvent{
		Type:         "operator_message",
		SessionID:    sessionID,
		Message:      msg,
		SourceBridge: types.PlatformTelegram,
		OperatorName: operatorName,
		Timestamp:    msg.Timestamp,
	})
}

// richestAttachment picks one media item per message, best quality first.
func (t *TelegramBridge) richestAttachment(ctx context.Context, m *telego.Message) *types.Attachment {
	var fileID, name string
	switch {
	case len(m.Photo) > 0:
		fileID = m.Photo[len(m.Photo)-1].FileID
		name = "photo.jpg"
	case m.Document != nil:
		fileID = m.Document.FileID
		name = m.Document.FileName
	case m.Audio != nil:
		fileID = m.Audio.FileID
		name = m.Audio.FileName
	case m.Video != nil:
		fileID = m.Video.FileID
		name = m.Video.FileName
	case m.Voice != nil:
		fileID = m.Voice.FileID
		name = "voice.ogg"
	default:
		return nil
	}
	if name == "" {
		name = "file"
	}

	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.WarnCF("telegram", "GetFile failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	att, err := t.deps.Relay.Fetch(ctx, t.bot.FileDownloadURL(file.FilePath), name, nil)
	if err != nil {
		logger.WarnCF("telegram", "Attachment download failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return att
}

func formatEventData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, ", ")
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
