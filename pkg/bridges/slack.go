package bridges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/Ruwad-io/pocketping-sub005/pkg/config"
	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// SlackBridge anchors every chat session to a message in one channel; the
// anchor's timestamp is the container id and all traffic lives in its thread.
type SlackBridge struct {
	*BaseBridge

	api           *slack.Client
	channelID     string
	signingSecret string
	botToken      string

	botUserID string

	nameMu    sync.RWMutex
	nameCache map[string]string
}

func NewSlackBridge(cfg config.SlackConfig, deps Deps) (*SlackBridge, error) {
	if !cfg.Enabled() {
		return nil, &types.ConfigurationError{Bridge: "slack", Reason: "bot token and channel id required"}
	}
	return &SlackBridge{
		BaseBridge:    NewBaseBridge(types.PlatformSlack, deps),
		api:           slack.New(cfg.BotToken),
		channelID:     cfg.ChannelID,
		signingSecret: cfg.SigningSecret,
		botToken:      cfg.BotToken,
		nameCache:     make(map[string]string),
	}, nil
}

func (s *SlackBridge) Start(ctx context.Context) error {
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return &types.AuthenticationError{Bridge: "slack", Err: err}
	}
	s.botUserID = auth.UserID
	s.setRunning(true)
	logger.InfoCF("slack", "Bridge started", map[string]interface{}{
		"bot_user": auth.User,
		"channel":  s.channelID,
	})
	return nil
}

func (s *SlackBridge) Stop() error {
	s.setRunning(false)
	return nil
}

// container posts the session's anchor message lazily; its ts is the thread
// every later message hangs off.
func (s *SlackBridge) container(ctx context.Context, sess *types.Session) (string, error) {
	return s.deps.Mapper.ResolveOrCreate(sess.ID, types.PlatformSlack, func() (string, error) {
		title := "💬 New chat"
		if sess.Identity != nil && sess.Identity.Name != "" {
			title += " — " + sess.Identity.Name
		}
		if sess.Metadata != nil && sess.Metadata.URL != "" {
			title += " | " + sess.Metadata.URL
		}
		_, ts, err := s.api.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(title, false))
		if err != nil {
			return "", fmt.Errorf("post anchor message: %w", err)
		}
		return ts, nil
	})
}

func (s *SlackBridge) post(ctx context.Context, threadTS, text string) (string, error) {
	_, ts, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		return "", &types.TransientNetworkError{Op: "slack post", Err: err}
	}
	return ts, nil
}

func (s *SlackBridge) uploadAttachments(ctx context.Context, threadTS string, atts []types.Attachment) {
	for _, att := range atts {
		if len(att.Data) > 0 {
			_, err := s.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
				Reader:          bytes.NewReader(att.Data),
				Filename:        att.Name,
				FileSize:        len(att.Data),
				Channel:         s.channelID,
				ThreadTimestamp: threadTS,
			})
			if err != nil {
				logger.WarnCF("slack", "File upload failed", map[string]interface{}{
					"name":  att.Name,
					"error": err.Error(),
				})
			}
			continue
		}
		if att.URL != "" {
			if _, err := s.post(ctx, threadTS, fmt.Sprintf("📎 <%s|%s>", att.URL, att.Name)); err != nil {
				logger.WarnCF("slack", "Attachment link failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (s *SlackBridge) OnNewSession(sess *types.Session) error {
	ctx, cancel := opCtx()
	defer cancel()
	ts, err := s.container(ctx, sess)
	if err != nil {
		return err
	}
	if md := sess.Metadata; md != nil && md.Referrer != "" {
		if _, err := s.post(ctx, ts, "↩️ Referred from "+md.Referrer); err != nil {
			return err
		}
	}
	return nil
}

func (s *SlackBridge) OnVisitorMessage(msg *types.Message, sess *types.Session, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	ctx, cancel := opCtx()
	defer cancel()
	threadTS, err := s.container(ctx, sess)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("*%s*: %s", visitorLabel(sess, msg), msg.Content)
	if reply != nil && reply.Quote != "" {
		text = "> " + reply.Quote + "\n" + text
	}
	ts, err := s.post(ctx, threadTS, text)
	if err != nil {
		return nil, err
	}
	s.uploadAttachments(ctx, threadTS, msg.Attachments)
	return &types.BridgeMessageIDs{SlackMessageTS: ts}, nil
}

func (s *SlackBridge) OnOperatorMessage(msg *types.Message, sess *types.Session, source types.Platform, operatorName string, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	if source == types.PlatformSlack {
		return nil, nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	threadTS, err := s.container(ctx, sess)
	if err != nil {
		return nil, err
	}

	if operatorName == "" {
		operatorName = "Operator"
	}
	text := fmt.Sprintf("*%s* (via %s): %s", operatorName, source, msg.Content)
	if reply != nil && reply.Quote != "" {
		text = "> " + reply.Quote + "\n" + text
	}
	ts, err := s.post(ctx, threadTS, text)
	if err != nil {
		return nil, err
	}
	s.uploadAttachments(ctx, threadTS, msg.Attachments)
	return &types.BridgeMessageIDs{SlackMessageTS: ts}, nil
}

func (s *SlackBridge) OnVisitorMessageEdited(sess *types.Session, ids *types.BridgeMessageIDs, content string) error {
	if ids == nil || ids.SlackMessageTS == "" {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	text := fmt.Sprintf("*%s* _(edited)_: %s", visitorLabel(sess, &types.Message{}), content)
	_, _, _, err := s.api.UpdateMessageContext(ctx, s.channelID, ids.SlackMessageTS, slack.MsgOptionText(text, false))
	if err != nil {
		return &types.TransientNetworkError{Op: "slack update", Err: err}
	}
	return nil
}

func (s *SlackBridge) OnVisitorMessageDeleted(sess *types.Session, ids *types.BridgeMessageIDs) error {
	if ids == nil || ids.SlackMessageTS == "" {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	_, _, err := s.api.DeleteMessageContext(ctx, s.channelID, ids.SlackMessageTS)
	if err != nil {
		return &types.TransientNetworkError{Op: "slack delete", Err: err}
	}
	return nil
}

func (s *SlackBridge) OnTyping(sessionID string) error {
	// The Web API offers no typing indicator for bots.
	return nil
}

func (s *SlackBridge) OnAITakeover(sess *types.Session, active bool) error {
	ctx, cancel := opCtx()
	defer cancel()
	threadTS, err := s.container(ctx, sess)
	if err != nil {
		return err
	}
	text := "🤖 AI assistant took over this chat"
	if !active {
		text = "🧑‍💻 A human operator took over from the AI"
	}
	_, err = s.post(ctx, threadTS, text)
	return err
}

func (s *SlackBridge) OnMessageRead(sess *types.Session, ids *types.BridgeMessageIDs) error {
	if ids == nil || ids.SlackMessageTS == "" {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	err := s.api.AddReactionContext(ctx, "white_check_mark", slack.NewRefToMessage(s.channelID, ids.SlackMessageTS))
	if err != nil && !strings.Contains(err.Error(), "already_reacted") {
		return &types.TransientNetworkError{Op: "slack reaction", Err: err}
	}
	return nil
}

func (s *SlackBridge) OnCustomEvent(sessionID, name string, data map[string]interface{}) error {
	threadTS, ok := s.deps.Mapper.Container(sessionID, types.PlatformSlack)
	if !ok {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.post(ctx, threadTS, fmt.Sprintf("📌 *%s* %s", name, formatEventData(data)))
	return err
}

func (s *SlackBridge) OnIdentityUpdate(sess *types.Session) error {
	if sess.Identity == nil {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	threadTS, err := s.container(ctx, sess)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("👤 Visitor identified: *%s*", sess.Identity.Name)
	if sess.Identity.Email != "" {
		text += fmt.Sprintf(" (%s)", sess.Identity.Email)
	}
	_, err = s.post(ctx, threadTS, text)
	return err
}

func (s *SlackBridge) OnSessionClosed(sessionID string) error {
	threadTS, ok := s.deps.Mapper.Container(sessionID, types.PlatformSlack)
	if !ok {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.post(ctx, threadTS, "🔒 Chat closed")
	return err
}

// HandleWebhook ingests Events API deliveries. The signature covers the raw
// body and is checked, with its replay window, before any parsing.
func (s *SlackBridge) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.signingSecret != "" {
		verifier, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
		if err != nil {
			logger.WarnC("slack", "Webhook rejected: bad signature headers")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := verifier.Write(body); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := verifier.Ensure(); err != nil {
			logger.WarnC("slack", "Webhook rejected: signature mismatch or stale timestamp")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": challenge.Challenge})
		return
	case slackevents.CallbackEvent:
		if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			s.ingestMessage(r.Context(), ev, rawInnerEvent(body))
		}
	}
	writeOK(w)
}

// rawInnerEvent extracts the undecoded inner event so fields the slackevents
// structs do not carry, like file_share attachments, stay reachable.
func rawInnerEvent(body []byte) json.RawMessage {
	var envelope struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	return envelope.Event
}

func messageFiles(raw json.RawMessage) []slack.File {
	if len(raw) == 0 {
		return nil
	}
	var payload struct {
		Files []slack.File `json:"files"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload.Files
}

func (s *SlackBridge) ingestMessage(ctx context.Context, ev *slackevents.MessageEvent, raw json.RawMessage) {
	if ev.Channel != s.channelID {
		return
	}

	switch ev.SubType {
	case "message_changed":
		s.ingestEdit(ev)
		return
	case "message_deleted":
		s.ingestDelete(ev)
		return
	case "", "file_share":
		// fall through to new-message handling
	default:
		return
	}

	if ev.User == s.botUserID {
		return
	}
	if ev.BotID != "" && !s.IsAllowedBot(ev.BotID) {
		return
	}
	// Only traffic inside a session thread matters.
	if ev.ThreadTimeStamp == "" || ev.ThreadTimeStamp == ev.TimeStamp {
		return
	}
	sessionID, ok := s.deps.Mapper.ReverseLookup(types.PlatformSlack, ev.ThreadTimeStamp)
	if !ok {
		logger.DebugCF("slack", "Message in unknown thread dropped", map[string]interface{}{
			"thread_ts": ev.ThreadTimeStamp,
		})
		return
	}

	if strings.HasPrefix(ev.Text, "/") {
		if reply := s.RunCommand(sessionID, ev.Text); reply != "" {
			if _, err := s.post(ctx, ev.ThreadTimeStamp, reply); err != nil {
				logger.WarnCF("slack", "Command reply failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return
	}

	operatorName := s.userName(ctx, ev.User)
	msg := types.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Content:    ev.Text,
		Sender:     types.SenderOperator,
		SenderName: operatorName,
		Timestamp:  time.Now(),
	}

	for _, f := range messageFiles(raw) {
		att, err := s.deps.Relay.Fetch(ctx, f.URLPrivateDownload, f.Name, map[string]string{
			"Authorization": "Bearer " + s.botToken,
		})
		if err != nil {
			logger.WarnCF("slack", "File download failed", map[string]interface{}{
				"name":  f.Name,
				"error": err.Error(),
			})
			continue
		}
		msg.Attachments = append(msg.Attachments, *att)
	}

	s.deps.Mapper.RecordMessageIDs(msg.ID, &types.BridgeMessageIDs{SlackMessageTS: ev.TimeStamp})
	s.EmitEvent(types.OperatorMessageEvent{
		Type:         "operator_message",
		SessionID:    sessionID,
		Message:      msg,
		SourceBridge: types.PlatformSlack,
		OperatorName: operatorName,
		Timestamp:    msg.Timestamp,
	})
}

func (s *SlackBridge) ingestEdit(ev *slackevents.MessageEvent) {
	if ev.Message == nil {
		return
	}
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.Message.ThreadTimestamp
	}
	if threadTS == "" {
		return
	}
	sessionID, ok := s.deps.Mapper.ReverseLookup(types.PlatformSlack, threadTS)
	if !ok {
		return
	}
	internalID, ok := s.deps.Mapper.ReverseMessageLookup(types.PlatformSlack, ev.Message.Timestamp)
	if !ok {
		return
	}
	s.EmitEvent(types.OperatorMessageEditedEvent{
		Type:         "operator_message_edited",
		SessionID:    sessionID,
		MessageID:    internalID,
		Content:      ev.Message.Text,
		SourceBridge: types.PlatformSlack,
		Timestamp:    time.Now(),
	})
}

func (s *SlackBridge) ingestDelete(ev *slackevents.MessageEvent) {
	deletedTS := ev.DeletedTimeStamp
	if deletedTS == "" && ev.PreviousMessage != nil {
		deletedTS = ev.PreviousMessage.Timestamp
	}
	internalID, ok := s.deps.Mapper.ReverseMessageLookup(types.PlatformSlack, deletedTS)
	if !ok {
		return
	}
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" && ev.PreviousMessage != nil {
		threadTS = ev.PreviousMessage.ThreadTimestamp
	}
	sessionID, ok := s.deps.Mapper.ReverseLookup(types.PlatformSlack, threadTS)
	if !ok {
		return
	}
	s.EmitEvent(types.OperatorMessageDeletedEvent{
		Type:         "operator_message_deleted",
		SessionID:    sessionID,
		MessageID:    internalID,
		SourceBridge: types.PlatformSlack,
		Timestamp:    time.Now(),
	})
}

// userName resolves and caches a display name for a Slack user id.
func (s *SlackBridge) userName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	s.nameMu.RLock()
	name, ok := s.nameCache[userID]
	s.nameMu.RUnlock()
	if ok {
		return name
	}

	user, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		logger.DebugCF("slack", "User lookup failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return userID
	}
	name = user.Profile.RealName
	if name == "" {
		name = user.Name
	}
	s.nameMu.Lock()
	s.nameCache[userID] = name
	s.nameMu.Unlock()
	return name
}
