// Package bridges holds one implementation per operator platform. Each bridge
// owns both directions for its platform: dispatching normalized events out to
// the platform API, and ingesting the platform's inbound traffic back into
// normalized events through the shared callback.
package bridges

import (
	"context"
	"sync"

	"github.com/Ruwad-io/pocketping-sub005/pkg/relay"
	"github.com/Ruwad-io/pocketping-sub005/pkg/threadmap"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// EventCallback delivers a normalized operator event to the broadcaster.
type EventCallback func(types.OutgoingEvent)

// CommandHandler runs an operator slash command typed inside a session
// container and returns the text to post back, or "" for silence.
type CommandHandler func(platform types.Platform, sessionID, command string) string

// Bridge is the capability every platform variant implements. Outbound calls
// take the session so bridges can render metadata; reply linkage arrives as a
// ReplyContext carrying native ids plus a quote fallback.
type Bridge interface {
	Name() types.Platform
	SetEventCallback(cb EventCallback)
	SetCommandHandler(h CommandHandler)
	IsRunning() bool

	// Start brings up any long-lived ingestion (the Discord gateway); webhook
	// bridges verify credentials and return.
	Start(ctx context.Context) error
	Stop() error

	OnNewSession(s *types.Session) error
	OnVisitorMessage(msg *types.Message, s *types.Session, reply *types.ReplyContext) (*types.BridgeMessageIDs, error)
	OnOperatorMessage(msg *types.Message, s *types.Session, source types.Platform, operatorName string, reply *types.ReplyContext) (*types.BridgeMessageIDs, error)
	OnVisitorMessageEdited(s *types.Session, ids *types.BridgeMessageIDs, content string) error
	OnVisitorMessageDeleted(s *types.Session, ids *types.BridgeMessageIDs) error
	OnTyping(sessionID string) error
	OnAITakeover(s *types.Session, active bool) error
	OnMessageRead(s *types.Session, ids *types.BridgeMessageIDs) error
	OnCustomEvent(sessionID, name string, data map[string]interface{}) error
	OnIdentityUpdate(s *types.Session) error
	OnSessionClosed(sessionID string) error
}

// Deps are the shared collaborators every bridge is built with.
type Deps struct {
	Mapper      *threadmap.Mapper
	Relay       *relay.Relay
	AllowedBots []string
}

// BaseBridge carries the state all platform variants share.
type BaseBridge struct {
	name  types.Platform
	deps  Deps
	allow map[string]bool

	mu       sync.RWMutex
	callback EventCallback
	commands CommandHandler
	running  bool
}

func NewBaseBridge(name types.Platform, deps Deps) *BaseBridge {
	allow := make(map[string]bool, len(deps.AllowedBots))
	for _, id := range deps.AllowedBots {
		allow[id] = true
	}
	return &BaseBridge{name: name, deps: deps, allow: allow}
}

func (b *BaseBridge) Name() types.Platform { return b.name }

func (b *BaseBridge) SetEventCallback(cb EventCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = cb
}

func (b *BaseBridge) SetCommandHandler(h CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = h
}

// EmitEvent hands a normalized event to the broadcaster, if one is attached.
func (b *BaseBridge) EmitEvent(e types.OutgoingEvent) {
	b.mu.RLock()
	cb := b.callback
	b.mu.RUnlock()
	if cb != nil {
		cb(e)
	}
}

// RunCommand dispatches an operator slash command. Returns the reply text.
func (b *BaseBridge) RunCommand(sessionID, command string) string {
	b.mu.RLock()
	h := b.commands
	b.mu.RUnlock()
	if h == nil {
		return ""
	}
	return h(b.name, sessionID, command)
}

// IsAllowedBot reports whether a bot identity may act as a real operator.
func (b *BaseBridge) IsAllowedBot(id string) bool {
	return id != "" && b.allow[id]
}

func (b *BaseBridge) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *BaseBridge) setRunning(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = v
}
