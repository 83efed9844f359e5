// Package threadmap holds the bidirectional tables tying chat sessions to
// per-platform conversation containers, and internal message ids to the
// platform message ids they acquired when cross-posted.
package threadmap

import (
	"strconv"
	"sync"

	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

type key struct {
	platform types.Platform
	id       string
}

// Mapper is safe for concurrent use by all ingestors and the dispatcher.
type Mapper struct {
	mu         sync.RWMutex
	containers map[key]string                     // (platform, sessionID) -> containerID
	sessions   map[key]string                     // (platform, containerID) -> sessionID
	messages   map[string]*types.BridgeMessageIDs // internal message id -> platform ids
	msgIndex   map[key]string                     // (platform, platform msg id) -> internal id

	creating map[key]*sync.Mutex
}

func New() *Mapper {
	return &Mapper{
		containers: make(map[key]string),
		sessions:   make(map[key]string),
		messages:   make(map[string]*types.BridgeMessageIDs),
		msgIndex:   make(map[key]string),
		creating:   make(map[key]*sync.Mutex),
	}
}

// creationLock returns the mutex serializing container creation for one
// (session, platform) pair.
func (m *Mapper) creationLock(k key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.creating[k]
	if !ok {
		l = &sync.Mutex{}
		m.creating[k] = l
	}
	return l
}

// ResolveOrCreate returns the container id for (sessionID, platform),
// invoking create at most once across all concurrent callers. The platform
// call runs inside the per-pair critical section so two near-simultaneous
// first messages cannot create two containers.
func (m *Mapper) ResolveOrCreate(sessionID string, platform types.Platform, create func() (string, error)) (string, error) {
	k := key{platform, sessionID}

	m.mu.RLock()
	id, ok := m.containers[k]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}

	lock := m.creationLock(k)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	id, ok = m.containers[k]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := create()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.containers[k] = id
	m.sessions[key{platform, id}] = sessionID
	m.mu.Unlock()
	return id, nil
}

// Container returns the existing container id without creating one.
func (m *Mapper) Container(sessionID string, platform types.Platform) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.containers[key{platform, sessionID}]
	return id, ok
}

// ReverseLookup resolves a platform container id back to its session. A miss
// is not an error; callers drop the inbound event and answer success.
func (m *Mapper) ReverseLookup(platform types.Platform, containerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.sessions[key{platform, containerID}]
	return sid, ok
}

// RecordMessageIDs merges the given platform ids into the record for an
// internal message id and indexes each newly known id for reverse lookup.
func (m *Mapper) RecordMessageIDs(internalID string, ids *types.BridgeMessageIDs) {
	if internalID == "" || ids.IsEmpty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := m.messages[internalID].Merge(ids)
	m.messages[internalID] = merged
	if merged.TelegramMessageID != 0 {
		m.msgIndex[key{types.PlatformTelegram, strconv.Itoa(merged.TelegramMessageID)}] = internalID
	}
	if merged.DiscordMessageID != "" {
		m.msgIndex[key{types.PlatformDiscord, merged.DiscordMessageID}] = internalID
	}
	if merged.SlackMessageTS != "" {
		m.msgIndex[key{types.PlatformSlack, merged.SlackMessageTS}] = internalID
	}
}

// MessageIDs returns a copy of the recorded platform ids for a message.
func (m *Mapper) MessageIDs(internalID string) (*types.BridgeMessageIDs, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.messages[internalID]
	if !ok {
		return nil, false
	}
	out := *ids
	return &out, true
}

// ReverseMessageLookup resolves a platform message id to the internal message
// id it belongs to. Telegram ids are passed in decimal form.
func (m *Mapper) ReverseMessageLookup(platform types.Platform, platformMessageID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.msgIndex[key{platform, platformMessageID}]
	return id, ok
}

// DeleteSession drops all container mappings for a session. Message id
// records are left alone; they are pruned with the process.
func (m *Mapper) DeleteSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range []types.Platform{types.PlatformTelegram, types.PlatformSlack, types.PlatformDiscord} {
		k := key{p, sessionID}
		if cid, ok := m.containers[k]; ok {
			delete(m.sessions, key{p, cid})
			delete(m.containers, k)
		}
		delete(m.creating, k)
	}
}
