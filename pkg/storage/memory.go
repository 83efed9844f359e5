package storage

import (
	"sync"
	"time"

	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// Memory keeps everything in mutex-guarded maps. All reads return copies so
// callers can never mutate shared state behind the lock.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	messages map[string]*types.Message
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*types.Session),
		messages: make(map[string]*types.Message),
	}
}

func copySession(s *types.Session) *types.Session {
	out := *s
	if s.Metadata != nil {
		md := *s.Metadata
		out.Metadata = &md
	}
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	return &out
}

func copyMessage(m *types.Message) *types.Message {
	out := *m
	out.Attachments = append([]types.Attachment(nil), m.Attachments...)
	return &out
}

func (s *Memory) UpsertSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *Memory) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &types.NotFoundError{Kind: "session", ID: id}
	}
	return copySession(sess), nil
}

func (s *Memory) Sessions() ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess))
	}
	return out, nil
}

func (s *Memory) updateSession(id string, fn func(*types.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return &types.NotFoundError{Kind: "session", ID: id}
	}
	fn(sess)
	return nil
}

func (s *Memory) TouchSession(id string, at time.Time) error {
	return s.updateSession(id, func(sess *types.Session) { sess.LastActivity = at })
}

func (s *Memory) SetOperatorOnline(id string, online bool) error {
	return s.updateSession(id, func(sess *types.Session) { sess.OperatorOnline = online })
}

func (s *Memory) SetAIActive(id string, active bool) error {
	return s.updateSession(id, func(sess *types.Session) { sess.AIActive = active })
}

func (s *Memory) UpdateIdentity(id string, ident types.SessionIdentity) error {
	return s.updateSession(id, func(sess *types.Session) { sess.Identity = &ident })
}

func (s *Memory) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *Memory) SaveMessage(m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = copyMessage(m)
	return nil
}

func (s *Memory) GetMessage(id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, &types.NotFoundError{Kind: "message", ID: id}
	}
	return copyMessage(m), nil
}

func (s *Memory) UpdateMessage(id string, fn func(*types.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return &types.NotFoundError{Kind: "message", ID: id}
	}
	fn(m)
	return nil
}

func (s *Memory) Close() error { return nil }
