package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

const (
	sessionPrefix = "session/"
	messagePrefix = "msg/"
)

// Pebble persists sessions and messages as JSON records in a pebble KV. The
// write mutex serializes read-modify-write updates; pebble itself handles
// concurrent reads.
type Pebble struct {
	mu sync.Mutex
	db *pebble.DB
}

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Pebble{db: db}, nil
}

func (s *Pebble) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *Pebble) get(key string, v interface{}, kind, id string) error {
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return &types.NotFoundError{Kind: kind, ID: id}
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (s *Pebble) UpsertSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(sessionPrefix+sess.ID, sess)
}

func (s *Pebble) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	if err := s.get(sessionPrefix+id, &sess, "session", id); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Pebble) Sessions() ([]*types.Session, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(sessionPrefix),
		UpperBound: []byte(sessionPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*types.Session
	for iter.First(); iter.Valid(); iter.Next() {
		var sess types.Session
		if err := json.Unmarshal(iter.Value(), &sess); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, &sess)
	}
	return out, iter.Error()
}

func (s *Pebble) updateSession(id string, fn func(*types.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sess types.Session
	if err := s.get(sessionPrefix+id, &sess, "session", id); err != nil {
		return err
	}
	fn(&sess)
	return s.put(sessionPrefix+id, &sess)
}

func (s *Pebble) TouchSession(id string, at time.Time) error {
	return s.updateSession(id, func(sess *types.Session) { sess.LastActivity = at })
}

func (s *Pebble) SetOperatorOnline(id string, online bool) error {
	return s.updateSession(id, func(sess *types.Session) { sess.OperatorOnline = online })
}

func (s *Pebble) SetAIActive(id string, active bool) error {
	return s.updateSession(id, func(sess *types.Session) { sess.AIActive = active })
}

func (s *Pebble) UpdateIdentity(id string, ident types.SessionIdentity) error {
	return s.updateSession(id, func(sess *types.Session) { sess.Identity = &ident })
}

func (s *Pebble) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(sessionPrefix+id), pebble.Sync)
}

func (s *Pebble) SaveMessage(m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(messagePrefix+m.ID, m)
}

func (s *Pebble) GetMessage(id string) (*types.Message, error) {
	var m types.Message
	if err := s.get(messagePrefix+id, &m, "message", id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Pebble) UpdateMessage(id string, fn func(*types.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m types.Message
	if err := s.get(messagePrefix+id, &m, "message", id); err != nil {
		return err
	}
	fn(&m)
	return s.put(messagePrefix+id, &m)
}

func (s *Pebble) Close() error {
	return s.db.Close()
}
