// Package storage is the narrow contract the bridge engine consumes sessions
// and canonical message records through. The admin backend owns the data;
// the engine reads sessions, bumps activity flags, and persists message
// records for edit/delete resolution.
package storage

import (
	"time"

	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

type Store interface {
	UpsertSession(s *types.Session) error
	GetSession(id string) (*types.Session, error)
	Sessions() ([]*types.Session, error)
	TouchSession(id string, at time.Time) error
	SetOperatorOnline(id string, online bool) error
	SetAIActive(id string, active bool) error
	UpdateIdentity(id string, ident types.SessionIdentity) error
	DeleteSession(id string) error

	SaveMessage(m *types.Message) error
	GetMessage(id string) (*types.Message, error)
	UpdateMessage(id string, fn func(*types.Message)) error

	Close() error
}

// Open picks the implementation: a pebble store when path is set, the
// in-memory store otherwise.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenPebble(path)
}
