package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// Both implementations must behave identically behind the Store contract.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	pb, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pb.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"pebble": pb,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			sess := &types.Session{
				ID:        "sess-1",
				VisitorID: "vis-1",
				CreatedAt: created,
				Metadata:  &types.SessionMetadata{URL: "https://example.com/pricing"},
			}
			require.NoError(t, s.UpsertSession(sess))

			got, err := s.GetSession("sess-1")
			require.NoError(t, err)
			assert.Equal(t, "vis-1", got.VisitorID)
			assert.Equal(t, "https://example.com/pricing", got.Metadata.URL)

			// mutating the returned copy must not leak back
			got.VisitorID = "changed"
			again, err := s.GetSession("sess-1")
			require.NoError(t, err)
			assert.Equal(t, "vis-1", again.VisitorID)
		})
	}
}

func TestSessionNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetSession("missing")
			var nf *types.NotFoundError
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, "session", nf.Kind)
		})
	}
}

func TestSessionFlags(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.UpsertSession(&types.Session{ID: "sess-1"}))

			at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
			require.NoError(t, s.TouchSession("sess-1", at))
			require.NoError(t, s.SetOperatorOnline("sess-1", true))
			require.NoError(t, s.SetAIActive("sess-1", true))
			require.NoError(t, s.UpdateIdentity("sess-1", types.SessionIdentity{Name: "Ada", Email: "ada@example.com"}))

			got, err := s.GetSession("sess-1")
			require.NoError(t, err)
			assert.True(t, got.LastActivity.Equal(at))
			assert.True(t, got.OperatorOnline)
			assert.True(t, got.AIActive)
			require.NotNil(t, got.Identity)
			assert.Equal(t, "Ada", got.Identity.Name)
		})
	}
}

func TestSessionsListAndDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.UpsertSession(&types.Session{ID: "a"}))
			require.NoError(t, s.UpsertSession(&types.Session{ID: "b"}))

			all, err := s.Sessions()
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, s.DeleteSession("a"))
			all, err = s.Sessions()
			require.NoError(t, err)
			assert.Len(t, all, 1)
			assert.Equal(t, "b", all[0].ID)
		})
	}
}

func TestMessageEditAndDeleteMarkers(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			msg := &types.Message{
				ID:        "msg-1",
				SessionID: "sess-1",
				Content:   "hello",
				Sender:    types.SenderVisitor,
				Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.SaveMessage(msg))

			edited := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
			require.NoError(t, s.UpdateMessage("msg-1", func(m *types.Message) {
				m.Content = "hello there"
				m.EditedAt = &edited
			}))

			got, err := s.GetMessage("msg-1")
			require.NoError(t, err)
			assert.Equal(t, "hello there", got.Content)
			require.NotNil(t, got.EditedAt)

			err = s.UpdateMessage("missing", func(m *types.Message) {})
			var nf *types.NotFoundError
			assert.True(t, errors.As(err, &nf))
		})
	}
}
