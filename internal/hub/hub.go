// Package hub fans protocol messages out to the sessions of a
// workspace. Delivery is best-effort: a send that fails because the
// connection is gone is counted and dropped, never surfaced to the
// protocol engine — disconnect cleanup owns that connection's fate.
package hub

import (
	"go.uber.org/zap"

	"github.com/fruitsalade/orchard/internal/logging"
	"github.com/fruitsalade/orchard/internal/metrics"
	"github.com/fruitsalade/orchard/internal/session"
)

// Hub broadcasts messages to workspace sessions.
type Hub struct {
	sessions *session.Manager
}

// New creates a broadcaster over the given session table.
func New(sessions *session.Manager) *Hub {
	return &Hub{sessions: sessions}
}

// Send delivers one message to one session, best-effort.
func (h *Hub) Send(s *session.Session, message []byte) {
	if ok := s.Conn.Send(message); !ok {
		metrics.RecordDroppedSend()
		logging.Warn("dropped message for unreachable session",
			zap.String("session_id", s.ID))
	}
}

// BroadcastToWorkspace delivers a message to every currently joined
// session of the workspace except excludeSessionID (empty string
// excludes nobody).
func (h *Hub) BroadcastToWorkspace(workspaceID string, message []byte, excludeSessionID string) {
	recipients := h.sessions.WorkspaceSessions(workspaceID)
	sent := 0
	for _, s := range recipients {
		if s.ID == excludeSessionID {
			continue
		}
		h.Send(s, message)
		sent++
	}
	metrics.RecordBroadcast(sent)
}
