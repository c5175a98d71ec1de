// Package call holds the per-attempt identity of a 1:1 or group call.
// A Session is owned by the orchestration layer; the engine below it only
// ever sees the ids it derives.
package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/callkit/internal/domain"
)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Session identifies one call attempt. ID is the message id of the offer
// that started the call and stays stable for the call's lifetime.
type Session struct {
	ID        uuid.UUID
	LocalUser domain.UserID
	Peer      *domain.User
	Direction Direction

	mu          sync.Mutex
	connectedAt time.Time
	hasAnswer   bool
}

func New(id uuid.UUID, localUser domain.UserID, peer *domain.User, direction Direction) *Session {
	return &Session{
		ID:        id,
		LocalUser: localUser,
		Peer:      peer,
		Direction: direction,
	}
}

func (s *Session) ConversationID() domain.ConversationID {
	return domain.MakeConversationID(s.LocalUser, s.Peer.ID)
}

// RaisedBy is the user who placed the call.
func (s *Session) RaisedBy() domain.UserID {
	if s.Direction == Outgoing {
		return s.LocalUser
	}
	return s.Peer.ID
}

// MarkConnected records the connection timestamp. Only the first call per
// session takes effect; it reports whether the mark was applied.
func (s *Session) MarkConnected(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connectedAt.IsZero() {
		return false
	}
	s.connectedAt = t
	return true
}

func (s *Session) ConnectedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt, !s.connectedAt.IsZero()
}

func (s *Session) MarkRemoteAnswerReceived() {
	s.mu.Lock()
	s.hasAnswer = true
	s.mu.Unlock()
}

func (s *Session) HasReceivedRemoteAnswer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasAnswer
}
