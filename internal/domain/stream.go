package domain

import (
	"errors"
	"strings"
)

var ErrMalformedStreamID = errors.New("malformed stream id")

// StreamID joins a low-level media stream to the participant it belongs to.
// Relay servers announce remote streams under "userId:sessionId"; this is
// the parsed form, usable directly as a map key.
type StreamID struct {
	UserID    UserID
	SessionID string
}

func (s StreamID) String() string {
	return string(s.UserID) + ":" + s.SessionID
}

// ParseStreamID validates at the boundary so callbacks never deal with
// half-parsed keys. Raw values from peers running a different protocol
// version may not split cleanly; the caller decides whether to ignore.
func ParseStreamID(raw string) (StreamID, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return StreamID{}, ErrMalformedStreamID
	}
	return StreamID{UserID: UserID(parts[0]), SessionID: parts[1]}, nil
}
