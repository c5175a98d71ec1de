package engine

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callkit/internal/domain"
)

type EventKind int

const (
	// EventConnected and EventDisconnected fire once per transition into
	// the corresponding peer connection state.
	EventConnected EventKind = iota
	EventDisconnected
	// EventICEStateChanged forwards every ICE connection state verbatim.
	EventICEStateChanged
	// EventReceiverAdded reports that a remote participant's stream was
	// attached; UserID names the owner.
	EventReceiverAdded
	// EventLocalCandidate carries a locally gathered candidate for
	// out-of-band delivery to the remote peer.
	EventLocalCandidate
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventICEStateChanged:
		return "ice_state_changed"
	case EventReceiverAdded:
		return "receiver_added"
	case EventLocalCandidate:
		return "local_candidate"
	default:
		return "unknown"
	}
}

// Event is the single notification type the session emits. One sum type on
// one channel instead of a method-per-event interface keeps consumers from
// having to stub callbacks they don't care about.
type Event struct {
	Kind      EventKind
	ICEState  webrtc.ICEConnectionState
	UserID    domain.UserID
	Candidate *webrtc.ICECandidateInit
}
