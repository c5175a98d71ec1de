package devserver

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/adapters/signal"
)

// hub relays envelopes between the peers of a call. Development aid only:
// no auth, no persistence, first-come registration per call id.
type hub struct {
	mu    sync.Mutex
	calls map[string][]*peerConn
}

type peerConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peerConn) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteJSON(v)
}

func newHub() *hub {
	return &hub{calls: make(map[string][]*peerConn)}
}

func (h *hub) join(callID string, p *peerConn) {
	h.mu.Lock()
	h.calls[callID] = append(h.calls[callID], p)
	h.mu.Unlock()
	log.Info().Str("module", "devserver").Str("call", callID).Msg("peer joined")
}

func (h *hub) leave(p *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for callID, peers := range h.calls {
		for i, other := range peers {
			if other == p {
				h.calls[callID] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		if len(h.calls[callID]) == 0 {
			delete(h.calls, callID)
		}
	}
}

// relay forwards an envelope to every other peer registered under its call.
func (h *hub) relay(from *peerConn, e signal.Envelope) {
	h.mu.Lock()
	peers := make([]*peerConn, len(h.calls[e.CallID]))
	copy(peers, h.calls[e.CallID])
	h.mu.Unlock()

	for _, p := range peers {
		if p == from {
			continue
		}
		if err := p.writeJSON(e); err != nil {
			log.Warn().Err(err).Str("module", "devserver").Str("call", e.CallID).Msg("relay write")
		}
	}
}
