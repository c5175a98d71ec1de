// Package framecrypt provisions and applies the symmetric keys used to
// seal media frames end to end. Transport encryption still happens below
// in SRTP; these keys keep frame payloads opaque to the relay.
package framecrypt

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/domain"
)

// KeyManager stores one frame key per remote participant stream.
// Safe for concurrent use; the engine reads keys from its callbacks while
// the signaling layer installs them.
type KeyManager struct {
	mu   sync.RWMutex
	keys map[domain.StreamID][]byte
}

func NewKeyManager() *KeyManager {
	return &KeyManager{
		keys: make(map[domain.StreamID][]byte),
	}
}

func (m *KeyManager) SetKey(id domain.StreamID, key []byte) {
	if len(key) == 0 {
		return
	}
	m.mu.Lock()
	m.keys[id] = key
	m.mu.Unlock()
	log.Debug().Str("module", "framecrypt").Str("stream", id.String()).Msg("key installed")
}

func (m *KeyManager) Key(id domain.StreamID) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[id]
}

// SenderKey satisfies the engine's key source: given the owner of a newly
// arrived stream, hand back the key that decrypts it, or nil if no key has
// been distributed for that (user, session) yet.
func (m *KeyManager) SenderKey(user domain.UserID, session string) []byte {
	return m.Key(domain.StreamID{UserID: user, SessionID: session})
}

// Forget drops every key belonging to a user, across all of their sessions.
func (m *KeyManager) Forget(user domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.keys {
		if id.UserID == user {
			delete(m.keys, id)
		}
	}
}

func (m *KeyManager) Reset() {
	m.mu.Lock()
	m.keys = make(map[domain.StreamID][]byte)
	m.mu.Unlock()
}
