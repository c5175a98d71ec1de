// Package signal carries SDP descriptions and ICE candidates between the
// two ends of a call over the external messaging channel. The engine never
// sees this package; the orchestration layer moves payloads between the
// two.
package signal

import "encoding/json"

type EnvelopeType string

const (
	EnvelopeOffer     EnvelopeType = "offer"
	EnvelopeAnswer    EnvelopeType = "answer"
	EnvelopeCandidate EnvelopeType = "candidate"
)

// Envelope is one signaling message, tagged with the call it belongs to.
// SDP holds the serialized session description for offers and answers;
// candidate fields are set for candidate envelopes only.
type Envelope struct {
	CallID        string       `json:"callId"`
	Type          EnvelopeType `json:"type"`
	SDP           string       `json:"sdp,omitempty"`
	Candidate     string       `json:"candidate,omitempty"`
	SDPMid        *string      `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16      `json:"sdpMLineIndex,omitempty"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
