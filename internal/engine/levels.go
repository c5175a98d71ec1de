package engine

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callkit/internal/domain"
)

// meterTrack drains a remote track and keeps the owner's audio level
// current. Reading also drives pion's interceptor chain, so the loop runs
// even when the ssrc-audio-level extension was not negotiated.
func (s *Session) meterTrack(ctx context.Context, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, user domain.UserID) {
	extID, hasExt := audioLevelExtensionID(receiver)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn().Err(err).Str("track_id", remote.ID()).Msg("track read")
			}
			s.clearLevel(user)
			return
		}
		if !hasExt {
			continue
		}

		raw := pkt.GetExtension(extID)
		if raw == nil {
			continue
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(raw); err != nil {
			continue
		}
		s.setLevel(user, levelFromDBov(ext.Level))
	}
}

func audioLevelExtensionID(receiver *webrtc.RTPReceiver) (uint8, bool) {
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelExtensionURI {
			return uint8(ext.ID), true
		}
	}
	return 0, false
}

// levelFromDBov maps the extension's 0..127 dBov attenuation to a linear
// [0,1] level. 127 is the codec's "silence" sentinel.
func levelFromDBov(dBov uint8) float64 {
	if dBov >= 127 {
		return 0
	}
	return math.Pow(10, -float64(dBov)/20)
}

func (s *Session) setLevel(user domain.UserID, level float64) {
	s.mu.Lock()
	if !s.closed {
		s.levels[user] = level
	}
	s.mu.Unlock()
}

func (s *Session) clearLevel(user domain.UserID) {
	s.mu.Lock()
	if !s.closed {
		delete(s.levels, user)
	}
	s.mu.Unlock()
}
