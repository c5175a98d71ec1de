// Package engine manages one peer connection end to end: lazy construction
// behind ICE server resolution, description exchange, candidate forwarding,
// frame key installation and teardown.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/domain"
	"github.com/dkeye/callkit/internal/framecrypt"
)

var (
	ErrClosed             = errors.New("session closed")
	ErrOfferConstruction  = errors.New("offer construction failed")
	ErrAnswerConstruction = errors.New("answer construction failed")
)

const (
	localAudioTrackID = "audio0"
	localStreamID     = "stream0"

	audioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

	eventBufferSize = 64
)

// ServerResolver yields relay servers, blocking through transient fetch
// failures. The cancelled func mirrors the session's close latch.
type ServerResolver interface {
	Resolve(ctx context.Context, cancelled func() bool) ([]webrtc.ICEServer, bool)
}

// KeySource supplies the frame decryption key for a remote participant's
// stream. A nil return means no key has been distributed yet.
type KeySource interface {
	SenderKey(user domain.UserID, session string) []byte
}

type Config struct {
	LocalUser domain.UserID
	Servers   ServerResolver
	Keys      KeySource
	Logger    *zerolog.Logger
}

type remoteReceiver struct {
	receiver *webrtc.RTPReceiver
	crypto   *framecrypt.Cryptor
}

// Session owns exactly one peer connection. At most one non-closed
// connection exists per session; Close is idempotent and irreversible.
type Session struct {
	localUser domain.UserID
	servers   ServerResolver
	keys      KeySource
	logger    zerolog.Logger

	readerCtx    context.Context
	readerCancel context.CancelFunc

	mu           sync.Mutex
	closed       bool
	pc           *webrtc.PeerConnection
	audioTrack   *webrtc.TrackLocalStaticSample
	sender       *webrtc.RTPSender
	senderCrypto *framecrypt.Cryptor
	receivers    map[domain.StreamID]*remoteReceiver
	trackUsers   map[string]domain.UserID
	levels       map[domain.UserID]float64
	localLevel   float64
	muted        bool
	events       chan Event
}

func NewSession(cfg Config) *Session {
	logger := log.With().Str("module", "engine").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		localUser:    cfg.LocalUser,
		servers:      cfg.Servers,
		keys:         cfg.Keys,
		logger:       logger,
		readerCtx:    ctx,
		readerCancel: cancel,
		receivers:    make(map[domain.StreamID]*remoteReceiver),
		trackUsers:   make(map[string]domain.UserID),
		levels:       make(map[domain.UserID]float64),
		events:       make(chan Event, eventBufferSize),
	}
}

// Events is closed when the session closes; no event is delivered after
// Close returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CanAddRemoteCandidate reports whether the peer connection exists yet.
// Candidates arriving earlier are the caller's to buffer and replay.
func (s *Session) CanAddRemoteCandidate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc != nil && !s.closed
}

func (s *Session) ICEConnectionState() webrtc.ICEConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return webrtc.ICEConnectionStateClosed
	}
	return s.pc.ICEConnectionState()
}

// Offer builds an SDP offer on a lazily constructed peer connection and
// returns it as a transport-ready JSON string. localKey, if any, becomes
// the frame encryption key of the outgoing audio track.
func (s *Session) Offer(ctx context.Context, localKey []byte, iceRestart bool) (string, error) {
	pc, err := s.ensurePeerConnection(ctx, localKey)
	if err != nil {
		return "", err
	}
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOfferConstruction, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: %w", ErrOfferConstruction, err)
	}
	return marshalDescription(pc.LocalDescription())
}

// Answer is the callee-side counterpart of Offer, used once the remote
// offer has been or is about to be applied.
func (s *Session) Answer(ctx context.Context) (string, error) {
	pc, err := s.ensurePeerConnection(ctx, nil)
	if err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAnswerConstruction, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAnswerConstruction, err)
	}
	return marshalDescription(pc.LocalDescription())
}

func marshalDescription(sdp *webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SetRemoteDescription applies the remote SDP, constructing the peer
// connection first if needed. Transport errors surface unmodified.
func (s *Session) SetRemoteDescription(ctx context.Context, sdp webrtc.SessionDescription) error {
	pc, err := s.ensurePeerConnection(ctx, nil)
	if err != nil {
		return err
	}
	return pc.SetRemoteDescription(sdp)
}

// AddRemoteCandidate is a no-op before the peer connection exists.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(candidate); err != nil {
		s.logger.Warn().Err(err).Msg("add remote candidate")
	}
}

// SetLocalFrameEncryptionKey installs the key sealing the outgoing audio
// track. No-op without a key or before the sender exists.
func (s *Session) SetLocalFrameEncryptionKey(key []byte) {
	if len(key) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installLocalKeyLocked(key)
}

func (s *Session) installLocalKeyLocked(key []byte) {
	if len(key) == 0 || s.sender == nil {
		return
	}
	if s.senderCrypto != nil {
		if err := s.senderCrypto.Rekey(key); err != nil {
			s.logger.Warn().Err(err).Msg("rekey local frame cryptor")
		}
		return
	}
	crypto, err := framecrypt.NewCryptor(key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("create local frame cryptor")
		return
	}
	s.senderCrypto = crypto
}

// SetRemoteFrameDecryptionKey installs a key for one remote participant's
// stream. Silently ignored when the stream is not known yet.
func (s *Session) SetRemoteFrameDecryptionKey(key []byte, user domain.UserID, session string) {
	if len(key) == 0 {
		return
	}
	id := domain.StreamID{UserID: user, SessionID: session}
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.receivers[id]
	if !ok {
		return
	}
	if err := rc.crypto.Rekey(key); err != nil {
		s.logger.Warn().Err(err).Str("stream", id.String()).Msg("rekey remote frame cryptor")
	}
}

// WriteAudioSample seals and publishes one frame of locally captured
// audio. Frames are dropped while muted.
func (s *Session) WriteAudioSample(data []byte, duration time.Duration) error {
	s.mu.Lock()
	track := s.audioTrack
	crypto := s.senderCrypto
	muted := s.muted
	s.mu.Unlock()
	if track == nil || muted {
		return nil
	}
	if crypto != nil {
		sealed, err := crypto.Seal(data)
		if err != nil {
			return err
		}
		data = sealed
	}
	return track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// OpenRemoteFrame decrypts one received frame for the given stream.
func (s *Session) OpenRemoteFrame(user domain.UserID, session string, frame []byte) ([]byte, error) {
	id := domain.StreamID{UserID: user, SessionID: session}
	s.mu.Lock()
	rc, ok := s.receivers[id]
	s.mu.Unlock()
	if !ok {
		return nil, framecrypt.ErrNoKey
	}
	return rc.crypto.Open(frame)
}

func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// ReportLocalAudioLevel feeds the metered level of the capture pipeline.
func (s *Session) ReportLocalAudioLevel(level float64) {
	s.mu.Lock()
	s.localLevel = level
	s.mu.Unlock()
}

// FetchAudioLevels snapshots the normalized [0,1] level per user. The local
// user's level is forced to 0 while muted so the UI never shows a muted
// participant as speaking.
func (s *Session) FetchAudioLevels() map[domain.UserID]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.UserID]float64, len(s.levels)+1)
	for user, level := range s.levels {
		out[user] = level
	}
	if s.muted {
		out[s.localUser] = 0
	} else {
		out[s.localUser] = s.localLevel
	}
	return out
}

// Close tears the session down. Safe to call multiple times; after the
// first return no event is emitted and any in-flight ICE retry is dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	s.pc = nil
	s.audioTrack = nil
	s.sender = nil
	s.senderCrypto = nil
	s.receivers = make(map[domain.StreamID]*remoteReceiver)
	s.trackUsers = make(map[string]domain.UserID)
	s.readerCancel()
	close(s.events)
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("peer connection close")
		}
	}
	s.logger.Info().Msg("session closed")
}

func (s *Session) emitLocked(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("kind", ev.Kind.String()).Msg("event buffer full, dropping")
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	s.emitLocked(ev)
	s.mu.Unlock()
}

// ensurePeerConnection resolves ICE servers and constructs the connection
// on first use. Construction strictly precedes the return of the caller's
// offer/answer/set-remote operation.
func (s *Session) ensurePeerConnection(ctx context.Context, localKey []byte) (*webrtc.PeerConnection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.pc != nil {
		pc := s.pc
		s.mu.Unlock()
		return pc, nil
	}
	s.mu.Unlock()

	servers, ok := s.servers.Resolve(ctx, s.isClosed)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.pc != nil {
		// A concurrent caller won the construction race.
		return s.pc, nil
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelExtensionURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	// Relay-only with gather-once keeps media routing centrally controlled
	// and candidate timing predictable; frame keys are provisioned per
	// relay session, not per network path.
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyRelay,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
		SDPSemantics:       webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		localAudioTrackID, localStreamID,
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new local audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local audio track: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.emit(Event{Kind: EventConnected})
		case webrtc.PeerConnectionStateDisconnected:
			s.emit(Event{Kind: EventDisconnected})
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Info().Str("ice_state", state.String()).Msg("ICE state")
		s.emit(Event{Kind: EventICEStateChanged, ICEState: state})
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		s.emit(Event{Kind: EventLocalCandidate, Candidate: &init})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.handleRemoteTrack(remote, receiver)
	})

	s.pc = pc
	s.audioTrack = track
	s.sender = sender
	s.senderCrypto = nil
	s.installLocalKeyLocked(localKey)
	return pc, nil
}

// handleRemoteTrack attributes an incoming receiver to its owning user,
// installs the decrypt key if one is available and starts the level meter.
// Streams with malformed ids come from peers on a different protocol
// version and are ignored, not failed.
func (s *Session) handleRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	id, err := domain.ParseStreamID(remote.StreamID())
	if err != nil {
		s.logger.Warn().Str("stream", remote.StreamID()).Msg("ignoring malformed stream id")
		return
	}
	if id.UserID == s.localUser {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var key []byte
	if s.keys != nil {
		key = s.keys.SenderKey(id.UserID, id.SessionID)
	}
	if key != nil {
		if crypto, err := framecrypt.NewCryptor(key); err == nil {
			s.receivers[id] = &remoteReceiver{receiver: receiver, crypto: crypto}
		} else {
			s.logger.Warn().Err(err).Str("stream", id.String()).Msg("create remote frame cryptor")
		}
	}
	s.trackUsers[remote.ID()] = id.UserID
	s.emitLocked(Event{Kind: EventReceiverAdded, UserID: id.UserID})
	s.mu.Unlock()

	s.logger.Info().Str("stream", id.String()).Str("track_id", remote.ID()).Msg("receiver added")
	go s.meterTrack(s.readerCtx, remote, receiver, id.UserID)
}
