// cmd/call places an outgoing call through the engine against a local
// signald instance, prints the negotiation as it happens and hangs up on
// interrupt. Useful for poking at the engine without a UI around it.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/adapters/signal"
	"github.com/dkeye/callkit/internal/call"
	"github.com/dkeye/callkit/internal/config"
	"github.com/dkeye/callkit/internal/domain"
	"github.com/dkeye/callkit/internal/engine"
	"github.com/dkeye/callkit/internal/framecrypt"
	"github.com/dkeye/callkit/internal/ice"
)

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	localUser := domain.UserID(uuid.NewString())
	peer := &domain.User{ID: domain.UserID(uuid.NewString()), Username: "callee"}
	sess := call.New(uuid.New(), localUser, peer, call.Outgoing)

	provider := ice.NewProvider(cfg.APIBaseURL, ice.WithRetryInterval(cfg.IceRetryInterval))
	defer provider.Close()

	keys := framecrypt.NewKeyManager()
	eng := engine.NewSession(engine.Config{
		LocalUser: localUser,
		Servers:   provider,
		Keys:      keys,
	})
	defer eng.Close()

	client, err := signal.Dial(ctx, cfg.SignalURL)
	if err != nil {
		log.Fatal().Err(err).Msg("dial signaling")
	}
	defer client.Close()

	localKey := make([]byte, framecrypt.KeySize)
	if _, err := rand.Read(localKey); err != nil {
		log.Fatal().Err(err).Msg("generate frame key")
	}

	offer, err := eng.Offer(ctx, localKey, false)
	if err != nil {
		log.Fatal().Err(err).Msg("build offer")
	}
	if err := client.TrySend(signal.Envelope{
		CallID: sess.ID.String(),
		Type:   signal.EnvelopeOffer,
		SDP:    offer,
	}); err != nil {
		log.Fatal().Err(err).Msg("send offer")
	}
	log.Info().
		Str("call", sess.ID.String()).
		Str("conversation", string(sess.ConversationID())).
		Msg("offer sent")

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-client.Inbox():
			if !ok {
				return
			}
			handleEnvelope(ctx, eng, sess, e)
		case ev, ok := <-eng.Events():
			if !ok {
				return
			}
			handleEvent(client, sess, ev)
		}
	}
}

func handleEnvelope(ctx context.Context, eng *engine.Session, sess *call.Session, e signal.Envelope) {
	if e.CallID != sess.ID.String() {
		return
	}
	switch e.Type {
	case signal.EnvelopeAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal([]byte(e.SDP), &sdp); err != nil {
			log.Error().Err(err).Msg("decode answer")
			return
		}
		if err := eng.SetRemoteDescription(ctx, sdp); err != nil {
			log.Error().Err(err).Msg("apply answer")
			return
		}
		sess.MarkRemoteAnswerReceived()
	case signal.EnvelopeCandidate:
		if !eng.CanAddRemoteCandidate() {
			log.Warn().Msg("candidate before connection, dropping")
			return
		}
		eng.AddRemoteCandidate(webrtc.ICECandidateInit{
			Candidate:     e.Candidate,
			SDPMid:        e.SDPMid,
			SDPMLineIndex: e.SDPMLineIndex,
		})
	}
}

func handleEvent(client *signal.Client, sess *call.Session, ev engine.Event) {
	switch ev.Kind {
	case engine.EventConnected:
		if sess.MarkConnected(time.Now()) {
			log.Info().Msg("call connected")
		}
	case engine.EventDisconnected:
		log.Info().Msg("call disconnected")
	case engine.EventICEStateChanged:
		log.Info().Str("state", ev.ICEState.String()).Msg("ICE state")
	case engine.EventReceiverAdded:
		log.Info().Str("user", string(ev.UserID)).Msg("receiver added")
	case engine.EventLocalCandidate:
		env := signal.Envelope{
			CallID:        sess.ID.String(),
			Type:          signal.EnvelopeCandidate,
			Candidate:     ev.Candidate.Candidate,
			SDPMid:        ev.Candidate.SDPMid,
			SDPMLineIndex: ev.Candidate.SDPMLineIndex,
		}
		if err := client.TrySend(env); err != nil {
			log.Warn().Err(err).Msg("send candidate")
		}
	}
}
