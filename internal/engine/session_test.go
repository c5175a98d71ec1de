package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callkit/internal/framecrypt"
	"github.com/dkeye/callkit/internal/ice"
)

type fakeResolver struct {
	calls atomic.Int32
}

func (r *fakeResolver) Resolve(ctx context.Context, cancelled func() bool) ([]webrtc.ICEServer, bool) {
	r.calls.Add(1)
	if cancelled() {
		return nil, false
	}
	return []webrtc.ICEServer{{
		URLs:       []string{"turn:127.0.0.1:3478"},
		Username:   "u",
		Credential: "c",
	}}, true
}

func testKey() []byte {
	key := make([]byte, framecrypt.KeySize)
	for i := range key {
		key[i] = 0x42
	}
	return key
}

func newTestSession(t *testing.T) (*Session, *fakeResolver) {
	t.Helper()
	resolver := &fakeResolver{}
	s := NewSession(Config{
		LocalUser: "local",
		Servers:   resolver,
		Keys:      framecrypt.NewKeyManager(),
	})
	t.Cleanup(s.Close)
	return s, resolver
}

func TestCanAddRemoteCandidateLifecycle(t *testing.T) {
	s, _ := newTestSession(t)
	require.False(t, s.CanAddRemoteCandidate())

	// A candidate before the connection exists is a no-op, not an error.
	mid := "0"
	idx := uint16(0)
	s.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 1 typ relay", SDPMid: &mid, SDPMLineIndex: &idx})

	_, err := s.Offer(context.Background(), testKey(), false)
	require.NoError(t, err)
	require.True(t, s.CanAddRemoteCandidate())

	s.Close()
	require.False(t, s.CanAddRemoteCandidate())
}

func TestOfferConstructsConnectionOnce(t *testing.T) {
	s, resolver := newTestSession(t)

	sdp, err := s.Offer(context.Background(), testKey(), false)
	require.NoError(t, err)
	require.Contains(t, sdp, `"type":"offer"`)

	_, err = s.Offer(context.Background(), nil, true)
	require.NoError(t, err)
	require.Equal(t, int32(1), resolver.calls.Load(), "second offer must reuse the connection")
}

func TestOfferAfterRetriedFetchConstructsOnce(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"url":"turn:127.0.0.1:3478","username":"u","credential":"c"}]`))
	}))
	defer backend.Close()

	provider := ice.NewProvider(backend.URL, ice.WithRetryInterval(5*time.Millisecond))
	defer provider.Close()

	s := NewSession(Config{LocalUser: "local", Servers: provider})
	defer s.Close()

	_, err := s.Offer(context.Background(), nil, false)
	require.NoError(t, err)
	require.Equal(t, int32(4), requests.Load())

	_, err = s.Offer(context.Background(), nil, false)
	require.NoError(t, err)
	require.Equal(t, int32(4), requests.Load(), "no refetch, no duplicate construction")
}

func TestAnswerWithoutRemoteOfferFails(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Answer(context.Background())
	require.ErrorIs(t, err, ErrAnswerConstruction)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Offer(context.Background(), nil, false)
	require.NoError(t, err)

	s.Close()
	s.Close()

	require.False(t, s.CanAddRemoteCandidate())
	_, err = s.Offer(context.Background(), nil, false)
	require.ErrorIs(t, err, ErrClosed)

	// The event stream terminates; nothing is delivered after Close returns.
	for {
		_, ok := <-s.Events()
		if !ok {
			break
		}
	}
}

func TestCloseDropsPendingResolve(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	provider := ice.NewProvider(backend.URL, ice.WithRetryInterval(5*time.Millisecond))
	defer provider.Close()

	s := NewSession(Config{LocalUser: "local", Servers: provider})

	done := make(chan error, 1)
	go func() {
		_, err := s.Offer(context.Background(), nil, false)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("offer did not observe close")
	}
}

func TestSetRemoteFrameDecryptionKeyUnknownStream(t *testing.T) {
	s, _ := newTestSession(t)
	// No receiver for this pair exists; must be silently ignored.
	s.SetRemoteFrameDecryptionKey(testKey(), "u1", "s1")
	s.SetRemoteFrameDecryptionKey(nil, "u1", "s1")
}

func TestLocalLevelForcedToZeroWhileMuted(t *testing.T) {
	s, _ := newTestSession(t)
	s.ReportLocalAudioLevel(0.8)

	levels := s.FetchAudioLevels()
	require.InDelta(t, 0.8, levels["local"], 1e-9)

	s.SetMuted(true)
	levels = s.FetchAudioLevels()
	require.Zero(t, levels["local"])

	s.SetMuted(false)
	levels = s.FetchAudioLevels()
	require.InDelta(t, 0.8, levels["local"], 1e-9)
}

func TestLevelFromDBov(t *testing.T) {
	require.Zero(t, levelFromDBov(127))
	require.InDelta(t, 1.0, levelFromDBov(0), 1e-9)
	require.Greater(t, levelFromDBov(10), levelFromDBov(40))
}

func TestICEConnectionStateBeforeConstruction(t *testing.T) {
	s, _ := newTestSession(t)
	require.Equal(t, webrtc.ICEConnectionStateClosed, s.ICEConnectionState())
}

func TestWriteAudioSampleDroppedWhileMuted(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Offer(context.Background(), testKey(), false)
	require.NoError(t, err)

	s.SetMuted(true)
	require.NoError(t, s.WriteAudioSample([]byte("frame"), 20*time.Millisecond))
}

var _ KeySource = (*framecrypt.KeyManager)(nil)
