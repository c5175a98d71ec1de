// Package ice resolves the relay server list a peer connection needs
// before its first connection attempt.
package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	turnPath = "/calls/turn"

	// Calls cannot proceed without relay servers, so fetch failures are
	// retried at a fixed cadence until the owning session is closed.
	DefaultRetryInterval = 2 * time.Second

	defaultCacheTTL = 5 * time.Minute
	cacheKey        = "turn"
)

// Server is one relay descriptor as returned by the signaling backend.
type Server struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

type Option func(*Provider)

func WithRetryInterval(d time.Duration) Option {
	return func(p *Provider) { p.retryInterval = d }
}

func WithCacheTTL(d time.Duration) Option {
	return func(p *Provider) {
		p.cache = newServerCache(d)
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider fetches relay servers from the signaling backend and keeps the
// last good list around for a while so consecutive call attempts don't
// hammer the endpoint.
type Provider struct {
	endpoint      string
	httpClient    *http.Client
	retryInterval time.Duration
	cache         *ttlcache.Cache[string, []webrtc.ICEServer]
	logger        zerolog.Logger
}

func NewProvider(endpoint string, opts ...Option) *Provider {
	p := &Provider{
		endpoint:      endpoint,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		retryInterval: DefaultRetryInterval,
		logger:        log.With().Str("module", "ice").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cache == nil {
		p.cache = newServerCache(defaultCacheTTL)
	}
	go p.cache.Start()
	return p
}

func newServerCache(ttl time.Duration) *ttlcache.Cache[string, []webrtc.ICEServer] {
	return ttlcache.New(
		ttlcache.WithTTL[string, []webrtc.ICEServer](ttl),
		ttlcache.WithDisableTouchOnHit[string, []webrtc.ICEServer](),
	)
}

func (p *Provider) Close() {
	p.cache.Stop()
}

// Fetch performs a single request against the backend.
func (p *Provider) Fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+turnPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("turn request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("turn fetch failed: %s (status %d)", body, resp.StatusCode)
	}

	var servers []Server
	if err := json.Unmarshal(body, &servers); err != nil {
		return nil, fmt.Errorf("decode turn response: %w", err)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return iceServers, nil
}

// Resolve blocks until a server list is available. Failures are never
// terminal: the loop retries at the fixed interval until either ctx is done
// or cancelled reports true, which are the only two ways out without
// servers. The second return reports whether servers were obtained.
//
// cancelled mirrors the owning session's close latch and is checked before
// the result is accepted, so a session closed mid-retry never gets a late
// completion.
func (p *Provider) Resolve(ctx context.Context, cancelled func() bool) ([]webrtc.ICEServer, bool) {
	for {
		if cancelled() {
			return nil, false
		}
		if it := p.cache.Get(cacheKey); it != nil {
			return it.Value(), true
		}

		servers, err := p.Fetch(ctx)
		if err == nil {
			if cancelled() {
				return nil, false
			}
			p.cache.Set(cacheKey, servers, ttlcache.DefaultTTL)
			return servers, true
		}

		p.logger.Warn().Err(err).Dur("retry_in", p.retryInterval).Msg("ICE server fetch failed")
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(p.retryInterval):
		}
	}
}
