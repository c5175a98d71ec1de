package roster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/domain"
)

// MemberLister is the signaling backend's view of who is actually in a
// group call right now.
type MemberLister interface {
	ListMembers(ctx context.Context, conversation domain.ConversationID) ([]domain.UserID, error)
}

// Poller periodically fetches the authoritative roster of every
// conversation somebody subscribed to and publishes it to those
// subscribers. Subscriptions are scoped per conversation, so nobody filters
// a global broadcast stream by payload.
type Poller struct {
	lister   MemberLister
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	subs map[domain.ConversationID][]chan []domain.UserID
}

func NewPoller(lister MemberLister, interval time.Duration) *Poller {
	return &Poller{
		lister:   lister,
		interval: interval,
		logger:   log.With().Str("module", "roster.poller").Logger(),
		subs:     make(map[domain.ConversationID][]chan []domain.UserID),
	}
}

// Subscribe returns a channel of polled rosters for one conversation and a
// cancel func that releases the subscription.
func (p *Poller) Subscribe(conversation domain.ConversationID) (<-chan []domain.UserID, func()) {
	ch := make(chan []domain.UserID, 1)
	p.mu.Lock()
	p.subs[conversation] = append(p.subs[conversation], ch)
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		chans := p.subs[conversation]
		for i, c := range chans {
			if c == ch {
				p.subs[conversation] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(p.subs[conversation]) == 0 {
			delete(p.subs, conversation)
		}
	}
	return ch, cancel
}

// Run polls until ctx is done. Fetch errors are logged and retried on the
// next tick; the poll cadence is the retry policy.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	conversations := make([]domain.ConversationID, 0, len(p.subs))
	for id := range p.subs {
		conversations = append(conversations, id)
	}
	p.mu.Unlock()

	for _, id := range conversations {
		members, err := p.lister.ListMembers(ctx, id)
		if err != nil {
			p.logger.Warn().Err(err).Str("conversation", string(id)).Msg("membership poll failed")
			continue
		}
		p.publish(id, members)
	}
}

func (p *Poller) publish(conversation domain.ConversationID, members []domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[conversation] {
		// Stale rosters are worthless; replace rather than queue behind one.
		select {
		case ch <- members:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- members:
			default:
			}
		}
	}
}
