package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/callkit/internal/domain"
)

type fakeLister struct {
	mu      sync.Mutex
	rosters map[domain.ConversationID][]domain.UserID
	err     error
}

func (l *fakeLister) ListMembers(_ context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.rosters[conv], nil
}

func TestPollerPublishesPerConversation(t *testing.T) {
	lister := &fakeLister{rosters: map[domain.ConversationID][]domain.UserID{
		"conv-a": {"u1", "u2"},
		"conv-b": {"u3"},
	}}
	p := NewPoller(lister, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chA, cancelA := p.Subscribe("conv-a")
	defer cancelA()
	chB, cancelB := p.Subscribe("conv-b")
	defer cancelB()

	go p.Run(ctx)

	select {
	case got := <-chA:
		require.Equal(t, []domain.UserID{"u1", "u2"}, got)
	case <-time.After(time.Second):
		t.Fatal("no roster for conv-a")
	}
	select {
	case got := <-chB:
		require.Equal(t, []domain.UserID{"u3"}, got)
	case <-time.After(time.Second):
		t.Fatal("no roster for conv-b")
	}
}

func TestPollerRetriesAfterListError(t *testing.T) {
	lister := &fakeLister{
		rosters: map[domain.ConversationID][]domain.UserID{"conv": {"u1"}},
		err:     errors.New("backend down"),
	}
	p := NewPoller(lister, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := p.Subscribe("conv")
	defer unsub()
	go p.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("published despite errors")
	default:
	}

	lister.mu.Lock()
	lister.err = nil
	lister.mu.Unlock()

	select {
	case got := <-ch:
		require.Equal(t, []domain.UserID{"u1"}, got)
	case <-time.After(time.Second):
		t.Fatal("never recovered after error")
	}
}

func TestPollerReplacesStaleRoster(t *testing.T) {
	lister := &fakeLister{rosters: map[domain.ConversationID][]domain.UserID{"conv": {"u1"}}}
	p := NewPoller(lister, 5*time.Millisecond)

	ch, unsub := p.Subscribe("conv")
	defer unsub()

	// Nobody reading: a newer roster replaces the queued one.
	p.publish("conv", []domain.UserID{"u1"})
	p.publish("conv", []domain.UserID{"u1", "u2"})

	got := <-ch
	require.Equal(t, []domain.UserID{"u1", "u2"}, got)
}

func TestMuteBroadcast(t *testing.T) {
	b := NewMuteBroadcast()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(true)
	require.True(t, <-ch)
	require.True(t, b.Muted())

	// Same value again: no duplicate notification.
	b.Publish(true)
	select {
	case <-ch:
		t.Fatal("duplicate mute notification")
	default:
	}

	b.Publish(false)
	require.False(t, <-ch)
}
