package roster

import "sync"

// MuteBroadcast fans the local mute toggle out to everything that renders
// a speaking indicator.
type MuteBroadcast struct {
	mu    sync.Mutex
	muted bool
	subs  []chan bool
}

func NewMuteBroadcast() *MuteBroadcast {
	return &MuteBroadcast{}
}

func (b *MuteBroadcast) Muted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.muted
}

func (b *MuteBroadcast) Publish(muted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.muted == muted {
		return
	}
	b.muted = muted
	for _, ch := range b.subs {
		select {
		case ch <- muted:
		default:
		}
	}
}

func (b *MuteBroadcast) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}
