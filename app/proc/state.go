package proc

import (
	"sync"

	"github.com/invisibleman/feedsync/app/models"
)

// SyncBus holds the shared sync-progress state and broadcasts it to
// subscribers. A single mutex guards both the value and the subscriber
// list, so concurrent Update calls apply one at a time and every
// subscriber sees updates in publish order. Subscriber channels are
// conflated (cap 1, stale value dropped), writers never block.
type SyncBus struct {
	mu    sync.Mutex
	state models.SyncState
	subs  map[int]chan models.SyncState
	seq   int
}

// NewSyncBus makes a bus holding the zero ("not syncing") state.
func NewSyncBus() *SyncBus {
	return &SyncBus{subs: map[int]chan models.SyncState{}}
}

// State returns the current snapshot.
func (b *SyncBus) State() models.SyncState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Update atomically applies transform to the current state and publishes
// the result.
func (b *SyncBus) Update(transform func(models.SyncState) models.SyncState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = transform(b.state)
	for _, ch := range b.subs {
		select {
		case ch <- b.state:
		default: // drop the stale value, replace with the fresh one
			select {
			case <-ch:
			default:
			}
			ch <- b.state
		}
	}
}

// Reset publishes the zero state, the terminal value of every pass.
func (b *SyncBus) Reset() {
	b.Update(func(models.SyncState) models.SyncState { return models.SyncState{} })
}

// Subscribe registers a listener. The current value is delivered
// immediately, later updates follow in order. The returned cancel func
// unregisters and closes the channel.
func (b *SyncBus) Subscribe() (<-chan models.SyncState, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.SyncState, 1)
	ch <- b.state
	id := b.seq
	b.seq++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
