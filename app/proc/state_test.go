package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisibleman/feedsync/app/models"
)

func TestSyncState_IsSyncing(t *testing.T) {
	tbl := []struct {
		state   models.SyncState
		syncing bool
	}{
		{models.SyncState{}, false},
		{models.SyncState{FeedCount: 3}, true},
		{models.SyncState{SyncedCount: 1}, true},
		{models.SyncState{CurrentFeedName: "blog"}, true},
		{models.SyncState{FeedCount: 3, SyncedCount: 3, CurrentFeedName: "blog"}, true},
	}
	for _, tt := range tbl {
		assert.Equal(t, tt.syncing, tt.state.IsSyncing(), "%+v", tt.state)
	}
}

func TestSyncBus_UpdateAndState(t *testing.T) {
	bus := NewSyncBus()
	assert.Equal(t, models.SyncState{}, bus.State())

	bus.Update(func(s models.SyncState) models.SyncState {
		s.FeedCount = 5
		return s
	})
	assert.Equal(t, 5, bus.State().FeedCount)

	bus.Reset()
	assert.Equal(t, models.SyncState{}, bus.State())
	assert.False(t, bus.State().IsSyncing())
}

func TestSyncBus_ConcurrentUpdatesNoLostIncrements(t *testing.T) {
	bus := NewSyncBus()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Update(func(s models.SyncState) models.SyncState {
				s.SyncedCount++
				return s
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, bus.State().SyncedCount, "final state is the fold of all transforms")
}

func TestSyncBus_SubscribeReplaysLatest(t *testing.T) {
	bus := NewSyncBus()
	bus.Update(func(s models.SyncState) models.SyncState {
		s.FeedCount = 7
		return s
	})

	ch, cancel := bus.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		assert.Equal(t, 7, got.FeedCount, "current value available without waiting for an update")
	case <-time.After(time.Second):
		t.Fatal("no replayed value")
	}
}

func TestSyncBus_SubscriberSeesConflatedUpdatesInOrder(t *testing.T) {
	bus := NewSyncBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	<-ch // initial zero value

	for i := 1; i <= 50; i++ {
		i := i
		bus.Update(func(s models.SyncState) models.SyncState {
			s.SyncedCount = i
			return s
		})
	}

	// a slow reader misses intermediates but values never go backwards and
	// the latest one is always delivered
	last := 0
	for got := range ch {
		require.Greater(t, got.SyncedCount, last)
		last = got.SyncedCount
		if got.SyncedCount == 50 {
			break
		}
	}
	assert.Equal(t, 50, last)
}

func TestSyncBus_CancelClosesChannel(t *testing.T) {
	bus := NewSyncBus()
	ch, cancel := bus.Subscribe()
	<-ch
	cancel()
	cancel() // second cancel is safe

	_, ok := <-ch
	assert.False(t, ok, "channel closed after cancel")

	bus.Reset() // publish after cancel must not panic
}
