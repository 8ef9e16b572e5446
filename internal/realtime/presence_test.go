package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deltaRecorder struct {
	mu     sync.Mutex
	deltas []presenceDelta
}

func (r *deltaRecorder) record(userID int64, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, presenceDelta{userID: userID, online: online})
}

func (r *deltaRecorder) all() []presenceDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presenceDelta{}, r.deltas...)
}

func TestTrackerMultiConnectionIdentity(t *testing.T) {
	ctx := context.Background()
	rec := &deltaRecorder{}
	tr := NewTracker(nil, rec.record)

	c1 := testConn(nil, "c1", 7, "ana")
	c2 := testConn(nil, "c2", 7, "ana")

	tr.Register(ctx, c1)
	require.True(t, tr.Online(7))
	require.Equal(t, []presenceDelta{{7, true}}, rec.all())

	// Second tab: still online, no new delta.
	tr.Register(ctx, c2)
	assert.True(t, tr.Online(7))
	assert.Len(t, rec.all(), 1)

	// First tab closes: identity stays online.
	tr.Unregister(ctx, c1)
	assert.True(t, tr.Online(7))
	assert.Len(t, rec.all(), 1)

	// Last tab closes: offline delta, in order.
	tr.Unregister(ctx, c2)
	assert.False(t, tr.Online(7))
	assert.Equal(t, []presenceDelta{{7, true}, {7, false}}, rec.all())
}

func TestTrackerUnregisterIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := &deltaRecorder{}
	tr := NewTracker(nil, rec.record)

	c := testConn(nil, "c1", 3, "bo")
	tr.Register(ctx, c)
	tr.Unregister(ctx, c)
	tr.Unregister(ctx, c)

	assert.Equal(t, []presenceDelta{{3, true}, {3, false}}, rec.all())
}

func TestTrackerRegisterThenImmediateUnregisterOrder(t *testing.T) {
	ctx := context.Background()
	rec := &deltaRecorder{}
	tr := NewTracker(nil, rec.record)

	c := testConn(nil, "c1", 11, "cy")
	tr.Register(ctx, c)
	tr.Unregister(ctx, c)

	// Never observable as offline-then-online.
	require.Equal(t, []presenceDelta{{11, true}, {11, false}}, rec.all())
}

func TestTrackerSnapshotAndOnlineAmong(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil, nil)

	tr.Register(ctx, testConn(nil, "a", 1, "a"))
	tr.Register(ctx, testConn(nil, "b", 2, "b"))

	snap := tr.Snapshot()
	assert.ElementsMatch(t, []int64{1, 2}, snap)
	assert.ElementsMatch(t, []int64{2}, tr.OnlineAmong([]int64{2, 3, 4}))
}

func TestTrackerReadsUnblockedByStalledDelta(t *testing.T) {
	ctx := context.Background()

	// A delta consumer that never drains, like a full hub queue during a
	// connect storm.
	emitting := make(chan struct{})
	release := make(chan struct{})
	tr := NewTracker(nil, func(int64, bool) {
		close(emitting)
		<-release
	})

	c := testConn(nil, "c1", 7, "ana")
	registered := make(chan struct{})
	go func() {
		tr.Register(ctx, c)
		close(registered)
	}()
	<-emitting

	// Queries against the same identity (same shard) must not wait for the
	// stalled emit.
	online := make(chan bool, 1)
	go func() { online <- tr.Online(7) }()
	select {
	case ok := <-online:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("presence query blocked behind a stalled delta emit")
	}
	assert.Len(t, tr.ConnsFor(7), 1)

	close(release)
	<-registered
}

func TestTrackerConcurrentRegisterUnregister(t *testing.T) {
	ctx := context.Background()
	rec := &deltaRecorder{}
	tr := NewTracker(nil, rec.record)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := testConn(nil, "conn", int64(n%4), "u")
			tr.Register(ctx, c)
			tr.Unregister(ctx, c)
		}(i)
	}
	wg.Wait()

	// Every identity ended offline and transitions pair up.
	for uid := int64(0); uid < 4; uid++ {
		assert.False(t, tr.Online(uid))
	}
	var online, offline int
	for _, d := range rec.all() {
		if d.online {
			online++
		} else {
			offline++
		}
	}
	assert.Equal(t, online, offline)
}
