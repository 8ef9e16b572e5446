package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingRecorder struct {
	mu    sync.Mutex
	calls []struct {
		channelID int64
		userID    int64
		typing    bool
	}
}

func (r *typingRecorder) record(channelID, userID int64, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		channelID int64
		userID    int64
		typing    bool
	}{channelID, userID, typing})
}

func (r *typingRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestTypingStartIsIdempotentBeforeExpiry(t *testing.T) {
	rec := &typingRecorder{}
	m := NewTypingManager(time.Second, rec.record)

	m.Start(5, 1)
	m.Start(5, 1)
	m.Start(5, 1)

	require.Equal(t, 1, rec.len())
	assert.True(t, rec.calls[0].typing)
	assert.True(t, m.Typing(5, 1))
}

func TestTypingStopBroadcastsOnce(t *testing.T) {
	rec := &typingRecorder{}
	m := NewTypingManager(time.Second, rec.record)

	m.Start(5, 1)
	m.Stop(5, 1)
	m.Stop(5, 1) // second stop is a no-op

	require.Equal(t, 2, rec.len())
	assert.False(t, rec.calls[1].typing)
	assert.False(t, m.Typing(5, 1))
}

func TestTypingSweepEmitsImplicitStop(t *testing.T) {
	rec := &typingRecorder{}
	m := NewTypingManager(time.Second, rec.record)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Start(5, 1)
	m.Start(6, 2)

	// The client vanished; time passes past the TTL.
	m.now = func() time.Time { return base.Add(2 * time.Second) }
	m.sweep()

	require.Equal(t, 4, rec.len())
	var stops int
	for _, call := range rec.calls {
		if !call.typing {
			stops++
		}
	}
	assert.Equal(t, 2, stops)
	assert.False(t, m.Typing(5, 1))
	assert.False(t, m.Typing(6, 2))
}

func TestTypingRestartAfterExpiryBroadcastsAgain(t *testing.T) {
	rec := &typingRecorder{}
	m := NewTypingManager(time.Second, rec.record)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Start(5, 1)

	// Expired but not yet swept: a new start counts as a fresh transition.
	m.now = func() time.Time { return base.Add(2 * time.Second) }
	m.Start(5, 1)

	require.Equal(t, 2, rec.len())
	assert.True(t, rec.calls[1].typing)
}

func TestTypingSeparateChannelsAreIndependent(t *testing.T) {
	rec := &typingRecorder{}
	m := NewTypingManager(time.Second, rec.record)

	m.Start(5, 1)
	m.Start(6, 1)

	assert.Equal(t, 2, rec.len())
	assert.True(t, m.Typing(5, 1))
	assert.True(t, m.Typing(6, 1))
}
