package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/opschat/backend/internal/metrics"
)

// DefaultTypingTTL is how long a typing signal stays alive without a refresh.
const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	channelID int64
	userID    int64
}

// TypingManager holds transient per-channel per-user typing state. Repeated
// starts refresh the expiry and never re-broadcast; the background sweep
// emits the implicit stop for clients that vanished without one.
type TypingManager struct {
	ttl       time.Duration
	broadcast func(channelID, userID int64, typing bool)
	now       func() time.Time

	mu     sync.Mutex
	states map[typingKey]time.Time
}

func NewTypingManager(ttl time.Duration, broadcast func(channelID, userID int64, typing bool)) *TypingManager {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingManager{
		ttl:       ttl,
		broadcast: broadcast,
		now:       time.Now,
		states:    make(map[typingKey]time.Time),
	}
}

// Start sets or refreshes the typing state. Only the absent -> typing
// transition broadcasts.
func (m *TypingManager) Start(channelID, userID int64) {
	key := typingKey{channelID, userID}
	now := m.now()

	m.mu.Lock()
	expiry, live := m.states[key]
	if live && !now.Before(expiry) {
		live = false
	}
	m.states[key] = now.Add(m.ttl)
	m.mu.Unlock()

	if !live {
		metrics.TypingBroadcasts.Inc()
		m.broadcast(channelID, userID, true)
	}
}

// Stop clears the state immediately. No-op if the user was not typing.
func (m *TypingManager) Stop(channelID, userID int64) {
	key := typingKey{channelID, userID}

	m.mu.Lock()
	expiry, live := m.states[key]
	delete(m.states, key)
	m.mu.Unlock()

	if live && m.now().Before(expiry) {
		metrics.TypingBroadcasts.Inc()
		m.broadcast(channelID, userID, false)
	}
}

// Run sweeps expired states until the context is cancelled.
func (m *TypingManager) Run(ctx context.Context) {
	interval := m.ttl / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep broadcasts an implicit stop for every expired state. Covers clients
// that crashed or disconnected mid-keystroke.
func (m *TypingManager) sweep() {
	now := m.now()

	m.mu.Lock()
	var expired []typingKey
	for key, expiry := range m.states {
		if !now.Before(expiry) {
			expired = append(expired, key)
			delete(m.states, key)
		}
	}
	m.mu.Unlock()

	for _, key := range expired {
		metrics.TypingBroadcasts.Inc()
		m.broadcast(key.channelID, key.userID, false)
	}
}

// Typing reports whether the user currently has a live typing state.
func (m *TypingManager) Typing(channelID, userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.states[typingKey{channelID, userID}]
	return ok && m.now().Before(expiry)
}
