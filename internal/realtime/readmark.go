package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opschat/backend/internal/metrics"
	"github.com/opschat/backend/internal/storage"
)

// DefaultReadCoalesce is the window over which rapid mark-read updates for
// one (channel, identity) pair collapse into a single broadcast.
const DefaultReadCoalesce = 300 * time.Millisecond

type readKey struct {
	channelID int64
	userID    int64
}

type pendingRead struct {
	timer     *time.Timer
	messageID int64
}

// ReadAggregator applies the monotonic read-marker rule and coalesces
// broadcasts so fast scrolling emits one event per window per pair.
type ReadAggregator struct {
	window    time.Duration
	store     storage.MarkerStore
	broadcast func(channelID, userID, messageID int64)
	log       *slog.Logger

	mu      sync.Mutex
	markers map[readKey]int64
	pending map[readKey]*pendingRead
	closed  bool
}

func NewReadAggregator(window time.Duration, store storage.MarkerStore, broadcast func(channelID, userID, messageID int64), log *slog.Logger) *ReadAggregator {
	return &ReadAggregator{
		window:    window,
		store:     store,
		broadcast: broadcast,
		log:       log,
		markers:   make(map[readKey]int64),
		pending:   make(map[readKey]*pendingRead),
	}
}

// MarkRead records that the identity has read up to messageID. Older markers
// are ignored; newer ones are persisted and scheduled for broadcast. Returns
// whether the marker advanced.
func (a *ReadAggregator) MarkRead(ctx context.Context, channelID, userID, messageID int64) bool {
	key := readKey{channelID, userID}

	a.mu.Lock()
	if a.closed || messageID <= a.markers[key] {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	if a.store != nil {
		// The persisted watermark is the authority: the in-memory map starts
		// empty on every process, so only the store's monotonic guard can
		// reject an id that is older than what an earlier process recorded.
		// Nothing fans out unless the upsert actually advanced the marker.
		advanced, err := a.store.UpsertReadMarker(ctx, channelID, userID, messageID)
		if err != nil {
			a.log.Error("persist read marker failed", "channel_id", channelID, "user_id", userID, "err", err)
		} else if !advanced {
			return false
		}
	}

	a.mu.Lock()
	if a.closed || messageID <= a.markers[key] {
		a.mu.Unlock()
		return false
	}
	a.markers[key] = messageID

	if p, ok := a.pending[key]; ok {
		// A flush is already scheduled; just raise its watermark.
		if messageID > p.messageID {
			p.messageID = messageID
		}
		a.mu.Unlock()
	} else if a.window <= 0 {
		a.mu.Unlock()
		metrics.ReadBroadcasts.Inc()
		a.broadcast(channelID, userID, messageID)
	} else {
		p := &pendingRead{messageID: messageID}
		p.timer = time.AfterFunc(a.window, func() { a.flush(key) })
		a.pending[key] = p
		a.mu.Unlock()
	}
	return true
}

// Marker returns the current in-memory watermark for the pair.
func (a *ReadAggregator) Marker(channelID, userID int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markers[readKey{channelID, userID}]
}

func (a *ReadAggregator) flush(key readKey) {
	a.mu.Lock()
	p, ok := a.pending[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.pending, key)
	messageID := p.messageID
	a.mu.Unlock()

	metrics.ReadBroadcasts.Inc()
	a.broadcast(key.channelID, key.userID, messageID)
}

// Close stops pending timers. Unflushed markers are dropped; they are already
// persisted and ephemeral on the wire.
func (a *ReadAggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for key, p := range a.pending {
		p.timer.Stop()
		delete(a.pending, key)
	}
}
