package realtime

import (
	"context"
	"sync"

	"github.com/opschat/backend/internal/metrics"
)

const presenceShardCount = 32

// CountStore holds per-identity live-connection counts. The in-process
// tracker is its own authority when the store is nil; a Redis-backed store
// makes first/last transitions agree across hub processes. Roster reads
// (Online, Snapshot, OnlineAmong) stay local to this process.
type CountStore interface {
	Incr(ctx context.Context, userID int64) (int64, error)
	Decr(ctx context.Context, userID int64) (int64, error)
}

// DeltaFunc receives per-identity ordered online/offline transitions. It runs
// under the shard's emit lock, never the data lock, so it may block on a full
// queue without stalling Online or ConnsFor readers.
type DeltaFunc func(userID int64, online bool)

// Tracker is the presence roster: identity -> set of live connections.
// Sharded by identity so unrelated registrations never contend.
type Tracker struct {
	store   CountStore
	onDelta DeltaFunc
	shards  [presenceShardCount]presenceShard
}

type presenceShard struct {
	mu    sync.Mutex
	conns map[int64]map[*Conn]struct{}

	// emitMu serializes delta emits in transition order. Acquired while mu is
	// still held, released only after the emit, so a register followed by an
	// immediate unregister can never be observed out of order.
	emitMu sync.Mutex
}

func NewTracker(store CountStore, onDelta DeltaFunc) *Tracker {
	t := &Tracker{store: store, onDelta: onDelta}
	for i := range t.shards {
		t.shards[i].conns = make(map[int64]map[*Conn]struct{})
	}
	return t
}

func (t *Tracker) shard(userID int64) *presenceShard {
	return &t.shards[uint64(userID)%presenceShardCount]
}

// Register adds a connection. The identity transitions to online only when
// this is its first live connection.
func (t *Tracker) Register(ctx context.Context, c *Conn) {
	s := t.shard(c.UserID)
	s.mu.Lock()

	set := s.conns[c.UserID]
	if set == nil {
		set = make(map[*Conn]struct{})
		s.conns[c.UserID] = set
	}
	set[c] = struct{}{}

	first := len(set) == 1
	if t.store != nil {
		if n, err := t.store.Incr(ctx, c.UserID); err == nil {
			first = n == 1
		}
	}
	if !first {
		s.mu.Unlock()
		return
	}

	// Lock handover: the emit lock is taken before the data lock is released
	// so the delta leaves in transition order, while a blocked emit holds no
	// lock that readers need.
	s.emitMu.Lock()
	s.mu.Unlock()
	metrics.IdentitiesOnline.Inc()
	if t.onDelta != nil {
		t.onDelta(c.UserID, true)
	}
	s.emitMu.Unlock()
}

// Unregister removes a connection. The identity transitions to offline only
// when its last live connection goes away. Safe to call more than once for
// the same connection.
func (t *Tracker) Unregister(ctx context.Context, c *Conn) {
	s := t.shard(c.UserID)
	s.mu.Lock()

	set, ok := s.conns[c.UserID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(set, c)

	last := len(set) == 0
	if last {
		delete(s.conns, c.UserID)
	}
	if t.store != nil {
		if n, err := t.store.Decr(ctx, c.UserID); err == nil {
			last = n <= 0
		}
	}
	if !last {
		s.mu.Unlock()
		return
	}

	s.emitMu.Lock()
	s.mu.Unlock()
	metrics.IdentitiesOnline.Dec()
	if t.onDelta != nil {
		t.onDelta(c.UserID, false)
	}
	s.emitMu.Unlock()
}

// Online reports whether the identity has at least one live connection on
// this process.
func (t *Tracker) Online(userID int64) bool {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID]) > 0
}

// Snapshot returns every identity currently online on this process.
func (t *Tracker) Snapshot() []int64 {
	var ids []int64
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for uid := range s.conns {
			ids = append(ids, uid)
		}
		s.mu.Unlock()
	}
	return ids
}

// OnlineAmong filters ids down to the ones that are online.
func (t *Tracker) OnlineAmong(ids []int64) []int64 {
	var online []int64
	for _, id := range ids {
		if t.Online(id) {
			online = append(online, id)
		}
	}
	return online
}

// ConnsFor returns a snapshot of the identity's live connections.
func (t *Tracker) ConnsFor(userID int64) []*Conn {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns[userID]))
	for c := range s.conns[userID] {
		conns = append(conns, c)
	}
	return conns
}
