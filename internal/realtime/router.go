package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/opschat/backend/internal/storage"
)

const routerShardCount = 32

// ErrNotAMember is returned when an identity tries to subscribe to or send
// into a channel it is not authorized for.
var ErrNotAMember = errors.New("not a channel member")

// Router tracks which connections are subscribed to which channels and scopes
// every fan-out to the channel's current subscriber set. Sharded by channel.
type Router struct {
	authz  storage.Authorizer
	shards [routerShardCount]routerShard
}

type routerShard struct {
	mu      sync.Mutex
	members map[int64]map[*Conn]struct{}
}

func NewRouter(authz storage.Authorizer) *Router {
	r := &Router{authz: authz}
	for i := range r.shards {
		r.shards[i].members = make(map[int64]map[*Conn]struct{})
	}
	return r
}

func (r *Router) shard(channelID int64) *routerShard {
	return &r.shards[uint64(channelID)%routerShardCount]
}

// Subscribe adds the connection to the channel's subscriber set after the
// membership check. Unauthorized attempts fail with ErrNotAMember and leave
// no state behind.
func (r *Router) Subscribe(ctx context.Context, c *Conn, channelID int64) error {
	ok, err := r.authz.IsMember(ctx, c.UserID, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAMember
	}

	s := r.shard(channelID)
	s.mu.Lock()
	set := s.members[channelID]
	if set == nil {
		set = make(map[*Conn]struct{})
		s.members[channelID] = set
	}
	set[c] = struct{}{}
	s.mu.Unlock()

	c.addChannel(channelID)
	return nil
}

func (r *Router) Unsubscribe(c *Conn, channelID int64) {
	s := r.shard(channelID)
	s.mu.Lock()
	if set, ok := s.members[channelID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.members, channelID)
		}
	}
	s.mu.Unlock()

	c.removeChannel(channelID)
}

// Members returns a snapshot of the channel's current subscribers.
func (r *Router) Members(channelID int64) []*Conn {
	s := r.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.members[channelID]))
	for c := range s.members[channelID] {
		conns = append(conns, c)
	}
	return conns
}

// DropConn removes the connection from every channel it was subscribed to.
// Called on teardown; nothing may dangle past the connection's lifetime.
func (r *Router) DropConn(c *Conn) {
	for _, channelID := range c.takeChannels() {
		s := r.shard(channelID)
		s.mu.Lock()
		if set, ok := s.members[channelID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.members, channelID)
			}
		}
		s.mu.Unlock()
	}
}
