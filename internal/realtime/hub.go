package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opschat/backend/internal/metrics"
	"github.com/opschat/backend/internal/storage"
	"github.com/opschat/backend/pkg/wire"
)

// Options tune the hub's timing knobs. Zero values fall back to defaults.
type Options struct {
	TypingTTL       time.Duration
	ReadCoalesce    time.Duration
	PresenceBacklog int

	// Counts moves presence counting to a shared store (Redis) so several
	// hub processes agree on online state. Nil keeps counts in-process.
	Counts CountStore
}

type presenceDelta struct {
	userID int64
	online bool
}

// Hub wires the presence tracker, subscription router, delivery pipeline,
// typing manager and read aggregator to live connections.
type Hub struct {
	Presence *Tracker
	Router   *Router
	Delivery *Delivery
	Typing   *TypingManager
	Reads    *ReadAggregator

	store  storage.Store
	log    *slog.Logger
	deltas chan presenceDelta
}

func NewHub(store storage.Store, opts Options, log *slog.Logger) *Hub {
	if opts.PresenceBacklog <= 0 {
		opts.PresenceBacklog = 256
	}
	if opts.ReadCoalesce == 0 {
		opts.ReadCoalesce = DefaultReadCoalesce
	}

	h := &Hub{
		store:  store,
		log:    log,
		deltas: make(chan presenceDelta, opts.PresenceBacklog),
	}
	// The delta callback only enqueues; fan-out resolution hits the roster
	// store in Run. A full queue blocks the sender on the shard's emit lock
	// only, so the Run loop can still read presence while it drains.
	h.Presence = NewTracker(opts.Counts, func(userID int64, online bool) {
		h.deltas <- presenceDelta{userID: userID, online: online}
	})
	h.Router = NewRouter(store)
	h.Delivery = NewDelivery(h.Router, store, store, log)
	h.Typing = NewTypingManager(opts.TypingTTL, h.broadcastTyping)
	h.Reads = NewReadAggregator(opts.ReadCoalesce, store, h.broadcastRead, log)
	return h
}

// Run drives the presence delta fan-out and the typing sweep until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go h.Typing.Run(ctx)
	go func() {
		<-ctx.Done()
		h.Reads.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-h.deltas:
			h.fanOutPresence(ctx, d)
		}
	}
}

// Register begins presence for a freshly upgraded connection.
func (h *Hub) Register(c *Conn) {
	metrics.ConnectionsOpen.Inc()
	h.Presence.Register(context.Background(), c)
	h.log.Info("connection registered", "conn_id", c.ID, "user_id", c.UserID)
}

// Unregister tears a connection down: every subscription goes with it, and
// presence flips to offline when this was the identity's last connection.
func (h *Hub) Unregister(c *Conn) {
	h.Router.DropConn(c)
	h.Presence.Unregister(context.Background(), c)
	c.closeSend()
	metrics.ConnectionsOpen.Dec()
	h.log.Info("connection closed", "conn_id", c.ID, "user_id", c.UserID)
}

// Dispatch routes one inbound event from the connection's read pump.
func (h *Hub) Dispatch(ctx context.Context, c *Conn, ev wire.Event) {
	switch ev.Type {
	case wire.Join:
		h.sendRoster(ctx, c)
	case wire.SubscribeChannel:
		h.subscribe(ctx, c, ev.ChannelID)
	case wire.UnsubscribeChannel:
		h.Router.Unsubscribe(c, ev.ChannelID)
	case wire.SendMessage:
		_, _ = h.Delivery.Submit(ctx, c, ev.ChannelID, ev.Content, ev.CorrelationID)
	case wire.TypingStart:
		if h.isMember(ctx, c, ev.ChannelID) {
			h.Typing.Start(ev.ChannelID, c.UserID)
		}
	case wire.TypingStop:
		if h.isMember(ctx, c, ev.ChannelID) {
			h.Typing.Stop(ev.ChannelID, c.UserID)
		}
	case wire.MarkRead:
		if h.isMember(ctx, c, ev.ChannelID) {
			h.Reads.MarkRead(ctx, ev.ChannelID, c.UserID, ev.MessageID)
		}
	default:
		h.log.Debug("unknown event type", "type", ev.Type, "conn_id", c.ID)
	}
}

func (h *Hub) subscribe(ctx context.Context, c *Conn, channelID int64) {
	err := h.Router.Subscribe(ctx, c, channelID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotAMember):
		c.sendEvent(wire.Event{Type: wire.Error, ChannelID: channelID, Reason: wire.ReasonNotAMember})
	default:
		h.log.Error("subscribe failed", "channel_id", channelID, "err", err)
		c.sendEvent(wire.Event{Type: wire.Error, ChannelID: channelID, Reason: wire.ReasonPersistenceFailure})
	}
}

// sendRoster answers a join with the online identities that share at least
// one channel with the caller. Presence here is channel-scoped throughout:
// deltas and roster snapshots both travel along shared-membership edges.
func (h *Hub) sendRoster(ctx context.Context, c *Conn) {
	ids, err := h.store.SharedMemberIDs(ctx, c.UserID)
	if err != nil {
		h.log.Error("roster lookup failed", "user_id", c.UserID, "err", err)
		return
	}
	c.sendEvent(wire.Event{Type: wire.Roster, Users: h.Presence.OnlineAmong(ids)})
}

func (h *Hub) isMember(ctx context.Context, c *Conn, channelID int64) bool {
	ok, err := h.store.IsMember(ctx, c.UserID, channelID)
	if err != nil {
		h.log.Error("membership check failed", "channel_id", channelID, "user_id", c.UserID, "err", err)
		return false
	}
	return ok
}

func (h *Hub) fanOutPresence(ctx context.Context, d presenceDelta) {
	ids, err := h.store.SharedMemberIDs(ctx, d.userID)
	if err != nil {
		h.log.Error("presence fan-out lookup failed", "user_id", d.userID, "err", err)
		return
	}
	ev := wire.Event{Type: wire.PresenceDelta, UserID: d.userID, Online: d.online}
	for _, id := range ids {
		for _, c := range h.Presence.ConnsFor(id) {
			c.sendEvent(ev)
		}
	}
}

// broadcastTyping fans a typing transition out to the channel's subscribers,
// excluding every connection of the typist.
func (h *Hub) broadcastTyping(channelID, userID int64, typing bool) {
	ev := wire.Event{Type: wire.Typing, ChannelID: channelID, UserID: userID, Typing: typing}
	for _, c := range h.Router.Members(channelID) {
		if c.UserID == userID {
			continue
		}
		c.sendEvent(ev)
	}
}

// broadcastRead fans a coalesced read marker out, excluding the reader.
func (h *Hub) broadcastRead(channelID, userID, messageID int64) {
	ev := wire.Event{Type: wire.Read, ChannelID: channelID, UserID: userID, MessageID: messageID}
	for _, c := range h.Router.Members(channelID) {
		if c.UserID == userID {
			continue
		}
		c.sendEvent(ev)
	}
}
