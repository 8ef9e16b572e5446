package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opschat/backend/internal/metrics"
	"github.com/opschat/backend/internal/storage"
	"github.com/opschat/backend/pkg/wire"
)

const deliveryShardCount = 32

// Delivery runs the submit pipeline: authorize, persist, fan out, reconcile.
// A sharded per-channel lock is held across the persistence append and the
// broadcast, so fan-out order within a channel always matches the order the
// store assigned ids.
type Delivery struct {
	router *Router
	authz  storage.Authorizer
	store  storage.Appender
	log    *slog.Logger
	locks  [deliveryShardCount]sync.Mutex
}

func NewDelivery(router *Router, authz storage.Authorizer, store storage.Appender, log *slog.Logger) *Delivery {
	return &Delivery{router: router, authz: authz, store: store, log: log}
}

func (d *Delivery) lock(channelID int64) *sync.Mutex {
	return &d.locks[uint64(channelID)%deliveryShardCount]
}

// Submit handles one send-message event from origin. The origin gets exactly
// one ack or nack carrying its correlation id; every other current subscriber
// of the channel, including the sender's own other connections, gets the
// finalized message. On persistence failure nothing is broadcast.
func (d *Delivery) Submit(ctx context.Context, origin *Conn, channelID int64, content, correlationID string) (storage.Message, error) {
	if content == "" {
		d.nack(origin, correlationID, wire.ReasonBadRequest)
		return storage.Message{}, nil
	}

	ok, err := d.authz.IsMember(ctx, origin.UserID, channelID)
	if err != nil {
		d.log.Error("membership check failed", "channel_id", channelID, "user_id", origin.UserID, "err", err)
		d.nack(origin, correlationID, wire.ReasonPersistenceFailure)
		return storage.Message{}, err
	}
	if !ok {
		d.nack(origin, correlationID, wire.ReasonNotAMember)
		return storage.Message{}, ErrNotAMember
	}

	mu := d.lock(channelID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := d.store.AppendMessage(ctx, channelID, origin.UserID, content)
	if err != nil {
		d.log.Error("append message failed", "channel_id", channelID, "err", err)
		d.nack(origin, correlationID, wire.ReasonPersistenceFailure)
		return storage.Message{}, err
	}

	ev := wire.Event{
		Type:      wire.Message,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		UserID:    msg.SenderID,
		Username:  msg.SenderName,
		Content:   msg.Content,
		SentAt:    msg.SentAt.Format(time.RFC3339),
	}
	for _, c := range d.router.Members(channelID) {
		if c == origin {
			// The origin reconciles its optimistic copy through the ack; a
			// broadcast on top would double-render.
			continue
		}
		if c.sendEvent(ev) {
			metrics.MessagesDelivered.Inc()
		}
	}

	origin.sendEvent(wire.Event{
		Type:          wire.Ack,
		ChannelID:     msg.ChannelID,
		MessageID:     msg.ID,
		CorrelationID: correlationID,
	})
	metrics.AcksTotal.Inc()
	return msg, nil
}

func (d *Delivery) nack(origin *Conn, correlationID, reason string) {
	origin.sendEvent(wire.Event{
		Type:          wire.Nack,
		CorrelationID: correlationID,
		Reason:        reason,
	})
	metrics.NacksTotal.WithLabelValues(reason).Inc()
}
