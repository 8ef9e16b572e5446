// Package client is the portal-side half of the realtime transport: one
// bidirectional connection with an explicit lifecycle state machine,
// jittered reconnect, intent replay and optimistic message reconciliation.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opschat/backend/pkg/wire"
)

// State is the connection lifecycle state.
// disconnected -> connecting -> connected -> reconnecting -> connected | disconnected
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ErrClosed is returned when operating on a closed client.
var ErrClosed = errors.New("client closed")

// Transport is the raw bidirectional pipe. *websocket.Conn satisfies it.
type Transport interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Transport. Injectable so the state machine is testable
// without a real websocket.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives server events.
type Handler func(ev wire.Event)

// MessageStatus tracks an optimistic message through reconciliation.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// PendingMessage is the client's optimistic copy of a submitted message.
type PendingMessage struct {
	CorrelationID string
	ChannelID     int64
	Content       string
	Status        MessageStatus
	MessageID     int64
	Reason        string
}

// Options configures a Client.
type Options struct {
	URL     string
	Token   string
	Dialer  Dialer
	Backoff BackoffPolicy

	// MaxAttempts bounds consecutive failed reconnect dials; exceeding it
	// surfaces the terminal disconnected state. 0 means retry forever.
	MaxAttempts int

	Logger *slog.Logger
}

// Client owns one transport connection.
type Client struct {
	opts  Options
	state atomic.Int32

	mu       sync.Mutex
	tr       Transport
	handlers map[string][]Handler
	onState  []func(State)
	pending  []wire.Event
	outbox   map[string]*PendingMessage
	cancel   context.CancelFunc
	closed   bool
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = wsDialer{}
	}
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		handlers: make(map[string][]Handler),
		outbox:   make(map[string]*PendingMessage),
	}
}

// On registers a handler for a server event type.
func (c *Client) On(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// OnStateChange registers a lifecycle observer.
func (c *Client) OnStateChange(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, f)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.mu.Lock()
	observers := append([]func(State){}, c.onState...)
	c.mu.Unlock()
	for _, f := range observers {
		f(s)
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return h
}

// Connect dials the hub. A failed dial here is fatal (AuthRejected or the
// server is simply unreachable); the reconnect machine only engages after a
// connection has been established once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	tr, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.header())
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.tr = tr
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnected)
	_ = c.write(wire.Event{Type: wire.Join})
	c.replayPending()

	go c.readLoop(runCtx)
	return nil
}

// Close ends the connection permanently and cancels any reconnect backoff.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tr := c.tr
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close()
	}
	c.setState(StateDisconnected)
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		tr := c.tr
		c.mu.Unlock()
		if tr == nil {
			return
		}

		var ev wire.Event
		err := tr.ReadJSON(&ev)
		if err == nil {
			c.reconcile(ev)
			c.dispatch(ev)
			continue
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect runs the backoff loop until a dial succeeds, the client is
// closed, or the attempt budget runs out. Returns whether reading should
// resume.
func (c *Client) reconnect(ctx context.Context) bool {
	c.setState(StateReconnecting)

	for attempt := 1; ; attempt++ {
		if c.opts.MaxAttempts > 0 && attempt > c.opts.MaxAttempts {
			c.opts.Logger.Warn("reconnect budget exhausted", "attempts", c.opts.MaxAttempts)
			c.setState(StateDisconnected)
			return false
		}

		delay := c.opts.Backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return false
		case <-time.After(delay):
		}

		tr, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.header())
		if err != nil {
			c.opts.Logger.Debug("reconnect dial failed", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			tr.Close()
			return false
		}
		c.tr = tr
		c.mu.Unlock()

		c.setState(StateConnected)
		_ = c.write(wire.Event{Type: wire.Join})
		c.replayPending()
		return true
	}
}

// send delivers the event when connected, otherwise buffers it as an intent
// for replay. Typing intents are never buffered: a stale typing signal after
// a reconnect would be a lie.
func (c *Client) send(ev wire.Event) {
	if c.State() == StateConnected {
		if c.write(ev) == nil {
			return
		}
		// Write failed: the read loop will notice the drop and reconnect.
	}
	if ev.Type == wire.TypingStart || ev.Type == wire.TypingStop {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
}

func (c *Client) write(ev wire.Event) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return ErrClosed
	}
	return tr.WriteJSON(ev)
}

func (c *Client) replayPending() {
	c.mu.Lock()
	intents := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ev := range intents {
		if c.write(ev) != nil {
			// Back in the buffer; the next reconnect replays the rest.
			c.mu.Lock()
			c.pending = append(c.pending, ev)
			c.mu.Unlock()
		}
	}
}

func (c *Client) dispatch(ev wire.Event) {
	c.mu.Lock()
	handlers := append([]Handler{}, c.handlers[ev.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// reconcile folds acks and nacks into the optimistic outbox.
func (c *Client) reconcile(ev wire.Event) {
	if ev.CorrelationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.outbox[ev.CorrelationID]
	if !ok {
		return
	}
	switch ev.Type {
	case wire.Ack:
		entry.Status = StatusConfirmed
		entry.MessageID = ev.MessageID
	case wire.Nack:
		// Kept around so Retry can resubmit under the same correlation id.
		entry.Status = StatusFailed
		entry.Reason = ev.Reason
	}
}

// Subscribe asks for the channel's fan-out. Buffered across reconnects.
func (c *Client) Subscribe(channelID int64) {
	c.send(wire.Event{Type: wire.SubscribeChannel, ChannelID: channelID})
}

func (c *Client) Unsubscribe(channelID int64) {
	c.send(wire.Event{Type: wire.UnsubscribeChannel, ChannelID: channelID})
}

// SendMessage submits content optimistically and returns the correlation id
// the caller renders its local echo under.
func (c *Client) SendMessage(channelID int64, content string) string {
	corr := uuid.NewString()
	c.mu.Lock()
	c.outbox[corr] = &PendingMessage{
		CorrelationID: corr,
		ChannelID:     channelID,
		Content:       content,
		Status:        StatusPending,
	}
	c.mu.Unlock()

	c.send(wire.Event{
		Type:          wire.SendMessage,
		ChannelID:     channelID,
		Content:       content,
		CorrelationID: corr,
	})
	return corr
}

// Retry resubmits a failed message under its original correlation id so the
// server never sees it as a new, duplicate send.
func (c *Client) Retry(correlationID string) bool {
	c.mu.Lock()
	entry, ok := c.outbox[correlationID]
	if !ok || entry.Status != StatusFailed {
		c.mu.Unlock()
		return false
	}
	entry.Status = StatusPending
	entry.Reason = ""
	ev := wire.Event{
		Type:          wire.SendMessage,
		ChannelID:     entry.ChannelID,
		Content:       entry.Content,
		CorrelationID: entry.CorrelationID,
	}
	c.mu.Unlock()

	c.send(ev)
	return true
}

// Pending returns the reconciliation state of an optimistic message.
func (c *Client) Pending(correlationID string) (PendingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.outbox[correlationID]
	if !ok {
		return PendingMessage{}, false
	}
	return *entry, true
}

func (c *Client) StartTyping(channelID int64) {
	c.send(wire.Event{Type: wire.TypingStart, ChannelID: channelID})
}

func (c *Client) StopTyping(channelID int64) {
	c.send(wire.Event{Type: wire.TypingStop, ChannelID: channelID})
}

func (c *Client) MarkRead(channelID, messageID int64) {
	c.send(wire.Event{Type: wire.MarkRead, ChannelID: channelID, MessageID: messageID})
}
