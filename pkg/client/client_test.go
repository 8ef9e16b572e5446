package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opschat/backend/pkg/wire"
)

// fakeTransport scripts one connection: the test pushes server events into
// inbound and records everything the client writes.
type fakeTransport struct {
	inbound chan wire.Event

	mu     sync.Mutex
	writes []wire.Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan wire.Event, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadJSON(v any) error {
	select {
	case ev := <-f.inbound:
		*(v.(*wire.Event)) = ev
		return nil
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeTransport) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return io.EOF
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v.(wire.Event))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) written() []wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Event{}, f.writes...)
}

type dialResult struct {
	tr  *fakeTransport
	err error
}

// fakeDialer hands out scripted transports; Dial blocks until the test
// pushes the next result, which makes reconnect timing deterministic.
type fakeDialer struct {
	results chan dialResult
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, _ http.Header) (Transport, error) {
	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.tr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, Factor: 2, Jitter: 0}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %v, still %v", want, c.State())
}

func waitForWrites(t *testing.T, tr *fakeTransport, n int) []wire.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := tr.written(); len(w) >= n {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d writes, got %v", n, tr.written())
	return nil
}

func TestConnectSendsJoin(t *testing.T) {
	d := newFakeDialer()
	tr := newFakeTransport()
	d.results <- dialResult{tr: tr}

	c := New(Options{URL: "ws://hub/ws", Dialer: d, Backoff: fastBackoff()})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	assert.Equal(t, StateConnected, c.State())
	writes := waitForWrites(t, tr, 1)
	assert.Equal(t, wire.Join, writes[0].Type)
}

func TestConnectDialFailureIsTerminal(t *testing.T) {
	d := newFakeDialer()
	d.results <- dialResult{err: errors.New("401 unauthorized")}

	c := New(Options{URL: "ws://hub/ws", Dialer: d, Backoff: fastBackoff()})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectReplaysIntentsButDropsTyping(t *testing.T) {
	d := newFakeDialer()
	first := newFakeTransport()
	d.results <- dialResult{tr: first}

	c := New(Options{URL: "ws://hub/ws", Dialer: d, Backoff: fastBackoff()})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	// Server drops the connection; the dialer blocks, so the client parks
	// in reconnecting.
	first.Close()
	waitForState(t, c, StateReconnecting)

	// Intents issued while reconnecting.
	c.Subscribe(5)
	c.StartTyping(5)
	c.MarkRead(5, 9)

	second := newFakeTransport()
	d.results <- dialResult{tr: second}
	waitForState(t, c, StateConnected)

	writes := waitForWrites(t, second, 3)
	types := make([]string, len(writes))
	for i, ev := range writes {
		types[i] = ev.Type
	}
	assert.Equal(t, []string{wire.Join, wire.SubscribeChannel, wire.MarkRead}, types)
	// Stale typing signals are never replayed.
	assert.NotContains(t, types, wire.TypingStart)
}

func TestReconnectBudgetExhaustedGoesDisconnected(t *testing.T) {
	d := newFakeDialer()
	first := newFakeTransport()
	d.results <- dialResult{tr: first}
	d.results <- dialResult{err: errors.New("refused")}
	d.results <- dialResult{err: errors.New("refused")}

	c := New(Options{URL: "ws://hub/ws", Dialer: d, Backoff: fastBackoff(), MaxAttempts: 2})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	first.Close()
	waitForState(t, c, StateDisconnected)
}

func TestCloseCancelsReconnect(t *testing.T) {
	d := newFakeDialer()
	first := newFakeTransport()
	d.results <- dialResult{tr: first}

	c := New(Options{URL: "ws://hub/ws", Dialer: d, Backoff: fastBackoff()})
	require.NoError(t, c.Connect(context.Background()))

	first.Close()
	waitForState(t, c, StateReconnecting)

	require.NoError(t, c.Close())
	waitForState(t, c, StateDisconnected)
	assert.Equal(t, ErrClosed, c.Connect(context.Background()))
}

func TestSendMessageReconciliation(t *testing.T) {
	d := newFakeDialer()
	tr := newFakeTransport()
	d.results <- dialResult{tr: tr}

	c := New(Options{URL: "ws://hub/ws", Dialer: d, Backoff: fastBackoff()})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	corr := c.SendMessage(5, "hello")
	entry, ok := c.Pending(corr)
	require.True(t, ok)
	assert.Equal(t, StatusPending, entry.Status)

	// Server nacks: optimistic copy flips to failed, correlation retained.
	tr.inbound <- wire.Event{Type: wire.Nack, CorrelationID: corr, Reason: "persistence_failure"}
	require.Eventually(t, func() bool {
		e, _ := c.Pending(corr)
		return e.Status == StatusFailed
	}, 2*time.Second, time.Millisecond)
	entry, _ = c.Pending(corr)
	assert.Equal(t, "persistence_failure", entry.Reason)

	// Retry reuses the same correlation id so the server never sees a
	// duplicate send.
	require.True(t, c.Retry(corr))
	writes := waitForWrites(t, tr, 3)
	last := writes[len(writes)-1]
	assert.Equal(t, wire.SendMessage, last.Type)
	assert.Equal(t, corr, last.CorrelationID)

	// Ack confirms and records the server-assigned id.
	tr.inbound <- wire.Event{Type: wire.Ack, CorrelationID: corr, MessageID: 42}
	require.Eventually(t, func() bool {
		e, _ := c.Pending(corr)
		return e.Status == StatusConfirmed && e.MessageID == 42
	}, 2*time.Second, time.Millisecond)
}

func TestHandlersReceiveEvents(t *testing.T) {
	d := newFakeDialer()
	tr := newFakeTransport()
	d.results <- dialResult{tr: tr}

	c := New(Options{URL: "ws://hub/ws", Dialer: d, Backoff: fastBackoff()})

	got := make(chan wire.Event, 1)
	c.On(wire.Message, func(ev wire.Event) { got <- ev })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	tr.inbound <- wire.Event{Type: wire.Message, ChannelID: 5, Content: "hey"}
	select {
	case ev := <-got:
		assert.Equal(t, "hey", ev.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestRetryOnNonFailedMessageIsRejected(t *testing.T) {
	c := New(Options{URL: "ws://hub/ws", Dialer: newFakeDialer()})
	assert.False(t, c.Retry("nope"))
}
