package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opschat/backend/internal/metrics"
	"github.com/opschat/backend/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 5120
	sendQueueSize  = 256
)

// Conn is the server side of one live transport session. A single identity
// may own several Conns at once (multi-tab, multi-device); presence counts
// them, the router subscribes them independently.
type Conn struct {
	ID          string
	UserID      int64
	Username    string
	ConnectedAt time.Time

	hub  *Hub
	ws   *websocket.Conn
	Send chan []byte

	mu       sync.Mutex
	closed   bool
	channels map[int64]struct{}
}

func newConn(hub *Hub, ws *websocket.Conn, id string, userID int64, username string) *Conn {
	return &Conn{
		ID:          id,
		UserID:      userID,
		Username:    username,
		ConnectedAt: time.Now().UTC(),
		hub:         hub,
		ws:          ws,
		Send:        make(chan []byte, sendQueueSize),
		channels:    make(map[int64]struct{}),
	}
}

// addChannel records a subscription on the connection's own set and reports
// whether it was already present.
func (c *Conn) addChannel(channelID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channelID]; ok {
		return false
	}
	c.channels[channelID] = struct{}{}
	return true
}

func (c *Conn) removeChannel(channelID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

// takeChannels empties and returns the subscription set. Used on teardown so
// the router can clear every membership exactly once.
func (c *Conn) takeChannels() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.channels = make(map[int64]struct{})
	return ids
}

// trySend enqueues a payload without blocking. A full queue means the client
// is too slow to keep; the send side is closed and the pumps tear the
// connection down.
func (c *Conn) trySend(payload []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.Send <- payload:
		c.mu.Unlock()
		return true
	default:
		c.closed = true
		close(c.Send)
		c.mu.Unlock()
		metrics.SlowClientsDropped.Inc()
		return false
	}
}

func (c *Conn) sendEvent(ev wire.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return c.trySend(payload)
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var ev wire.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.sendEvent(wire.Event{Type: wire.Error, Reason: wire.ReasonBadRequest})
			continue
		}
		c.hub.Dispatch(context.Background(), c, ev)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
