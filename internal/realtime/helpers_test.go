package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opschat/backend/internal/storage"
	"github.com/opschat/backend/pkg/wire"
)

// fakeStore is an in-memory stand-in for the persistence and authorization
// collaborators.
type fakeStore struct {
	mu         sync.Mutex
	members    map[int64][]int64 // channelID -> userIDs
	nextID     int64
	failAppend bool
	markers    map[[2]int64]int64 // {channelID, userID} -> messageID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: make(map[int64][]int64),
		markers: make(map[[2]int64]int64),
	}
}

func (f *fakeStore) addMembers(channelID int64, userIDs ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[channelID] = append(f.members[channelID], userIDs...)
}

func (f *fakeStore) IsMember(_ context.Context, userID, channelID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[channelID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) SharedMemberIDs(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, members := range f.members {
		var mine bool
		for _, id := range members {
			if id == userID {
				mine = true
				break
			}
		}
		if !mine {
			continue
		}
		for _, id := range members {
			if id == userID {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, channelID, senderID int64, content string) (storage.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend {
		return storage.Message{}, errors.New("store down")
	}
	f.nextID++
	return storage.Message{
		ID:        f.nextID,
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
		SentAt:    time.Now().UTC(),
	}, nil
}

func (f *fakeStore) UpsertReadMarker(_ context.Context, channelID, userID, messageID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int64{channelID, userID}
	if messageID <= f.markers[key] {
		return false, nil
	}
	f.markers[key] = messageID
	return true, nil
}

func testConn(hub *Hub, id string, userID int64, username string) *Conn {
	return newConn(hub, nil, id, userID, username)
}

// recvEvent blocks until the connection's send queue yields one event.
func recvEvent(t *testing.T, c *Conn, timeout time.Duration) wire.Event {
	t.Helper()
	select {
	case b, ok := <-c.Send:
		require.True(t, ok, "send queue closed")
		var ev wire.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return wire.Event{}
	}
}

// tryRecv drains at most one already-queued event.
func tryRecv(t *testing.T, c *Conn) (wire.Event, bool) {
	t.Helper()
	select {
	case b, ok := <-c.Send:
		if !ok {
			return wire.Event{}, false
		}
		var ev wire.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		return ev, true
	default:
		return wire.Event{}, false
	}
}

// drain empties the connection's queue and returns everything found.
func drain(t *testing.T, c *Conn) []wire.Event {
	t.Helper()
	var evs []wire.Event
	for {
		ev, ok := tryRecv(t, c)
		if !ok {
			return evs
		}
		evs = append(evs, ev)
	}
}

// recvType waits for the next event of the given type, skipping unrelated
// traffic such as async presence deltas.
func recvType(t *testing.T, c *Conn, eventType string, timeout time.Duration) wire.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case b, ok := <-c.Send:
			require.True(t, ok, "send queue closed")
			var ev wire.Event
			require.NoError(t, json.Unmarshal(b, &ev))
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
			return wire.Event{}
		}
	}
}

// assertNone asserts no already-queued event of the given type exists.
func assertNone(t *testing.T, c *Conn, eventType string) {
	t.Helper()
	for _, ev := range drain(t, c) {
		if ev.Type == eventType {
			t.Fatalf("unexpected %q event: %+v", eventType, ev)
		}
	}
}
