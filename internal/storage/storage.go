// Package storage defines the persistence and authorization collaborators
// the realtime core depends on. Backends live in the sqlite and postgres
// subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Message is the server-confirmed record. ID and SentAt are assigned by the
// backend at append time, never by clients.
type Message struct {
	ID         int64     `json:"id"`
	ChannelID  int64     `json:"channel_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at"`
}

// Appender persists a message and assigns its id and server timestamp.
type Appender interface {
	AppendMessage(ctx context.Context, channelID, senderID int64, content string) (Message, error)
}

// Authorizer answers channel membership questions.
type Authorizer interface {
	IsMember(ctx context.Context, userID, channelID int64) (bool, error)
}

// Roster resolves which identities share at least one channel with a user.
// Presence deltas are fanned out along these edges.
type Roster interface {
	SharedMemberIDs(ctx context.Context, userID int64) ([]int64, error)
}

// MarkerStore persists monotonic read markers. Upsert returns false when the
// incoming marker is not newer than the stored one.
type MarkerStore interface {
	UpsertReadMarker(ctx context.Context, channelID, userID, messageID int64) (bool, error)
}

// Store is the full collaborator surface consumed by the realtime hub.
type Store interface {
	Appender
	Authorizer
	Roster
	MarkerStore
}
