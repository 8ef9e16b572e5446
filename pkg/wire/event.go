// Package wire defines the event envelope exchanged between a client and the
// realtime hub. One flat JSON object per event; unused fields are omitted.
package wire

// Client -> server event types.
const (
	Join               = "join"
	SubscribeChannel   = "subscribe-channel"
	UnsubscribeChannel = "unsubscribe-channel"
	SendMessage        = "send-message"
	TypingStart        = "typing-start"
	TypingStop         = "typing-stop"
	MarkRead           = "mark-read"
)

// Server -> client event types.
const (
	PresenceDelta = "presence-delta"
	Roster        = "roster"
	Message       = "message"
	Ack           = "ack"
	Nack          = "nack"
	Typing        = "typing"
	Read          = "read"
	Error         = "error"
)

// Nack / error reasons.
const (
	ReasonNotAMember         = "not_a_member"
	ReasonPersistenceFailure = "persistence_failure"
	ReasonBadRequest         = "bad_request"
)

type Event struct {
	Type          string  `json:"type"`
	ChannelID     int64   `json:"channel_id,omitempty"`
	MessageID     int64   `json:"message_id,omitempty"`
	UserID        int64   `json:"user_id,omitempty"`
	Username      string  `json:"username,omitempty"`
	Content       string  `json:"content,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Typing        bool    `json:"typing,omitempty"`
	Online        bool    `json:"online,omitempty"`
	Users         []int64 `json:"users,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	SentAt        string  `json:"sent_at,omitempty"`
}
