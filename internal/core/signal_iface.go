package core

import "encoding/json"

// Frame is a raw outbound payload.
type Frame []byte

// Message kinds of the realtime wire protocol.
const (
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgPresence     = "presence"
	MsgPing         = "ping"
	MsgEvent        = "event"
	MsgError        = "error"
	MsgPong         = "pong"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgSystem       = "system"
)

// Envelope is an inbound server message. Which fields are set depends on
// Type: events carry Event/Payload/EventID, presence carries
// Event/UserID/DisplayName, errors carry Message/Code.
type Envelope struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel,omitempty"`
	Event       string          `json:"event,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EventID     string          `json:"event_id,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	Message     string          `json:"message,omitempty"`
	Code        string          `json:"code,omitempty"`
	MemberCount int             `json:"member_count,omitempty"`
}

// Handler receives envelopes for one channel.
type Handler func(Envelope)

// ChannelSubscriber multiplexes logical channels over one connection.
type ChannelSubscriber interface {
	Subscribe(channel string, h Handler) (unsubscribe func())
}

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
