package transport

import (
	"encoding/json"

	"github.com/consultlink/go-consult/internal/types"
)

// Named events on the live channel.
const (
	EventRoomJoin         = "room:join"
	EventRoomJoined       = "room:joined"
	EventRoomError        = "room:error"
	EventRoomLeave        = "room:leave"
	EventMessageNew       = "message:new"
	EventMessageRead      = "message:read"
	EventTypingUpdate     = "typing:update"
	EventBookingCreated   = "booking:created"
	EventBookingCancelled = "booking:cancelled"
	EventBookingExpired   = "booking:expired"

	// EventStateChange is a local topic only, never sent on the wire.
	// Its payload is a StateChange, not json.RawMessage.
	EventStateChange = "connection:state"
)

// Envelope is the wire format for every live-channel event.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StateChange is published on EventStateChange for every connection
// state transition.
type StateChange struct {
	State  types.ConnectionState
	Reason string
	// Requested is true for transitions the client asked for
	// (disconnect, session change), false for link failures.
	Requested bool
}

// JoinRequest asks the server for membership in a room. At least one of
// ChatId/BookingId is set; the server creates the chat lazily when only
// a booking id is known.
type JoinRequest struct {
	CorrelationId string `json:"correlation_id"`
	ChatId        string `json:"chat_id,omitempty"`
	BookingId     string `json:"booking_id,omitempty"`
}

// JoinAck carries the resolved room and chat identifiers.
type JoinAck struct {
	CorrelationId string `json:"correlation_id"`
	RoomKey       string `json:"room_key"`
	ChatId        string `json:"chat_id"`
}

type JoinError struct {
	CorrelationId string `json:"correlation_id"`
	Reason        string `json:"reason"`
}

// PublishRequest sends a chat message over the live channel. ClientRef
// is the sender's temporary id; the server echoes it back on the
// confirmed message so the optimistic entry can be bound.
type PublishRequest struct {
	ClientRef string `json:"client_ref"`
	RoomKey   string `json:"room_key"`
	Body      string `json:"body"`
}

// MessageEvent is the payload of message:new, both for pushes from other
// participants and for echoes of the client's own sends.
type MessageEvent struct {
	types.Message
	ClientRef string `json:"client_ref,omitempty"`
}

type ReadEvent struct {
	RoomKey  string `json:"room_key"`
	ReaderId string `json:"reader_id"`
}

type TypingEvent struct {
	RoomKey  string `json:"room_key"`
	UserId   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// BookingEvent is the payload of every booking:* event.
type BookingEvent struct {
	Request types.BookingRequest `json:"request"`
}
