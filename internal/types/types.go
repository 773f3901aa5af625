package types

import (
	"time"
)

// Session carries the credentials issued by the auth collaborator. The
// engine never mutates it; a changed session means tear down and redial.
type Session struct {
	AuthToken     string `json:"auth_token"`
	PrincipalId   string `json:"principal_id"`
	PrincipalRole string `json:"principal_role"`
}

// Equal reports whether two sessions identify the same authenticated
// principal with the same token.
func (s Session) Equal(other Session) bool {
	return s.AuthToken == other.AuthToken &&
		s.PrincipalId == other.PrincipalId &&
		s.PrincipalRole == other.PrincipalRole
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type SenderType string

const (
	SenderRequester    SenderType = "requester"
	SenderProfessional SenderType = "professional"
	SenderSystem       SenderType = "system"
)

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

type Message struct {
	Id                 string        `json:"id"`
	RoomKey            string        `json:"room_key"`
	SenderType         SenderType    `json:"sender_type"`
	Body               string        `json:"body"`
	CreatedAt          time.Time     `json:"created_at"`
	ReadByProfessional bool          `json:"read_by_professional"`
	DeliveryState      DeliveryState `json:"delivery_state,omitempty"`
}

// Before orders messages by (CreatedAt, Id), the timeline sort key.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Id < other.Id
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

type TypingState struct {
	RoomKey   string    `json:"room_key"`
	IsTyping  bool      `json:"is_typing"`
	ExpiresAt time.Time `json:"expires_at"`
}

type BookingStatus string

const (
	BookingPending  BookingStatus = "pending"
	BookingAccepted BookingStatus = "accepted"
	BookingRejected BookingStatus = "rejected"
	BookingExpired  BookingStatus = "expired"
)

type BookingRequest struct {
	Id             string        `json:"id"`
	RequesterId    string        `json:"requester_id"`
	ProfessionalId string        `json:"professional_id"`
	Status         BookingStatus `json:"status"`
	RequestedAt    time.Time     `json:"requested_at"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
