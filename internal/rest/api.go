package rest

import (
	"context"

	"github.com/consultlink/go-consult/internal/types"
)

// ConsultAPI is the REST boundary consumed by the engine. Implementations
// must report every non-success payload as an error so callers never have
// to inspect a response envelope.
type ConsultAPI interface {
	History(ctx context.Context, roomKey string) ([]types.Message, error)
	CreateChat(ctx context.Context, bookingId string) (string, error)
	MarkRead(ctx context.Context, roomKey string) error
	SendMessage(ctx context.Context, roomKey, body string) (types.Message, error)
	PendingBookingRequests(ctx context.Context) ([]types.BookingRequest, error)
	AcceptBooking(ctx context.Context, id string) error
	RejectBooking(ctx context.Context, id string) error
}
