package rest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/consultlink/go-consult/internal/types"
)

type MockConsultAPI struct {
	mock.Mock
}

var _ ConsultAPI = (*MockConsultAPI)(nil)

func (m *MockConsultAPI) History(ctx context.Context, roomKey string) ([]types.Message, error) {
	args := m.Called(ctx, roomKey)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConsultAPI) CreateChat(ctx context.Context, bookingId string) (string, error) {
	args := m.Called(ctx, bookingId)
	return args.String(0), args.Error(1)
}

func (m *MockConsultAPI) MarkRead(ctx context.Context, roomKey string) error {
	args := m.Called(ctx, roomKey)
	return args.Error(0)
}

func (m *MockConsultAPI) SendMessage(ctx context.Context, roomKey, body string) (types.Message, error) {
	args := m.Called(ctx, roomKey, body)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockConsultAPI) PendingBookingRequests(ctx context.Context) ([]types.BookingRequest, error) {
	args := m.Called(ctx)
	if reqs, ok := args.Get(0).([]types.BookingRequest); ok {
		return reqs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConsultAPI) AcceptBooking(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockConsultAPI) RejectBooking(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
