package booking

import (
	"context"

	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/types"
)

// Accept actions a pending request. The removal from the pending set is
// optimistic and rolled back if the REST call fails, unless another
// session already actioned the request, in which case the server's view
// wins and the call reports success. Retrying an accept that is already
// resolved or in flight is a no-op with no further server-visible effect.
func (b *Broker) Accept(ctx context.Context, requestId string) error {
	return b.action(ctx, requestId, types.BookingAccepted)
}

// Reject mirrors Accept with the opposite outcome.
func (b *Broker) Reject(ctx context.Context, requestId string) error {
	return b.action(ctx, requestId, types.BookingRejected)
}

func (b *Broker) action(ctx context.Context, requestId string, status types.BookingStatus) error {
	b.mu.Lock()
	if _, busy := b.inflight[requestId]; busy {
		// A duplicate of an in-flight action; the first call owns the
		// outcome.
		b.mu.Unlock()
		return nil
	}

	idx := b.indexLocked(requestId)
	if idx < 0 {
		// Already actioned or never known; idempotent success.
		b.mu.Unlock()
		return nil
	}

	req := b.pending[idx]
	b.pending = append(b.pending[:idx], b.pending[idx+1:]...)
	b.inflight[requestId] = status
	b.mu.Unlock()

	b.publish()

	var err error
	switch status {
	case types.BookingAccepted:
		err = b.api.AcceptBooking(ctx, requestId)
	default:
		err = b.api.RejectBooking(ctx, requestId)
	}

	b.mu.Lock()
	delete(b.inflight, requestId)

	if err != nil && !types.IsKind(err, types.KindActionConflict) {
		// Rollback: restore the request at its original slot so
		// arrival order survives the failed attempt.
		if idx > len(b.pending) {
			idx = len(b.pending)
		}
		b.pending = append(b.pending[:idx],
			append([]types.BookingRequest{req}, b.pending[idx:]...)...)
		b.mu.Unlock()

		b.publish()
		return err
	}
	b.mu.Unlock()

	if types.IsKind(err, types.KindActionConflict) {
		// Raced by another session; the request is gone either way.
		b.log.Info("booking already actioned elsewhere",
			zap.String("request_id", requestId))
	}

	switch status {
	case types.BookingAccepted:
		b.stats.Incr(stats.BookingsAccepted)
	default:
		b.stats.Incr(stats.BookingsRejected)
	}

	b.publish()
	return nil
}

func (b *Broker) indexLocked(id string) int {
	for i, existing := range b.pending {
		if existing.Id == id {
			return i
		}
	}
	return -1
}
