package booking

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/events"
	"github.com/consultlink/go-consult/internal/rest"
	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

// TopicPending is published on the broker's bus after every change to
// the pending set. Payload: []types.BookingRequest in arrival order.
const TopicPending = "bookings:pending"

// Broker holds the authoritative in-memory set of pending booking
// requests, merging push events with REST refreshes. All mutation
// funnels through the broker's lock, so at most one mutation is in
// flight against the pending set at a time.
type Broker struct {
	api   rest.ConsultAPI
	log   *zap.Logger
	stats stats.StatsProvider
	bus   *events.Bus

	mu sync.Mutex
	// pending is kept in arrival order, oldest first, deduplicated by id.
	pending []types.BookingRequest
	// inflight tracks requests whose accept/reject has been issued but
	// not yet resolved. A refresh must not resurrect them.
	inflight map[string]types.BookingStatus

	subs      []*events.Subscription
	closeOnce sync.Once
}

func NewBroker(api rest.ConsultAPI, tr transport.Transport, st stats.StatsProvider, log *zap.Logger) *Broker {
	b := &Broker{
		api:      api,
		log:      log,
		stats:    st,
		bus:      events.NewBus(),
		inflight: make(map[string]types.BookingStatus),
	}

	b.subs = append(b.subs,
		tr.On(transport.EventBookingCreated, b.handleCreated),
		tr.On(transport.EventBookingCancelled, b.handleRemoved),
		tr.On(transport.EventBookingExpired, b.handleRemoved),
	)

	return b
}

// Events is the subscription surface for the UI.
func (b *Broker) Events() *events.Bus {
	return b.bus
}

func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		for _, sub := range b.subs {
			sub.Cancel()
		}
	})
}

// Pending returns the pending set in arrival order, or newest first
// when recencyFirst is set. The broker stores insertion order; sorting
// is the caller's choice.
func (b *Broker) Pending(recencyFirst bool) []types.BookingRequest {
	b.mu.Lock()
	out := make([]types.BookingRequest, len(b.pending))
	copy(out, b.pending)
	b.mu.Unlock()

	if recencyFirst {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		})
	}
	return out
}

// Refresh pulls the authoritative pending set and replaces the broker's
// copy entirely, except for requests with an accept/reject in flight:
// those keep their optimistic removal until the call resolves, so a
// request the user already actioned never flickers back.
func (b *Broker) Refresh(ctx context.Context) ([]types.BookingRequest, error) {
	fetched, err := b.api.PendingBookingRequests(ctx)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.mu.Lock()
	replacement := make([]types.BookingRequest, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	for _, req := range fetched {
		if req.Status != types.BookingPending {
			continue
		}
		if _, dup := seen[req.Id]; dup {
			continue
		}
		if _, busy := b.inflight[req.Id]; busy {
			continue
		}
		seen[req.Id] = struct{}{}
		replacement = append(replacement, req)
	}
	b.pending = replacement
	b.mu.Unlock()

	b.publish()
	return b.Pending(false), nil
}

func (b *Broker) publish() {
	b.bus.Publish(TopicPending, b.Pending(false))
}

func (b *Broker) handleCreated(payload any) {
	var ev transport.BookingEvent
	if !decodeEvent(payload, &ev) {
		return
	}
	req := ev.Request
	if req.Status == "" {
		req.Status = types.BookingPending
	}
	if req.Status != types.BookingPending {
		return
	}

	b.mu.Lock()
	if _, busy := b.inflight[req.Id]; busy {
		b.mu.Unlock()
		return
	}
	replaced := false
	for i, existing := range b.pending {
		if existing.Id == req.Id {
			// A push duplicate updates in place rather than appending.
			b.pending[i] = req
			replaced = true
			break
		}
	}
	if !replaced {
		b.pending = append(b.pending, req)
	}
	b.mu.Unlock()

	b.publish()
}

// handleRemoved covers booking:cancelled and booking:expired. Unknown
// ids are ignored, not errors.
func (b *Broker) handleRemoved(payload any) {
	var ev transport.BookingEvent
	if !decodeEvent(payload, &ev) {
		return
	}

	b.mu.Lock()
	removed := b.removeLocked(ev.Request.Id) >= 0
	b.mu.Unlock()

	if removed {
		b.publish()
	}
}

// removeLocked removes the request by id, returning its former index,
// or -1 when absent.
func (b *Broker) removeLocked(id string) int {
	for i, existing := range b.pending {
		if existing.Id == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return i
		}
	}
	return -1
}

func decodeEvent(payload any, out any) bool {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
