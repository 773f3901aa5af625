package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

// DeliveryHandle tracks one optimistic send. The entry is visible in
// the timeline immediately; the handle resolves to sent or failed.
type DeliveryHandle struct {
	TempId  string
	RoomKey string

	mu    sync.Mutex
	state types.DeliveryState
	err   error
	done  chan struct{}
}

func newDeliveryHandle(tempId, roomKey string) *DeliveryHandle {
	return &DeliveryHandle{
		TempId:  tempId,
		RoomKey: roomKey,
		state:   types.DeliveryPending,
		done:    make(chan struct{}),
	}
}

// State returns the current delivery state.
func (h *DeliveryHandle) State() types.DeliveryState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until delivery resolves or ctx is cancelled.
func (h *DeliveryHandle) Wait(ctx context.Context) types.DeliveryState {
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	return h.State()
}

// Err returns the delivery failure once the handle has resolved failed,
// nil otherwise.
func (h *DeliveryHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *DeliveryHandle) resolve(state types.DeliveryState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != types.DeliveryPending {
		return
	}
	h.state = state
	close(h.done)
}

func (h *DeliveryHandle) resolveFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != types.DeliveryPending {
		return
	}
	h.state = types.DeliveryFailed
	h.err = err
	close(h.done)
}

// Send creates an optimistic pending message at the end of the room's
// timeline and attempts delivery: through the live channel when the
// room is joined, through the REST fallback otherwise. The sender sees
// the entry without waiting on the network.
func (c *ConsultClient) Send(ctx context.Context, roomKey, body string) (*DeliveryHandle, error) {
	room, ok := c.Room(roomKey)
	if !ok {
		return nil, types.NewInvalidRequest("unknown room " + roomKey)
	}
	if body == "" {
		return nil, types.NewInvalidRequest("message body cannot be empty")
	}

	// An explicit send ends the local typing indicator.
	if room.typing != nil {
		room.typing.setLocal(false)
	}

	tempId := c.tempId()
	msg := types.Message{
		Id:            tempId,
		RoomKey:       room.Key(),
		SenderType:    c.sender,
		Body:          body,
		CreatedAt:     types.Now(),
		DeliveryState: types.DeliveryPending,
	}

	handle := newDeliveryHandle(tempId, room.Key())
	ack := make(chan types.DeliveryState, 1)
	room.doSync(func() { room.appendOptimistic(msg, ack) })
	c.publishTimeline(room)

	go c.deliver(ctx, room, handle, ack, body)
	return handle, nil
}

// RetrySend re-attempts delivery of a failed optimistic entry. The
// existing timeline slot is reused, never duplicated.
func (c *ConsultClient) RetrySend(ctx context.Context, roomKey, tempId string) (*DeliveryHandle, error) {
	room, ok := c.Room(roomKey)
	if !ok {
		return nil, types.NewInvalidRequest("unknown room " + roomKey)
	}

	var body string
	found := false
	ack := make(chan types.DeliveryState, 1)
	room.doSync(func() {
		for i, existing := range room.timeline {
			if existing.Id == tempId && existing.DeliveryState == types.DeliveryFailed {
				room.timeline[i].DeliveryState = types.DeliveryPending
				room.pendingRefs[tempId] = ack
				body = existing.Body
				found = true
				return
			}
		}
	})
	if !found {
		return nil, types.NewInvalidRequest("no failed message " + tempId)
	}
	c.publishTimeline(room)

	handle := newDeliveryHandle(tempId, room.Key())
	go c.deliver(ctx, room, handle, ack, body)
	return handle, nil
}

func (c *ConsultClient) deliver(ctx context.Context, room *Room, handle *DeliveryHandle,
	ack chan types.DeliveryState, body string) {
	if room.Joined() {
		sent := c.tr.Emit(transport.EventMessageNew, transport.PublishRequest{
			ClientRef: handle.TempId,
			RoomKey:   room.restKey(),
			Body:      body,
		})
		if sent {
			c.awaitEcho(ctx, room, handle, ack)
			return
		}
	}

	c.deliverREST(ctx, room, handle)
}

// awaitEcho waits for the server's echo of the send, which binds the
// optimistic entry to its confirmed id through the timeline merge rule.
func (c *ConsultClient) awaitEcho(ctx context.Context, room *Room, handle *DeliveryHandle,
	ack chan types.DeliveryState) {
	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case state := <-ack:
		c.settle(room, handle, state)
	case <-timer.C:
		// The echo may have landed in the same instant.
		select {
		case state := <-ack:
			c.settle(room, handle, state)
		default:
			c.failDelivery(room, handle, "no acknowledgement within send timeout", nil)
		}
	case <-ctx.Done():
		// The caller is gone; the entry stays failed and retryable.
		c.failDelivery(room, handle, "send cancelled", ctx.Err())
	}
}

// settle resolves a handle from an acknowledged delivery state.
func (c *ConsultClient) settle(room *Room, handle *DeliveryHandle, state types.DeliveryState) {
	if state == types.DeliverySent {
		handle.resolve(state)
		c.stats.Incr(stats.MessagesSent)
	} else {
		handle.resolveFailed(types.NewDeliveryFailure("delivery rejected", nil))
		c.stats.Incr(stats.MessagesFailed)
	}
	c.publishTimeline(room)
}

func (c *ConsultClient) deliverREST(ctx context.Context, room *Room, handle *DeliveryHandle) {
	// A room known only by booking id may not have a chat yet; create
	// it so the REST send has a target.
	if room.ChatId() == "" {
		chatId, err := c.api.CreateChat(ctx, room.BookingId())
		if err != nil {
			c.failDelivery(room, handle, "create chat", err)
			return
		}
		room.mu.Lock()
		room.chatId = chatId
		room.mu.Unlock()
		c.indexRoom(room)
	}

	var body string
	room.doSync(func() {
		for _, existing := range room.timeline {
			if existing.Id == handle.TempId {
				body = existing.Body
				return
			}
		}
	})

	confirmed, err := c.api.SendMessage(ctx, room.restKey(), body)
	if err != nil {
		c.failDelivery(room, handle, "send message", err)
		return
	}
	if ctx.Err() != nil {
		c.failDelivery(room, handle, "send cancelled", ctx.Err())
		return
	}

	room.doSync(func() {
		room.markDelivery(handle.TempId, types.DeliverySent, &confirmed)
	})
	handle.resolve(types.DeliverySent)
	c.stats.Incr(stats.MessagesSent)
	c.publishTimeline(room)
}

// failDelivery marks the entry failed but keeps it visible; the caller
// may retry it with RetrySend. The handle carries the failure as a
// typed delivery error.
func (c *ConsultClient) failDelivery(room *Room, handle *DeliveryHandle, reason string, cause error) {
	c.log.Debug("delivery failed",
		zap.String("room", room.Key()),
		zap.String("temp_id", handle.TempId),
		zap.String("reason", reason),
		zap.Error(cause))

	room.doSync(func() {
		room.markDelivery(handle.TempId, types.DeliveryFailed, nil)
	})
	handle.resolveFailed(types.NewDeliveryFailure(reason, cause))
	c.stats.Incr(stats.MessagesFailed)
	c.publishTimeline(room)
}
