package client

import (
	"sort"
	"strings"
	"time"

	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

// Timeline mutations. Every function in this file runs inside the
// room's ops loop; none may be called from outside it.

// applyHistory merges a REST-fetched history with whatever arrived live
// while the fetch was in flight, then drains the buffer of pushes that
// were held back until history resolved.
func (r *Room) applyHistory(history []types.Message) {
	for _, msg := range history {
		msg.DeliveryState = types.DeliverySent
		r.insertOrReplace(msg, "")
	}
	r.historyLoaded = true

	buffered := r.buffered
	r.buffered = nil
	for _, ev := range buffered {
		r.applyPush(ev)
	}
}

// applyPush applies one live message event. Before history has loaded
// the event is buffered so the timeline never shows a gap in front of
// the oldest fetched item.
func (r *Room) applyPush(ev transport.MessageEvent) {
	if !r.historyLoaded {
		r.buffered = append(r.buffered, ev)
		return
	}

	msg := ev.Message
	msg.DeliveryState = types.DeliverySent
	r.insertOrReplace(msg, ev.ClientRef)
}

// insertOrReplace is the single merge rule for the timeline: replace by
// id, bind an optimistic echo, or insert in (createdAt, id) order.
func (r *Room) insertOrReplace(msg types.Message, clientRef string) {
	// Same server id: update in place.
	for i, existing := range r.timeline {
		if existing.Id == msg.Id && msg.Id != "" {
			r.timeline[i] = msg
			return
		}
	}

	// Echo of one of our optimistic sends: replace the pending entry in
	// its slot, then re-sort since the server timestamp is canonical.
	if idx := r.findOptimistic(msg, clientRef); idx >= 0 {
		tempId := r.timeline[idx].Id
		r.timeline[idx] = msg
		r.resolvePending(tempId, types.DeliverySent)
		r.sortTimeline()
		return
	}

	r.timeline = append(r.timeline, msg)
	r.sortTimeline()
}

// findOptimistic locates a pending local echo for msg: by explicit
// client ref when the server echoes it, otherwise by sender, body and a
// short time window.
func (r *Room) findOptimistic(msg types.Message, clientRef string) int {
	for i, existing := range r.timeline {
		if existing.DeliveryState != types.DeliveryPending || !isTempId(existing.Id) {
			continue
		}
		if clientRef != "" && existing.Id == clientRef {
			return i
		}
		if clientRef == "" &&
			existing.SenderType == msg.SenderType &&
			existing.Body == msg.Body &&
			absDuration(msg.CreatedAt.Sub(existing.CreatedAt)) <= optimisticWindow {
			return i
		}
	}
	return -1
}

// appendOptimistic inserts a pending local echo at the end of the
// timeline and registers its temp id for later binding.
func (r *Room) appendOptimistic(msg types.Message, ack chan types.DeliveryState) {
	r.timeline = append(r.timeline, msg)
	r.pendingRefs[msg.Id] = ack
}

// markDelivery transitions an optimistic entry's delivery state in
// place. Binding to the server id happens in insertOrReplace; this
// handles sent-via-REST and failed outcomes.
func (r *Room) markDelivery(tempId string, state types.DeliveryState, confirmed *types.Message) {
	for i, existing := range r.timeline {
		if existing.Id != tempId {
			continue
		}
		if confirmed != nil {
			m := *confirmed
			m.DeliveryState = types.DeliverySent
			r.timeline[i] = m
			r.sortTimeline()
		} else {
			r.timeline[i].DeliveryState = state
		}
		break
	}
	r.resolvePending(tempId, state)
}

func (r *Room) resolvePending(tempId string, state types.DeliveryState) {
	if ack, ok := r.pendingRefs[tempId]; ok {
		delete(r.pendingRefs, tempId)
		select {
		case ack <- state:
		default:
		}
	}
}

// markAllRead flags every delivered message as read by the
// professional. Applying it twice is harmless.
func (r *Room) markAllRead() {
	for i := range r.timeline {
		if r.timeline[i].DeliveryState != types.DeliveryPending {
			r.timeline[i].ReadByProfessional = true
		}
	}
}

func (r *Room) sortTimeline() {
	sort.SliceStable(r.timeline, func(i, j int) bool {
		return r.timeline[i].Before(r.timeline[j])
	})
}

// newestId returns the id of the newest non-pending message.
func (r *Room) newestId() string {
	for i := len(r.timeline) - 1; i >= 0; i-- {
		if !isTempId(r.timeline[i].Id) {
			return r.timeline[i].Id
		}
	}
	return ""
}

const tempIdPrefix = "tmp-"

func isTempId(id string) bool {
	return strings.HasPrefix(id, tempIdPrefix)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
