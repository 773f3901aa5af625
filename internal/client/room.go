package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

// opsBuffer bounds the per-room mutation queue.
const opsBuffer = 256

// joinState is the room join state machine: NotJoined -> Joining ->
// Joined, back to NotJoined on failure, leave or disconnect.
type joinState int

const (
	notJoined joinState = iota
	joining
	joined
)

// Room is the handle for one conversation. Every timeline mutation is
// funnelled through the ops channel and applied by a single goroutine,
// so mutations happen in submission order no matter which network
// callback produced them.
type Room struct {
	// key is the stable local identifier handed back to callers. It is
	// the chat id when known at creation, else derived from the booking.
	key       string
	chatId    string
	bookingId string

	mu           sync.Mutex
	state        joinState
	joinAttempts int
	lastError    string
	// rejoinPending marks a room that was joined when the transport
	// dropped and must be rejoined after recovery.
	rejoinPending bool

	// Fields below are owned by the run loop and must only be touched
	// inside ops closures.
	historyLoaded bool
	timeline      []types.Message
	buffered      []transport.MessageEvent
	// optimistic entries not yet bound to a server id, by temp id
	pendingRefs map[string]chan types.DeliveryState
	lastReadId  string

	typing *typingTracker

	ops      chan func()
	closed   chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

func newRoom(chatId, bookingId string, log *zap.Logger) *Room {
	key := chatId
	if key == "" {
		key = "booking:" + bookingId
	}

	r := &Room{
		key:         key,
		chatId:      chatId,
		bookingId:   bookingId,
		pendingRefs: make(map[string]chan types.DeliveryState),
		ops:         make(chan func(), opsBuffer),
		closed:      make(chan struct{}),
		log:         log.With(zap.String("room", key)),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.closed:
			return
		}
	}
}

// do submits a mutation to the room's serialization point. It returns
// false when the room is already closed.
func (r *Room) do(op func()) bool {
	select {
	case <-r.closed:
		return false
	default:
	}

	select {
	case r.ops <- op:
		return true
	case <-r.closed:
		return false
	}
}

// doSync runs op on the loop and waits for it to complete.
func (r *Room) doSync(op func()) bool {
	done := make(chan struct{})
	if !r.do(func() {
		op()
		close(done)
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-r.closed:
		return false
	}
}

func (r *Room) close() {
	r.stopOnce.Do(func() {
		if r.typing != nil {
			r.typing.stop()
		}
		close(r.closed)
	})
}

// Key returns the stable room key for this handle.
func (r *Room) Key() string { return r.key }

// ChatId returns the resolved chat id, empty until the server resolves
// or creates the chat.
func (r *Room) ChatId() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatId
}

func (r *Room) BookingId() string { return r.bookingId }

func (r *Room) Joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == joined
}

func (r *Room) JoinAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinAttempts
}

func (r *Room) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// restKey is the identifier used on the REST boundary: the resolved
// chat id when available, else the booking id.
func (r *Room) restKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chatId != "" {
		return r.chatId
	}
	return r.bookingId
}

// matches reports whether this handle refers to the given identifiers.
func (r *Room) matches(chatId, bookingId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chatId != "" && r.chatId == chatId {
		return true
	}
	if bookingId != "" && r.bookingId == bookingId {
		return true
	}
	return false
}

func (r *Room) setJoined(chatId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chatId != "" {
		r.chatId = chatId
	}
	r.state = joined
	r.lastError = ""
}

func (r *Room) setNotJoined(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = notJoined
	if reason != "" {
		r.lastError = reason
	}
}

func (r *Room) beginJoin() (alreadyJoined, alreadyJoining bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case joined:
		return true, false
	case joining:
		return false, true
	}
	r.state = joining
	return false, false
}

// suspendJoin demotes a joined room when the transport drops, flagging
// it for automatic rejoin after recovery.
func (r *Room) suspendJoin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == joined {
		r.rejoinPending = true
		r.state = notJoined
	}
}

// takeRejoinPending consumes the rejoin flag.
func (r *Room) takeRejoinPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.rejoinPending
	r.rejoinPending = false
	return pending
}

func (r *Room) recordAttempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinAttempts++
	return r.joinAttempts
}

// Timeline returns a copy of the ordered, deduplicated timeline.
func (r *Room) Timeline() []types.Message {
	var snapshot []types.Message
	r.doSync(func() {
		snapshot = make([]types.Message, len(r.timeline))
		copy(snapshot, r.timeline)
	})
	return snapshot
}

// TypingState returns the peer's current typing state, if any.
func (r *Room) TypingState() (types.TypingState, bool) {
	if r.typing == nil {
		return types.TypingState{}, false
	}
	return r.typing.remoteState()
}

// optimisticWindow bounds how far apart an optimistic echo and its
// confirmed message may be and still refer to the same send.
const optimisticWindow = 30 * time.Second
