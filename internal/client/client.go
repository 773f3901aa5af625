package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/config"
	"github.com/consultlink/go-consult/internal/events"
	"github.com/consultlink/go-consult/internal/rest"
	"github.com/consultlink/go-consult/internal/retry"
	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

// UI boundary topics published on the client's event bus.
const (
	TopicTimeline   = "timeline"   // payload TimelineUpdate
	TopicTyping     = "typing"     // payload types.TypingState
	TopicConnection = "connection" // payload transport.StateChange
)

type TimelineUpdate struct {
	RoomKey  string
	Messages []types.Message
}

type JoinOptions struct {
	Timeout    time.Duration
	MaxRetries int
	OnProgress func(status string)
}

type JoinResult struct {
	Success bool
	RoomKey string
	Err     error
}

type joinOutcome struct {
	ack transport.JoinAck
	err error
}

// ConsultClient is the synchronization engine behind the consultation
// UI: it owns the room handles, the per-room timelines and the typing
// state, and routes every live event to the right room.
type ConsultClient struct {
	cfg    *config.Config
	log    *zap.Logger
	tr     transport.Transport
	api    rest.ConsultAPI
	stats  stats.StatsProvider
	bus    *events.Bus
	sender types.SenderType

	roomsLock sync.RWMutex
	rooms     map[string]*Room

	joinsLock    sync.Mutex
	pendingJoins map[string]chan joinOutcome

	subs      []*events.Subscription
	closeOnce sync.Once
}

func NewConsultClient(cfg *config.Config, tr transport.Transport, api rest.ConsultAPI,
	st stats.StatsProvider, sender types.SenderType, log *zap.Logger) *ConsultClient {
	c := &ConsultClient{
		cfg:          cfg,
		log:          log,
		tr:           tr,
		api:          api,
		stats:        st,
		bus:          events.NewBus(),
		sender:       sender,
		rooms:        make(map[string]*Room),
		pendingJoins: make(map[string]chan joinOutcome),
	}

	c.subs = append(c.subs,
		tr.On(transport.EventRoomJoined, c.handleRoomJoined),
		tr.On(transport.EventRoomError, c.handleRoomError),
		tr.On(transport.EventMessageNew, c.handleMessageNew),
		tr.On(transport.EventMessageRead, c.handleMessageRead),
		tr.On(transport.EventTypingUpdate, c.handleTypingUpdate),
		tr.On(transport.EventStateChange, c.handleStateChange),
	)

	return c
}

// Events is the subscription surface for the UI.
func (c *ConsultClient) Events() *events.Bus {
	return c.bus
}

// Close cancels all transport subscriptions and shuts down every room.
func (c *ConsultClient) Close() {
	c.closeOnce.Do(func() {
		for _, sub := range c.subs {
			sub.Cancel()
		}
		c.roomsLock.Lock()
		defer c.roomsLock.Unlock()
		for _, r := range c.rooms {
			r.close()
		}
	})
}

// JoinRoom negotiates membership in the room identified by chatId
// and/or bookingId. The server may create the chat lazily when only a
// booking id is known. Joining is an optimization for push delivery,
// not a prerequisite: on failure the caller can still send through the
// REST fallback.
func (c *ConsultClient) JoinRoom(ctx context.Context, chatId, bookingId string, opts JoinOptions) JoinResult {
	if chatId == "" && bookingId == "" {
		return JoinResult{Err: types.NewInvalidRequest("join requires a chat id or a booking id")}
	}

	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.JoinTimeout
	}
	// Zero means the configured default; negative disables retries.
	if opts.MaxRetries == 0 {
		opts.MaxRetries = c.cfg.JoinMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	room := c.roomFor(chatId, bookingId)

	alreadyJoined, alreadyJoining := room.beginJoin()
	if alreadyJoined {
		return JoinResult{Success: true, RoomKey: room.Key()}
	}
	if alreadyJoining {
		return JoinResult{RoomKey: room.Key(),
			Err: types.NewInvalidRequest("join already in progress")}
	}

	policy := retry.Policy{
		MaxAttempts: opts.MaxRetries + 1,
		BaseDelay:   c.cfg.JoinRetryDelay,
	}

	err := policy.Do(ctx, func(attempt int) (bool, error) {
		room.recordAttempt()
		c.progress(opts, attempt, policy.MaxAttempts)
		return c.joinAttempt(ctx, room, opts.Timeout)
	})

	if err != nil {
		room.setNotJoined(err.Error())
		return JoinResult{RoomKey: room.Key(), Err: err}
	}

	c.stats.Incr(stats.RoomsJoined)
	return JoinResult{Success: true, RoomKey: room.Key()}
}

func (c *ConsultClient) joinAttempt(ctx context.Context, room *Room, timeout time.Duration) (bool, error) {
	corr := uuid.NewString()
	outcome := make(chan joinOutcome, 1)

	c.joinsLock.Lock()
	c.pendingJoins[corr] = outcome
	c.joinsLock.Unlock()
	defer func() {
		c.joinsLock.Lock()
		delete(c.pendingJoins, corr)
		c.joinsLock.Unlock()
	}()

	req := transport.JoinRequest{
		CorrelationId: corr,
		ChatId:        room.ChatId(),
		BookingId:     room.BookingId(),
	}
	if !c.tr.Emit(transport.EventRoomJoin, req) {
		return true, types.NewTransportError("live channel unavailable", nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		if out.err != nil {
			return true, out.err
		}
		room.setJoined(out.ack.ChatId)
		c.indexRoom(room)
		return false, nil
	case <-timer.C:
		return true, types.NewJoinTimeout(fmt.Sprintf("no join ack within %s", timeout))
	case <-ctx.Done():
		// A cancelled join must not apply a late ack; the deferred
		// deregistration guarantees that.
		return false, ctx.Err()
	}
}

func (c *ConsultClient) progress(opts JoinOptions, attempt, max int) {
	if opts.OnProgress == nil {
		return
	}
	if attempt == 1 {
		opts.OnProgress("joining room")
	} else {
		opts.OnProgress(fmt.Sprintf("retrying join (%d/%d)", attempt, max))
	}
}

// LeaveRoom always succeeds locally. The server is informed on a best
// effort basis; local state is authoritative for the UI.
func (c *ConsultClient) LeaveRoom(roomKey string) {
	c.roomsLock.Lock()
	room := c.rooms[roomKey]
	if room != nil {
		for key, r := range c.rooms {
			if r == room {
				delete(c.rooms, key)
			}
		}
	}
	c.roomsLock.Unlock()

	if room == nil {
		return
	}

	c.tr.Emit(transport.EventRoomLeave, transport.JoinRequest{
		ChatId:    room.ChatId(),
		BookingId: room.BookingId(),
	})
	room.setNotJoined("")
	room.close()
}

// Room returns the handle for roomKey, if tracked.
func (c *ConsultClient) Room(roomKey string) (*Room, bool) {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	r, ok := c.rooms[roomKey]
	return r, ok
}

// roomFor returns the handle matching the identifiers, creating one
// when none exists yet.
func (c *ConsultClient) roomFor(chatId, bookingId string) *Room {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	for _, r := range c.rooms {
		if r.matches(chatId, bookingId) {
			return r
		}
	}

	room := newRoom(chatId, bookingId, c.log)
	room.typing = newTypingTracker(room.Key(),
		c.cfg.TypingDebounce, c.cfg.TypingIdle, c.cfg.TypingExpiry,
		func(isTyping bool) {
			c.tr.Emit(transport.EventTypingUpdate, transport.TypingEvent{
				RoomKey:  room.restKey(),
				IsTyping: isTyping,
			})
		},
		func(state types.TypingState, active bool) {
			c.bus.Publish(TopicTyping, state)
		},
	)
	c.rooms[room.Key()] = room
	return room
}

// indexRoom makes the room reachable under its resolved chat id as
// well as its original key.
func (c *ConsultClient) indexRoom(room *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	if chatId := room.ChatId(); chatId != "" {
		c.rooms[chatId] = room
	}
}

// LoadHistory fetches the persisted timeline for a room and merges it
// with anything already received live. Safe before, during or after a
// join completes.
func (c *ConsultClient) LoadHistory(ctx context.Context, roomKey string) ([]types.Message, error) {
	room, ok := c.Room(roomKey)
	if !ok {
		return nil, types.NewInvalidRequest("unknown room " + roomKey)
	}

	history, err := c.api.History(ctx, room.restKey())
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	room.doSync(func() { room.applyHistory(history) })
	c.publishTimeline(room)
	return room.Timeline(), nil
}

// SetTyping reports local keystroke activity for a room.
func (c *ConsultClient) SetTyping(roomKey string, isTyping bool) {
	if room, ok := c.Room(roomKey); ok && room.typing != nil {
		room.typing.setLocal(isTyping)
	}
}

// MarkRead marks the room's timeline read. Re-marking an already-read
// timeline is a local no-op with no network call.
func (c *ConsultClient) MarkRead(ctx context.Context, roomKey string) error {
	room, ok := c.Room(roomKey)
	if !ok {
		return types.NewInvalidRequest("unknown room " + roomKey)
	}

	var newest string
	alreadyRead := false
	room.doSync(func() {
		newest = room.newestId()
		alreadyRead = newest == "" || newest == room.lastReadId
	})
	if alreadyRead {
		return nil
	}

	if err := c.api.MarkRead(ctx, room.restKey()); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	room.doSync(func() {
		room.lastReadId = newest
		room.markAllRead()
	})
	c.tr.Emit(transport.EventMessageRead, transport.ReadEvent{RoomKey: room.restKey()})
	c.publishTimeline(room)
	return nil
}

// Resync rejoins every room that was joined before a disconnect and,
// when the outage outlived the grace period, re-pulls histories to
// cover missed pushes. Called by the reconnection supervisor.
func (c *ConsultClient) Resync(ctx context.Context, outage time.Duration) {
	c.roomsLock.RLock()
	var stale []*Room
	seen := make(map[*Room]struct{})
	for _, r := range c.rooms {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		if r.takeRejoinPending() {
			stale = append(stale, r)
		}
	}
	c.roomsLock.RUnlock()

	for _, room := range stale {
		res := c.JoinRoom(ctx, room.ChatId(), room.BookingId(), JoinOptions{})
		if res.Err != nil {
			c.log.Warn("rejoin failed",
				zap.String("room", room.Key()), zap.Error(res.Err))
		}

		if outage > c.cfg.ReconnectGracePeriod {
			if _, err := c.LoadHistory(ctx, room.Key()); err != nil {
				c.log.Warn("history re-pull failed",
					zap.String("room", room.Key()), zap.Error(err))
			}
		}
	}
}

func (c *ConsultClient) publishTimeline(room *Room) {
	c.bus.Publish(TopicTimeline, TimelineUpdate{
		RoomKey:  room.Key(),
		Messages: room.Timeline(),
	})
}

func (c *ConsultClient) tempId() string {
	id, err := shortid.Generate()
	if err != nil {
		id = uuid.NewString()
	}
	return tempIdPrefix + id
}

// roomForEventKey resolves an inbound event's room_key against tracked
// handles; servers address rooms by chat id.
func (c *ConsultClient) roomForEventKey(roomKey string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if r, ok := c.rooms[roomKey]; ok {
		return r
	}
	for _, r := range c.rooms {
		if r.matches(roomKey, "") || r.restKey() == roomKey {
			return r
		}
	}
	return nil
}

func (c *ConsultClient) handleRoomJoined(payload any) {
	var ack transport.JoinAck
	if !decode(payload, &ack) {
		return
	}

	c.joinsLock.Lock()
	outcome, ok := c.pendingJoins[ack.CorrelationId]
	c.joinsLock.Unlock()
	if !ok {
		return
	}

	select {
	case outcome <- joinOutcome{ack: ack}:
	default:
	}
}

func (c *ConsultClient) handleRoomError(payload any) {
	var je transport.JoinError
	if !decode(payload, &je) {
		return
	}

	c.joinsLock.Lock()
	outcome, ok := c.pendingJoins[je.CorrelationId]
	c.joinsLock.Unlock()
	if !ok {
		return
	}

	select {
	case outcome <- joinOutcome{err: types.NewJoinRejected(je.Reason)}:
	default:
	}
}

func (c *ConsultClient) handleMessageNew(payload any) {
	var ev transport.MessageEvent
	if !decode(payload, &ev) {
		return
	}

	room := c.roomForEventKey(ev.RoomKey)
	if room == nil {
		return
	}

	room.doSync(func() { room.applyPush(ev) })
	c.publishTimeline(room)
}

func (c *ConsultClient) handleMessageRead(payload any) {
	var ev transport.ReadEvent
	if !decode(payload, &ev) {
		return
	}

	room := c.roomForEventKey(ev.RoomKey)
	if room == nil {
		return
	}

	room.doSync(func() { room.markAllRead() })
	c.publishTimeline(room)
}

func (c *ConsultClient) handleTypingUpdate(payload any) {
	var ev transport.TypingEvent
	if !decode(payload, &ev) {
		return
	}

	room := c.roomForEventKey(ev.RoomKey)
	if room == nil || room.typing == nil {
		return
	}
	room.typing.setRemote(ev.IsTyping)
}

func (c *ConsultClient) handleStateChange(payload any) {
	sc, ok := payload.(transport.StateChange)
	if !ok {
		return
	}

	if sc.State != types.Connected {
		c.roomsLock.RLock()
		for _, r := range c.rooms {
			r.suspendJoin()
		}
		c.roomsLock.RUnlock()
	}

	c.bus.Publish(TopicConnection, sc)
}

// decode unwraps a raw JSON payload from the transport bus.
func decode(payload any, out any) bool {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
