package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/consultlink/go-consult/internal/config"
	"github.com/consultlink/go-consult/internal/rest"
	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/testutil"
	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		WSURL:                "wss://rt.test/ws",
		RESTURL:              "https://api.test",
		JoinTimeout:          50 * time.Millisecond,
		JoinMaxRetries:       3,
		JoinRetryDelay:       time.Millisecond,
		SendTimeout:          250 * time.Millisecond,
		TypingDebounce:       50 * time.Millisecond,
		TypingIdle:           60 * time.Millisecond,
		TypingExpiry:         80 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		ReconnectGracePeriod: 10 * time.Millisecond,
	}
}

type fixture struct {
	client *ConsultClient
	tr     *transport.Fake
	api    *rest.MockConsultAPI
	st     *stats.MockStatsUpdater
}

func newFixture(t *testing.T) *fixture {
	tr := transport.NewFake()
	api := new(rest.MockConsultAPI)
	st := &stats.MockStatsUpdater{}
	c := NewConsultClient(testConfig(), tr, api, st, types.SenderProfessional,
		testutil.TestLogger(t))
	t.Cleanup(c.Close)
	return &fixture{client: c, tr: tr, api: api, st: st}
}

// ackJoins answers every join request immediately, resolving the chat
// id the way the server would.
func ackJoins(tr *transport.Fake, chatId string) {
	tr.EmitHook = func(event string, payload any) {
		if event != transport.EventRoomJoin {
			return
		}
		req := payload.(transport.JoinRequest)
		resolved := req.ChatId
		if resolved == "" {
			resolved = chatId
		}
		tr.Push(transport.EventRoomJoined, transport.JoinAck{
			CorrelationId: req.CorrelationId,
			RoomKey:       resolved,
			ChatId:        resolved,
		})
	}
}

func countJoinEmits(tr *transport.Fake) int {
	n := 0
	for _, e := range tr.Emitted() {
		if e.Event == transport.EventRoomJoin {
			n++
		}
	}
	return n
}

func TestJoinRoomRequiresIdentifier(t *testing.T) {
	f := newFixture(t)

	res := f.client.JoinRoom(context.Background(), "", "", JoinOptions{})
	require.Error(t, res.Err)
	assert.True(t, types.IsKind(res.Err, types.KindInvalidRequest))
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")

	res := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "chat-1", res.RoomKey)

	room, ok := f.client.Room("chat-1")
	require.True(t, ok)
	assert.True(t, room.Joined())
	assert.Equal(t, 1, f.st.Count(stats.RoomsJoined))
}

func TestJoinRoomIdempotent(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")

	first := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{})
	require.True(t, first.Success)
	second := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{})
	require.True(t, second.Success)

	assert.Equal(t, 1, countJoinEmits(f.tr), "a joined room must not renegotiate")
}

func TestJoinRoomRetriesUntilRoomExists(t *testing.T) {
	f := newFixture(t)

	// The consultation room does not exist on the first attempt; the
	// server acks the second.
	var mu sync.Mutex
	attempts := 0
	f.tr.EmitHook = func(event string, payload any) {
		if event != transport.EventRoomJoin {
			return
		}
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return // no ack, let the attempt time out
		}
		req := payload.(transport.JoinRequest)
		f.tr.Push(transport.EventRoomJoined, transport.JoinAck{
			CorrelationId: req.CorrelationId,
			RoomKey:       "chat-1",
			ChatId:        "chat-1",
		})
	}

	var progress []string
	res := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{
		MaxRetries: 3,
		OnProgress: func(status string) { progress = append(progress, status) },
	})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)

	room, _ := f.client.Room("chat-1")
	assert.Equal(t, 2, room.JoinAttempts())
	require.Len(t, progress, 2, "caller sees one progress update per attempt")
	assert.Equal(t, "joining room", progress[0])
	assert.Equal(t, "retrying join (2/4)", progress[1])
}

func TestJoinRoomExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	// No hook: every attempt times out.

	res := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{MaxRetries: 1})
	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.True(t, types.IsKind(res.Err, types.KindJoinTimeout))
	assert.Equal(t, 2, countJoinEmits(f.tr))

	room, _ := f.client.Room("chat-1")
	assert.False(t, room.Joined())
	assert.NotEmpty(t, room.LastError())
}

func TestJoinRoomRejected(t *testing.T) {
	f := newFixture(t)
	f.tr.EmitHook = func(event string, payload any) {
		if event != transport.EventRoomJoin {
			return
		}
		req := payload.(transport.JoinRequest)
		f.tr.Push(transport.EventRoomError, transport.JoinError{
			CorrelationId: req.CorrelationId,
			Reason:        "not a participant",
		})
	}

	res := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{MaxRetries: -1})
	require.Error(t, res.Err)
	assert.True(t, types.IsKind(res.Err, types.KindJoinRejected))
}

func TestJoinRoomResolvesChatFromBooking(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "chat-77")

	res := f.client.JoinRoom(context.Background(), "", "bk-1", JoinOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, "booking:bk-1", res.RoomKey, "the local key survives chat resolution")

	room, ok := f.client.Room("booking:bk-1")
	require.True(t, ok)
	assert.Equal(t, "chat-77", room.ChatId())

	// The resolved chat id addresses the same handle.
	alias, ok := f.client.Room("chat-77")
	require.True(t, ok)
	assert.Same(t, room, alias)
}

func TestLateAckAfterCancelledJoinIgnored(t *testing.T) {
	f := newFixture(t)

	var corr string
	var mu sync.Mutex
	f.tr.EmitHook = func(event string, payload any) {
		if event != transport.EventRoomJoin {
			return
		}
		mu.Lock()
		corr = payload.(transport.JoinRequest).CorrelationId
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := f.client.JoinRoom(ctx, "chat-1", "", JoinOptions{Timeout: time.Second})
	require.Error(t, res.Err)

	mu.Lock()
	late := corr
	mu.Unlock()
	f.tr.Push(transport.EventRoomJoined, transport.JoinAck{
		CorrelationId: late, RoomKey: "chat-1", ChatId: "chat-1",
	})

	room, _ := f.client.Room("chat-1")
	assert.False(t, room.Joined(), "an ack for a cancelled join must not apply")
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")

	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)
	f.client.LeaveRoom("chat-1")

	_, ok := f.client.Room("chat-1")
	assert.False(t, ok)

	var leaves int
	for _, e := range f.tr.Emitted() {
		if e.Event == transport.EventRoomLeave {
			leaves++
		}
	}
	assert.Equal(t, 1, leaves)
}

func TestSendLiveEcho(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	f.api.On("History", mock.Anything, "chat-1").Return([]types.Message{}, nil)

	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)
	_, err := f.client.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)

	// The server echoes each publish back with the client ref bound to
	// a confirmed id.
	f.tr.EmitHook = func(event string, payload any) {
		if event != transport.EventMessageNew {
			return
		}
		req := payload.(transport.PublishRequest)
		f.tr.Push(transport.EventMessageNew, transport.MessageEvent{
			Message: types.Message{
				Id:         "srv-1",
				RoomKey:    req.RoomKey,
				SenderType: types.SenderProfessional,
				Body:       req.Body,
				CreatedAt:  types.Now(),
			},
			ClientRef: req.ClientRef,
		})
	}

	handle, err := f.client.Send(context.Background(), "chat-1", "hello")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Equal(t, types.DeliverySent, handle.Wait(ctx))

	room, _ := f.client.Room("chat-1")
	timeline := room.Timeline()
	require.Len(t, timeline, 1, "the echo replaces the optimistic entry")
	assert.Equal(t, "srv-1", timeline[0].Id)
	f.api.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendFallsBackToRESTWhenNotJoined(t *testing.T) {
	f := newFixture(t)
	f.api.On("History", mock.Anything, "chat-1").Return([]types.Message{}, nil)
	f.api.On("SendMessage", mock.Anything, "chat-1", "hello").Return(types.Message{
		Id:        "srv-9",
		RoomKey:   "chat-1",
		Body:      "hello",
		CreatedAt: types.Now(),
	}, nil)

	// The join never completes; the room handle still exists.
	res := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{MaxRetries: -1})
	require.Error(t, res.Err)
	_, err := f.client.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)

	handle, err := f.client.Send(context.Background(), "chat-1", "hello")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Equal(t, types.DeliverySent, handle.Wait(ctx))

	room, _ := f.client.Room("chat-1")
	timeline := room.Timeline()
	require.Len(t, timeline, 1)
	assert.Equal(t, "srv-9", timeline[0].Id)
	f.api.AssertCalled(t, "SendMessage", mock.Anything, "chat-1", "hello")
}

func TestSendCreatesChatForBookingOnlyRoom(t *testing.T) {
	f := newFixture(t)
	f.api.On("History", mock.Anything, "bk-1").Return([]types.Message{}, nil)
	f.api.On("CreateChat", mock.Anything, "bk-1").Return("chat-9", nil)
	f.api.On("SendMessage", mock.Anything, "chat-9", "hi").Return(types.Message{
		Id: "srv-5", RoomKey: "chat-9", Body: "hi", CreatedAt: types.Now(),
	}, nil)

	res := f.client.JoinRoom(context.Background(), "", "bk-1", JoinOptions{MaxRetries: -1})
	require.Error(t, res.Err, "join fails, REST path takes over")
	_, err := f.client.LoadHistory(context.Background(), "booking:bk-1")
	require.NoError(t, err)

	handle, err := f.client.Send(context.Background(), "booking:bk-1", "hi")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Equal(t, types.DeliverySent, handle.Wait(ctx))

	room, ok := f.client.Room("chat-9")
	require.True(t, ok, "the room is reachable under the lazily created chat id")
	assert.Equal(t, "chat-9", room.ChatId())
}

func TestSendTimeoutSurfacesDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	f.api.On("History", mock.Anything, "chat-1").Return([]types.Message{}, nil)

	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)
	_, err := f.client.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)

	// The live publish goes out but the server never echoes it back.
	handle, err := f.client.Send(context.Background(), "chat-1", "hello")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Equal(t, types.DeliveryFailed, handle.Wait(ctx))
	assert.True(t, types.IsKind(handle.Err(), types.KindDeliveryFailure),
		"an unacknowledged send resolves with a typed delivery failure")

	room, _ := f.client.Room("chat-1")
	timeline := room.Timeline()
	require.Len(t, timeline, 1, "the failed entry stays visible for retry")
	assert.Equal(t, types.DeliveryFailed, timeline[0].DeliveryState)
	assert.Equal(t, 1, f.st.Count(stats.MessagesFailed))
	assert.Equal(t, 0, f.st.Count(stats.MessagesSent))
}

func TestRetrySendReusesSlot(t *testing.T) {
	f := newFixture(t)
	f.api.On("History", mock.Anything, "chat-1").Return([]types.Message{}, nil)
	f.api.On("SendMessage", mock.Anything, "chat-1", "flaky").
		Return(types.Message{}, types.NewTransportError("boom", nil)).Once()
	f.api.On("SendMessage", mock.Anything, "chat-1", "flaky").Return(types.Message{
		Id: "srv-2", RoomKey: "chat-1", Body: "flaky", CreatedAt: types.Now(),
	}, nil).Once()

	res := f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{MaxRetries: -1})
	require.Error(t, res.Err)
	_, err := f.client.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, err := f.client.Send(context.Background(), "chat-1", "flaky")
	require.NoError(t, err)
	require.Equal(t, types.DeliveryFailed, handle.Wait(ctx))
	assert.True(t, types.IsKind(handle.Err(), types.KindDeliveryFailure))

	retry, err := f.client.RetrySend(context.Background(), "chat-1", handle.TempId)
	require.NoError(t, err)
	require.Equal(t, types.DeliverySent, retry.Wait(ctx))

	room, _ := f.client.Room("chat-1")
	timeline := room.Timeline()
	require.Len(t, timeline, 1, "retry reuses the failed slot, never duplicates")
	assert.Equal(t, "srv-2", timeline[0].Id)
}

func TestSendEmptyBody(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)

	_, err := f.client.Send(context.Background(), "chat-1", "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidRequest))
}

func TestMarkReadIdempotent(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	f.api.On("History", mock.Anything, "chat-1").Return([]types.Message{
		{Id: "m1", RoomKey: "chat-1", Body: "hello", CreatedAt: types.Now()},
	}, nil)
	f.api.On("MarkRead", mock.Anything, "chat-1").Return(nil)

	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)
	_, err := f.client.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)

	require.NoError(t, f.client.MarkRead(context.Background(), "chat-1"))
	require.NoError(t, f.client.MarkRead(context.Background(), "chat-1"))

	f.api.AssertNumberOfCalls(t, "MarkRead", 1)

	room, _ := f.client.Room("chat-1")
	assert.True(t, room.Timeline()[0].ReadByProfessional)
}

func TestMarkReadEmptyTimelineNoNetworkCall(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	f.api.On("History", mock.Anything, "chat-1").Return([]types.Message{}, nil)

	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)
	_, err := f.client.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)

	require.NoError(t, f.client.MarkRead(context.Background(), "chat-1"))
	f.api.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything)
}

func TestDisconnectSuspendsJoinedRooms(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")

	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)
	require.True(t, f.client.JoinRoom(context.Background(), "chat-2", "", JoinOptions{}).Success)

	f.tr.SetState(types.Disconnected)
	f.tr.PushState(transport.StateChange{State: types.Disconnected, Requested: false})

	for _, key := range []string{"chat-1", "chat-2"} {
		room, _ := f.client.Room(key)
		assert.False(t, room.Joined(), "rooms demote on transport loss")
	}
}

func TestResyncRejoinsAndRepulls(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	for _, key := range []string{"chat-1", "chat-2", "chat-3"} {
		f.api.On("History", mock.Anything, key).Return([]types.Message{}, nil)
		require.True(t, f.client.JoinRoom(context.Background(), key, "", JoinOptions{}).Success)
	}
	joinsBefore := countJoinEmits(f.tr)

	f.tr.SetState(types.Disconnected)
	f.tr.PushState(transport.StateChange{State: types.Disconnected, Requested: false})
	f.tr.SetState(types.Connected)

	// The outage outlived the grace period, so histories re-pull too.
	f.client.Resync(context.Background(), time.Minute)

	assert.Equal(t, joinsBefore+3, countJoinEmits(f.tr), "every joined room rejoins")
	for _, key := range []string{"chat-1", "chat-2", "chat-3"} {
		room, _ := f.client.Room(key)
		assert.True(t, room.Joined())
		f.api.AssertCalled(t, "History", mock.Anything, key)
	}
}

func TestResyncShortOutageSkipsHistory(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)

	f.tr.SetState(types.Disconnected)
	f.tr.PushState(transport.StateChange{State: types.Disconnected, Requested: false})
	f.tr.SetState(types.Connected)

	f.client.Resync(context.Background(), time.Millisecond)

	room, _ := f.client.Room("chat-1")
	assert.True(t, room.Joined())
	f.api.AssertNotCalled(t, "History", mock.Anything, mock.Anything)
}

func TestTimelineUpdatesPublished(t *testing.T) {
	f := newFixture(t)
	ackJoins(f.tr, "")
	f.api.On("History", mock.Anything, "chat-1").Return([]types.Message{}, nil)

	var mu sync.Mutex
	var updates []TimelineUpdate
	f.client.Events().Subscribe(TopicTimeline, func(payload any) {
		mu.Lock()
		updates = append(updates, payload.(TimelineUpdate))
		mu.Unlock()
	})

	require.True(t, f.client.JoinRoom(context.Background(), "chat-1", "", JoinOptions{}).Success)
	_, err := f.client.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)

	f.tr.Push(transport.EventMessageNew, transport.MessageEvent{
		Message: types.Message{Id: "m1", RoomKey: "chat-1", Body: "hi", CreatedAt: types.Now()},
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, "chat-1", last.RoomKey)
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "m1", last.Messages[0].Id)
}
