package reconnect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultlink/go-consult/internal/retry"
	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/testutil"
	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Exponential: true,
	}
}

type supFixture struct {
	sup *Supervisor
	tr  *transport.Fake
	st  *stats.MockStatsUpdater
}

func newSupFixture(t *testing.T) *supFixture {
	tr := transport.NewFake()
	st := &stats.MockStatsUpdater{}
	sup := NewSupervisor(tr, testPolicy(), st, testutil.TestLogger(t))
	t.Cleanup(sup.Stop)
	require.NoError(t, tr.Connect(types.Session{AuthToken: "tok", PrincipalId: "pro-1"}))
	return &supFixture{sup: sup, tr: tr, st: st}
}

func dropLink(f *supFixture) {
	f.tr.SetState(types.Disconnected)
	f.tr.PushState(transport.StateChange{
		State:     types.Disconnected,
		Reason:    "read: connection reset",
		Requested: false,
	})
}

func TestRecoversAfterTransientFailures(t *testing.T) {
	f := newSupFixture(t)

	var mu sync.Mutex
	recovered := false
	var outage time.Duration
	f.sup.OnRecovered(func(ctx context.Context, d time.Duration) {
		mu.Lock()
		recovered = true
		outage = d
		mu.Unlock()
	})

	// Two dials fail before the link comes back.
	f.tr.ConnectErrs = []error{
		types.NewTransportError("dial", nil),
		types.NewTransportError("dial", nil),
	}

	dropLink(f)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return recovered
	}, 2*time.Second, 5*time.Millisecond, "the recovery hook fires after a successful redial")

	assert.Equal(t, Healthy, f.sup.State())
	assert.Equal(t, types.Connected, f.tr.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, outage, time.Duration(0))
	assert.Equal(t, 3, f.tr.ConnectCalls()-1, "two failures plus the successful dial")
	assert.Equal(t, 3, f.st.Count(stats.ReconnectAttempts))
}

func TestGivesUpAfterAttemptCap(t *testing.T) {
	f := newSupFixture(t)
	f.tr.ConnectErr = types.NewTransportError("dial", nil)

	dropLink(f)

	assert.Eventually(t, func() bool {
		return f.sup.State() == GivenUp
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, f.tr.ConnectCalls()-1, "attempts stop at the cap")
}

func TestManualReconnectResetsAttempts(t *testing.T) {
	f := newSupFixture(t)
	f.tr.ConnectErr = types.NewTransportError("dial", nil)

	dropLink(f)
	require.Eventually(t, func() bool {
		return f.sup.State() == GivenUp
	}, 2*time.Second, 5*time.Millisecond)

	// The network is back; the user taps reconnect.
	f.tr.ConnectErr = nil
	f.sup.Reconnect()

	assert.Eventually(t, func() bool {
		return f.sup.State() == Healthy && f.tr.State() == types.Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.sup.Attempts())
}

func TestRequestedDisconnectStaysQuiet(t *testing.T) {
	f := newSupFixture(t)
	dials := f.tr.ConnectCalls()

	f.tr.SetState(types.Disconnected)
	f.tr.PushState(transport.StateChange{State: types.Disconnected, Requested: true})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Healthy, f.sup.State())
	assert.Equal(t, dials, f.tr.ConnectCalls(), "a deliberate disconnect triggers no redial")
}

func TestAuthFailureStopsRetrying(t *testing.T) {
	f := newSupFixture(t)
	f.tr.ConnectErr = types.NewAuthError("token expired")

	dropLink(f)

	assert.Eventually(t, func() bool {
		return f.sup.State() == GivenUp
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.tr.ConnectCalls()-1,
		"an invalid session is not retried; the credentials must be refreshed first")
}

func TestStatusPublishedDuringLoop(t *testing.T) {
	f := newSupFixture(t)

	var mu sync.Mutex
	var seen []State
	f.sup.Events().Subscribe(TopicStatus, func(payload any) {
		st := payload.(Status)
		mu.Lock()
		seen = append(seen, st.State)
		mu.Unlock()
	})

	f.tr.ConnectErrs = []error{types.NewTransportError("dial", nil)}
	dropLink(f)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == Healthy
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, Suspect)
	assert.Contains(t, seen, Reconnecting)
}

func TestStopCancelsLoop(t *testing.T) {
	f := newSupFixture(t)
	f.tr.ConnectErr = types.NewTransportError("dial", nil)

	// Gate the first redial attempt so Stop lands while it is in flight.
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.tr.ConnectHook = func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	dropLink(f)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("the redial loop never dialled")
	}
	assert.Equal(t, Reconnecting, f.sup.State())

	f.sup.Stop()
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.tr.ConnectCalls()-1,
		"a stopped supervisor does not keep dialling")
}
