package reconnect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/events"
	"github.com/consultlink/go-consult/internal/retry"
	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/transport"
	"github.com/consultlink/go-consult/internal/types"
)

// TopicStatus is published on every supervisor transition. Payload: Status.
const TopicStatus = "reconnect:status"

type State int

const (
	Healthy State = iota
	Suspect
	Reconnecting
	GivenUp
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Reconnecting:
		return "reconnecting"
	case GivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

type Status struct {
	State    State
	Attempts int
}

// Transport is the control surface the supervisor needs beyond the
// plain emit/subscribe contract.
type Transport interface {
	transport.Transport
	MarkReconnecting(reason string)
	Session() types.Session
}

// RecoveredFunc runs after a successful reconnection with the length of
// the outage, so dependents can rejoin rooms and close sync gaps.
type RecoveredFunc func(ctx context.Context, outage time.Duration)

// Supervisor watches transport health and drives reconnection with
// exponential backoff and a bounded attempt count. After the cap it
// parks in GivenUp until a manual Reconnect resets it.
type Supervisor struct {
	tr     Transport
	policy retry.Policy
	log    *zap.Logger
	stats  stats.StatsProvider
	bus    *events.Bus

	onRecovered RecoveredFunc

	mu             sync.Mutex
	state          State
	attempts       int
	running        bool
	disconnectedAt time.Time
	cancel         context.CancelFunc

	sub       *events.Subscription
	closeOnce sync.Once
}

func NewSupervisor(tr Transport, policy retry.Policy, st stats.StatsProvider, log *zap.Logger) *Supervisor {
	s := &Supervisor{
		tr:     tr,
		policy: policy,
		log:    log,
		stats:  st,
		bus:    events.NewBus(),
		state:  Healthy,
	}
	s.sub = tr.On(transport.EventStateChange, s.handleStateChange)
	return s
}

// OnRecovered registers the post-recovery hook. Must be set before the
// first disconnect.
func (s *Supervisor) OnRecovered(fn RecoveredFunc) {
	s.onRecovered = fn
}

func (s *Supervisor) Events() *events.Bus {
	return s.bus
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) Stop() {
	s.closeOnce.Do(func() {
		s.sub.Cancel()
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	})
}

// Reconnect is the manual, user-triggered path out of GivenUp. It
// resets the attempt counter and re-enters the reconnection loop.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	if s.disconnectedAt.IsZero() {
		s.disconnectedAt = time.Now()
	}
	s.mu.Unlock()

	s.startLoop()
}

func (s *Supervisor) handleStateChange(payload any) {
	sc, ok := payload.(transport.StateChange)
	if !ok {
		return
	}

	switch sc.State {
	case types.Connected:
		return
	case types.Disconnected:
		if sc.Requested {
			// A deliberate disconnect is not a failure.
			s.setStatus(Healthy, 0)
			return
		}
	default:
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.disconnectedAt = time.Now()
	s.mu.Unlock()

	// A missed heartbeat or dead link surfaces as an unrequested
	// disconnect; the link is suspect until redial proves otherwise.
	s.setStatus(Suspect, 0)
	s.startLoop()
}

func (s *Supervisor) startLoop() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Supervisor) loop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.setStatus(Reconnecting, 0)
	s.tr.MarkReconnecting("connection lost")

	err := s.policy.Do(ctx, func(attempt int) (bool, error) {
		s.setStatus(Reconnecting, attempt)
		s.stats.Incr(stats.ReconnectAttempts)
		s.log.Info("reconnection attempt", zap.Int("attempt", attempt))

		err := s.tr.Connect(s.tr.Session())
		if err == nil {
			return false, nil
		}
		// An invalid session cannot be fixed by retrying; the auth
		// collaborator has to refresh it first.
		if types.IsKind(err, types.KindAuth) {
			return false, err
		}
		return true, err
	})

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("reconnection given up", zap.Error(err))
		s.setStatus(GivenUp, s.Attempts())
		return
	}

	s.mu.Lock()
	outage := time.Since(s.disconnectedAt)
	s.disconnectedAt = time.Time{}
	s.mu.Unlock()

	s.setStatus(Healthy, 0)
	s.log.Info("reconnected", zap.Duration("outage", outage))

	if s.onRecovered != nil {
		s.onRecovered(ctx, outage)
	}
}

func (s *Supervisor) setStatus(state State, attempts int) {
	s.mu.Lock()
	s.state = state
	s.attempts = attempts
	s.mu.Unlock()

	s.bus.Publish(TopicStatus, Status{State: state, Attempts: attempts})
}
