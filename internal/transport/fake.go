package transport

import (
	"encoding/json"
	"sync"

	"github.com/consultlink/go-consult/internal/events"
	"github.com/consultlink/go-consult/internal/types"
)

// Fake is an in-memory Transport for tests. Pushes delivered through
// Push arrive exactly like server events, as json.RawMessage payloads.
type Fake struct {
	mu         sync.Mutex
	bus        *events.Bus
	state      types.ConnectionState
	sess       types.Session
	ConnectErr error
	// ConnectErrs is consumed one element per Connect call before
	// ConnectErr applies, for scripting fail-then-succeed sequences.
	ConnectErrs []error

	// EmitHook, when set, observes every successful Emit. It runs on
	// the emitter's goroutine without the fake's lock held.
	EmitHook func(event string, payload any)

	// ConnectHook, when set, runs at the start of every Connect before
	// the call is counted, without the fake's lock held. Tests use it to
	// gate an in-flight attempt.
	ConnectHook func()

	connectCalls int
	emitted      []EmittedEvent
}

type EmittedEvent struct {
	Event   string
	Payload any
}

var _ Transport = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		bus:   events.NewBus(),
		state: types.Connected,
	}
}

func (f *Fake) Connect(sess types.Session) error {
	f.mu.Lock()
	hook := f.ConnectHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectCalls++
	var err error
	if len(f.ConnectErrs) > 0 {
		err = f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
	} else {
		err = f.ConnectErr
	}
	if err != nil {
		f.state = types.Failed
		return err
	}
	f.sess = sess
	f.state = types.Connected
	return nil
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = types.Disconnected
}

func (f *Fake) State() types.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) SetState(state types.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *Fake) On(event string, fn events.Handler) *events.Subscription {
	return f.bus.Subscribe(event, fn)
}

func (f *Fake) Emit(event string, payload any) bool {
	f.mu.Lock()
	if f.state != types.Connected {
		f.mu.Unlock()
		return false
	}
	f.emitted = append(f.emitted, EmittedEvent{Event: event, Payload: payload})
	hook := f.EmitHook
	f.mu.Unlock()

	if hook != nil {
		hook(event, payload)
	}
	return true
}

func (f *Fake) MarkReconnecting(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = types.Reconnecting
}

func (f *Fake) Session() types.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

// Push delivers a server event to subscribers the way the read pump
// does, with the payload marshalled to raw JSON.
func (f *Fake) Push(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.bus.Publish(event, json.RawMessage(raw))
}

// PushState publishes a connection state change.
func (f *Fake) PushState(sc StateChange) {
	f.bus.Publish(EventStateChange, sc)
}

func (f *Fake) Emitted() []EmittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EmittedEvent, len(f.emitted))
	copy(out, f.emitted)
	return out
}

func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}
