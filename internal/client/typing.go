package client

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/consultlink/go-consult/internal/types"
)

// typingTracker owns both directions of typing state for one room:
// debounced "started" events out, self-expiring peer state in. The peer
// may disconnect without ever sending "stopped", so expiry never relies
// on a stop event arriving.
type typingTracker struct {
	roomKey  string
	debounce time.Duration
	idle     time.Duration
	expiry   time.Duration

	// emit sends a typing:update over the live channel.
	emit func(isTyping bool)
	// notify publishes peer typing state to the UI boundary.
	notify func(state types.TypingState, active bool)

	mu          sync.Mutex
	started     rate.Sometimes
	localActive bool
	idleTimer   *time.Timer

	remote      types.TypingState
	remoteSet   bool
	expiryTimer *time.Timer

	stopped bool
}

func newTypingTracker(roomKey string, debounce, idle, expiry time.Duration,
	emit func(bool), notify func(types.TypingState, bool)) *typingTracker {
	return &typingTracker{
		roomKey:  roomKey,
		debounce: debounce,
		idle:     idle,
		expiry:   expiry,
		emit:     emit,
		notify:   notify,
		started:  rate.Sometimes{Interval: debounce},
	}
}

// setLocal handles the local participant's keystrokes. A burst of calls
// with isTyping=true produces at most one started event per debounce
// window; silence for the idle period, or an explicit stop, emits a
// single stopped event.
func (t *typingTracker) setLocal(isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	if !isTyping {
		t.stopLocalLocked()
		return
	}

	t.started.Do(func() {
		t.localActive = true
		t.emit(true)
	})

	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idle, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.stopLocalLocked()
	})
}

func (t *typingTracker) stopLocalLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.localActive {
		t.localActive = false
		t.emit(false)
	}
	// Next keystroke starts a fresh debounce window.
	t.started = rate.Sometimes{Interval: t.debounce}
}

// setRemote applies a peer typing event. Started state expires on its
// own if no further event refreshes it.
func (t *typingTracker) setRemote(isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	if t.expiryTimer != nil {
		t.expiryTimer.Stop()
		t.expiryTimer = nil
	}

	if !isTyping {
		t.remoteSet = false
		t.notify(types.TypingState{RoomKey: t.roomKey, IsTyping: false}, false)
		return
	}

	t.remote = types.TypingState{
		RoomKey:   t.roomKey,
		IsTyping:  true,
		ExpiresAt: time.Now().Add(t.expiry),
	}
	t.remoteSet = true
	t.notify(t.remote, true)

	t.expiryTimer = time.AfterFunc(t.expiry, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.remoteSet {
			return
		}
		t.remoteSet = false
		t.notify(types.TypingState{RoomKey: t.roomKey, IsTyping: false}, false)
	})
}

func (t *typingTracker) remoteState() (types.TypingState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteSet || time.Now().After(t.remote.ExpiresAt) {
		return types.TypingState{}, false
	}
	return t.remote, true
}

func (t *typingTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	if t.expiryTimer != nil {
		t.expiryTimer.Stop()
	}
}
