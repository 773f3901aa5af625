package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/events"
	"github.com/consultlink/go-consult/internal/stats"
	"github.com/consultlink/go-consult/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Transport is the surface the engine, broker and supervisor depend on.
type Transport interface {
	Connect(sess types.Session) error
	Disconnect()
	State() types.ConnectionState
	On(event string, fn events.Handler) *events.Subscription
	Emit(event string, payload any) bool
}

// Conn owns the single authenticated websocket connection for the
// process. All inbound events and state transitions are published on
// its bus; writes go through Emit, which refuses when the link is down.
type Conn struct {
	wsURL  string
	log    *zap.Logger
	bus    *events.Bus
	stats  stats.StatsProvider
	dialer *websocket.Dialer
	// clientId identifies this process instance across reconnects.
	clientId string

	// stateCh serializes state-change publications so subscribers see
	// transitions in the order they happened.
	stateCh chan StateChange

	// dialMu serializes Connect calls end to end, so racing dials can
	// never install two live connections.
	dialMu sync.Mutex

	mu    sync.Mutex
	state types.ConnectionState
	sess  types.Session
	ws    *websocket.Conn
	send  chan []byte
	stop  chan struct{}
	// gen invalidates pump callbacks from torn-down connections.
	gen int
}

var _ Transport = (*Conn)(nil)

func NewConn(wsURL string, st stats.StatsProvider, log *zap.Logger) *Conn {
	c := &Conn{
		wsURL:    wsURL,
		log:      log,
		bus:      events.NewBus(),
		stats:    st,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		clientId: uuid.NewString(),
		state:    types.Disconnected,
		stateCh:  make(chan StateChange, 64),
	}
	go func() {
		for sc := range c.stateCh {
			c.bus.Publish(EventStateChange, sc)
		}
	}()
	return c
}

// Connect dials the live channel with the given session. It is
// idempotent: already connected with an equal session, it is a no-op.
// A different session tears the old connection down first. A missing or
// expired token transitions to Failed and returns an AuthError.
func (c *Conn) Connect(sess types.Session) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()

	if c.state == types.Connected && c.sess.Equal(sess) {
		c.mu.Unlock()
		return nil
	}

	if c.ws != nil {
		c.teardownLocked()
	}

	if err := validateSession(sess); err != nil {
		c.setStateLocked(types.Failed, err.Error(), true)
		c.mu.Unlock()
		return err
	}

	reconnecting := c.state == types.Reconnecting
	if !reconnecting {
		c.setStateLocked(types.Connecting, "", true)
	}
	c.sess = sess
	dialGen := c.gen
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.AuthToken)
	header.Set("X-Principal-Id", sess.PrincipalId)
	header.Set("X-Principal-Role", sess.PrincipalRole)
	header.Set("X-Client-Id", c.clientId)

	ws, resp, err := c.dialer.Dial(c.wsURL, header)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			authErr := types.NewAuthError("handshake rejected")
			c.setStateLocked(types.Failed, authErr.Error(), true)
			return authErr
		}
		terr := types.NewTransportError("dial", err)
		// During supervisor-driven recovery a failed attempt keeps the
		// Reconnecting state; the next attempt is already scheduled.
		if !reconnecting {
			c.setStateLocked(types.Failed, terr.Error(), true)
		}
		return terr
	}

	c.mu.Lock()
	if c.gen != dialGen {
		// Torn down while the dial was in flight (a Disconnect raced
		// it); the fresh socket loses.
		c.mu.Unlock()
		ws.Close()
		return types.NewTransportError("connection superseded during dial", nil)
	}
	c.ws = ws
	c.send = make(chan []byte, sendBufferSize)
	c.stop = make(chan struct{})
	c.gen++
	gen := c.gen
	send, stop := c.send, c.stop
	c.setStateLocked(types.Connected, "", true)
	c.mu.Unlock()

	c.stats.Incr(stats.ConnectsTotal)
	go c.writePump(ws, send, stop)
	go c.readPump(ws, gen)

	return nil
}

// Disconnect releases the transport unconditionally.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	c.setStateLocked(types.Disconnected, "", true)
}

// MarkReconnecting is called by the reconnection supervisor before it
// starts redial attempts, so dependent UI reflects the right state.
func (c *Conn) MarkReconnecting(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(types.Reconnecting, reason, true)
}

func (c *Conn) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the session used for the current or last connection.
func (c *Conn) Session() types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// On registers a handler for a named server event. Handlers fire in
// registration order; the returned subscription cancels delivery.
func (c *Conn) On(event string, fn events.Handler) *events.Subscription {
	return c.bus.Subscribe(event, fn)
}

// Emit sends a named event with the given payload. It returns false
// without touching the network when the connection is not up, so dead
// writes are visible to the caller instead of silently lost.
func (c *Conn) Emit(event string, payload any) bool {
	c.mu.Lock()
	if c.state != types.Connected {
		c.mu.Unlock()
		return false
	}
	send := c.send
	c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("marshal payload", zap.String("event", event), zap.Error(err))
		return false
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return false
	}

	select {
	case send <- data:
		return true
	default:
		c.log.Warn("send buffer full, dropping event", zap.String("event", event))
		return false
	}
}

func (c *Conn) teardownLocked() {
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.send = nil
	c.gen++
}

func (c *Conn) setStateLocked(state types.ConnectionState, reason string, requested bool) {
	if c.state == state {
		return
	}
	c.state = state
	c.log.Debug("connection state change",
		zap.String("state", state.String()),
		zap.String("reason", reason))

	// Delivered off the lock, in order, so handlers can call back in.
	select {
	case c.stateCh <- StateChange{State: state, Reason: reason, Requested: requested}:
	default:
		c.log.Warn("state change channel full, dropping notification")
	}
}

// lostConnection handles a pump failure for the given generation. Stale
// generations are ignored, they belong to connections already torn down.
func (c *Conn) lostConnection(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	c.teardownLocked()
	c.setStateLocked(types.Disconnected, err.Error(), false)
}

func (c *Conn) writePump(ws *websocket.Conn, send chan []byte, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
		c.log.Debug("write pump exiting")
	}()

	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write message", zap.Error(err))
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Conn) readPump(ws *websocket.Conn, gen int) {
	defer c.log.Debug("read pump exiting")

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug("read message", zap.Error(err))
			}
			c.lostConnection(gen, err)
			return
		}

		var evt Envelope
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.log.Warn("malformed event", zap.Error(err))
			continue
		}

		c.bus.Publish(evt.Event, evt.Payload)
	}
}

// validateSession checks the token locally before dialing so an
// obviously bad session fails fast without a network round trip.
func validateSession(sess types.Session) error {
	if sess.AuthToken == "" {
		return types.NewAuthError("session has no auth token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(sess.AuthToken, claims); err != nil {
		// Opaque tokens are allowed, the server validates them on
		// handshake. Only well-formed JWTs are inspected here.
		return nil
	}
	if !claims.VerifyExpiresAt(time.Now().Unix(), false) {
		return types.NewAuthError("session token expired")
	}

	return nil
}
