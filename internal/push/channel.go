package push

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nightvote/gamesync/internal/game"
)

// State is the connection state of a push channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config holds configuration for a push channel.
type Config struct {
	// URL is the websocket endpoint for the subscribed session.
	URL string
	// Token is the identity token. It is exchanged via the websocket
	// subprotocol negotiation ("auth", "<token>") and never placed in
	// the URL, so it cannot leak into access logs or history.
	Token string

	HeartbeatInterval  time.Duration
	BaseReconnectDelay time.Duration
	MaxReconnectDelay  time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig returns the default push channel configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  30 * time.Second,
		BaseReconnectDelay: 3 * time.Second,
		MaxReconnectDelay:  30 * time.Second,
		HandshakeTimeout:   4 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = def.BaseReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Callbacks are the consumer hooks a channel routes its traffic to.
// They are injected at construction and may be swapped wholesale via
// UpdateCallbacks; the channel never captures them in long-lived
// closures.
type Callbacks struct {
	// OnSnapshot receives every snapshot-carrying frame.
	OnSnapshot func(*game.Snapshot)
	// OnError receives transport error messages. They do not affect
	// connection state.
	OnError func(message string)
	// OnStateChange observes connection state transitions.
	OnStateChange func(State)
}

type frameHandler func(*game.ServerMessage)

// Channel manages one persistent websocket connection for a session:
// handshake, heartbeat, message decoding, reconnect with backoff, and
// teardown. State machine:
//
//	disconnected → connecting → connected → (closing|disconnected)
type Channel struct {
	cfg   Config
	clock clockwork.Clock

	state atomic.Int32

	mu             sync.Mutex
	conn           *websocket.Conn
	callbacks      Callbacks
	attempt        int
	active         bool
	gen            int
	reconnectTimer clockwork.Timer
	heartbeatStop  chan struct{}

	decodeErr atomic.Bool
	handlers  map[game.MessageType]frameHandler
}

// NewChannel creates a push channel for one session subscription.
// Open must be called to start connecting.
func NewChannel(cfg Config, callbacks Callbacks, clock clockwork.Clock) *Channel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Channel{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		callbacks: callbacks,
	}
	c.handlers = map[game.MessageType]frameHandler{
		game.MessageTypeConnected:  c.handleSnapshotFrame,
		game.MessageTypeGameUpdate: c.handleSnapshotFrame,
		game.MessageTypeError:      c.handleErrorFrame,
		game.MessageTypePong:       func(*game.ServerMessage) {},
	}
	return c
}

// Open marks the subscription active and starts connecting.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.mu.Unlock()
	go c.connect()
}

// UpdateCallbacks swaps the consumer hooks for subsequent traffic.
func (c *Channel) UpdateCallbacks(callbacks Callbacks) {
	c.mu.Lock()
	c.callbacks = callbacks
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Healthy reports whether the channel is connected and has not seen a
// decode error this subscription. Used by the poll channel to decide
// whether its interval may widen.
func (c *Channel) Healthy() bool {
	return c.State() == StateConnected && !c.decodeErr.Load()
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.mu.Lock()
	cb := c.callbacks.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Channel) connect() {
	c.mu.Lock()
	if !c.active || c.State() == StateConnecting || c.State() == StateConnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	cfg := c.cfg
	c.mu.Unlock()
	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{"auth", cfg.Token},
	}
	conn, resp, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		evt := log.Warn().Err(err).Str("url", cfg.URL)
		if resp != nil {
			evt = evt.Str("status", resp.Status)
		}
		evt.Msg("push channel dial failed")

		c.setState(StateDisconnected)
		c.mu.Lock()
		if c.gen == gen && c.active {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if !c.active || c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()
	c.setState(StateConnected)

	log.Info().Str("url", cfg.URL).Msg("push channel connected")

	go c.heartbeatLoop(conn, stop)
	go c.readLoop(conn, gen)
}

// readLoop decodes frames until the transport closes, then decides
// whether the close was intentional.
func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(err, gen)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	msg, err := game.DecodeServerMessage(data)
	if err != nil {
		c.decodeErr.Store(true)
		log.Warn().Err(err).Msg("push channel failed to decode frame")
		return
	}
	handler, ok := c.handlers[msg.Type]
	if !ok {
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
		return
	}
	handler(msg)
}

func (c *Channel) handleSnapshotFrame(msg *game.ServerMessage) {
	if msg.Game == nil {
		c.decodeErr.Store(true)
		log.Warn().Str("type", string(msg.Type)).Msg("snapshot frame missing game payload")
		return
	}
	c.mu.Lock()
	cb := c.callbacks.OnSnapshot
	c.mu.Unlock()
	if cb != nil {
		cb(msg.Game)
	}
}

func (c *Channel) handleErrorFrame(msg *game.ServerMessage) {
	log.Warn().Str("message", msg.Message).Msg("push channel received error frame")
	c.mu.Lock()
	cb := c.callbacks.OnError
	c.mu.Unlock()
	if cb != nil {
		cb(msg.Message)
	}
}

// handleClose runs when the read loop ends. An intentional close (our
// own Close, or the server closing with the normal-closure code) is
// terminal; anything else schedules a reconnect.
func (c *Channel) handleClose(err error, gen int) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.conn = nil
	intentional := c.State() == StateClosing ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure)
	active := c.active
	c.mu.Unlock()

	// The disconnected state must be visible before the reconnect timer
	// is armed: the fired timer refuses to dial in any other state.
	c.setState(StateDisconnected)

	if intentional || !active {
		log.Debug().Msg("push channel closed intentionally")
		return
	}
	log.Warn().Err(err).Msg("push channel closed abnormally")

	c.mu.Lock()
	if c.active {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer. The subscription
// active flag, not the timer's existence, gates whether a fired timer
// actually reconnects: a reconnect scheduled before teardown must not
// fire after teardown.
func (c *Channel) scheduleReconnectLocked() {
	delay := ReconnectDelay(c.cfg.BaseReconnectDelay, c.cfg.MaxReconnectDelay, c.attempt)
	c.attempt++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		active := c.active
		c.mu.Unlock()
		if !active || c.State() != StateDisconnected {
			return
		}
		c.connect()
	})
	log.Info().
		Dur("delay", delay).
		Int("attempt", c.attempt).
		Msg("push channel reconnect scheduled")
}

// heartbeatLoop sends the bare heartbeat literal while connected. A
// missing pong is not itself a disconnect trigger; only the transport's
// own close event is.
func (c *Channel) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(game.HeartbeatLiteral)); err != nil {
				log.Debug().Err(err).Msg("heartbeat write failed")
				return
			}
		}
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// Close tears the channel down: cancels any pending reconnect, stops
// the heartbeat, and closes the transport with the intentional code.
// Idempotent; no reconnect is ever scheduled afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	alreadyDown := !c.active && c.conn == nil
	c.active = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if alreadyDown {
		return
	}

	if conn != nil {
		c.setState(StateClosing)
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribed"),
			deadline,
		)
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}
