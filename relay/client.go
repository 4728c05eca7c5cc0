// Package relay implements the telemetry relay client: a websocket
// connection to a telemetry source that dispatches named events to
// registered handlers and reconnects with a linear backoff when an
// established connection drops.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/deviceio/relay/telemetry"
	"github.com/gorilla/websocket"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (t State) String() string {
	switch t {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Client is a best-effort telemetry relay client. Sends are fire-and-forget
// and nothing is queued while disconnected.
type Client struct {
	opts   *Options
	logger logrus.FieldLogger
	dialer *websocket.Dialer
	subs   *subscriptions

	// mu guards every field below it
	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	closing    bool
	generation uint64
	attempts   int
	gaveUp     bool
	timer      *time.Timer
	cancelDial context.CancelFunc

	// writeMu serializes frame writes; gorilla allows one concurrent writer
	writeMu sync.Mutex

	// wg tracks the read loop and scheduled reconnects
	wg sync.WaitGroup
}

// New creates a new instance of the Client type. No connection is made
// until Connect is called.
func New(opts *Options) *Client {
	o := opts.withDefaults()

	return &Client{
		opts:   o,
		logger: o.Logger.WithField("url", o.URL),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.ConnectTimeout,
		},
		subs:  newSubscriptions(),
		state: Disconnected,
	}
}

// Connect opens the connection and returns once the handshake completed or
// failed. The attempt is bounded by Options.ConnectTimeout. A failed Connect
// does not schedule reconnection; only a drop of an established connection
// does.
func (t *Client) Connect(ctx context.Context) error {
	t.mu.Lock()

	switch t.state {
	case Connected:
		t.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		t.mu.Unlock()
		return ErrConnectInProgress
	}

	t.closing = false
	t.state = Connecting
	generation := t.generation

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()
	t.cancelDial = cancel

	t.mu.Unlock()

	conn, err := t.dial(ctx)

	t.mu.Lock()

	// a Disconnect during the dial starts a new generation; this dial no
	// longer owns the client state
	if t.generation != generation || t.closing {
		t.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		t.logger.Info("relay connect abandoned by disconnect")

		return &ConnectError{URL: t.opts.URL, Err: ErrDisconnected}
	}

	t.cancelDial = nil

	if err != nil {
		t.state = Disconnected
		t.mu.Unlock()

		t.logger.WithError(err).Error("relay connect failed")
		t.opts.Notify(Notification{
			Level:   NotifyError,
			Message: "Unable to connect to the telemetry source",
		})

		return &ConnectError{URL: t.opts.URL, Err: err}
	}

	t.attachLocked(conn)
	t.mu.Unlock()

	t.logger.Info("relay connected")

	return nil
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// idempotent and returns after the client's goroutines have exited.
func (t *Client) Disconnect() {
	t.mu.Lock()

	t.closing = true
	t.generation++
	t.stopTimerLocked()

	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}

	conn := t.conn
	t.conn = nil
	t.state = Disconnected
	t.attempts = 0

	t.mu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()

		t.logger.Info("relay disconnected")
	}

	t.wg.Wait()
}

// Send transmits a named event. When the client is not connected the call
// is a no-op that logs a warning. It reports whether the frame was written.
func (t *Client) Send(event string, payload interface{}) bool {
	logger := t.logger.WithField("event", event)

	if event == "" {
		logger.Warn("relay send skipped, empty event name")
		return false
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		logger.Warn("relay send skipped, not connected")
		return false
	}

	frame, err := encodeEnvelope(event, payload)

	if err != nil {
		logger.WithError(err).Warn("relay send skipped, payload not encodable")
		return false
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))

	if err = conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		logger.WithError(err).Warn("relay send failed")
		return false
	}

	return true
}

// OnEvent registers h for events named name. The returned function removes
// the registration and may be called any number of times. Handlers run on
// the read loop and must not call Disconnect.
func (t *Client) OnEvent(name string, h Handler) (unsubscribe func()) {
	return t.subs.add(name, h)
}

// Connected reports whether the client currently holds an open connection.
func (t *Client) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state == Connected
}

// State returns the current lifecycle state.
func (t *Client) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.opts.URL, t.opts.Header)

	if err != nil {
		if resp != nil {
			return nil, stacktrace.Propagate(err, "handshake rejected with status %v", resp.StatusCode)
		}
		return nil, stacktrace.Propagate(err, "dial failed")
	}

	return conn, nil
}

// attachLocked installs conn as the live connection and starts its read loop.
func (t *Client) attachLocked(conn *websocket.Conn) {
	t.conn = conn
	t.state = Connected
	t.attempts = 0
	t.gaveUp = false

	t.wg.Add(1)
	go t.readloop(conn)
}

// readloop dispatches incoming frames until the connection fails
func (t *Client) readloop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, msg, err := conn.ReadMessage()

		if err != nil {
			t.handleDrop(conn, err)
			return
		}

		t.dispatch(msg)
	}
}

func (t *Client) dispatch(msg []byte) {
	var env telemetry.Envelope

	if err := json.Unmarshal(msg, &env); err != nil {
		t.logger.WithError(err).Warn("relay dropped undecodable frame")
		return
	}

	if env.Event == "" {
		t.logger.Warn("relay dropped frame without event name")
		return
	}

	for _, s := range t.subs.handlers(env.Event) {
		s.invoke(env.Data)
	}
}

// handleDrop reacts to a read failure on conn. Failures of connections that
// are no longer current, or that Disconnect closed, are ignored.
func (t *Client) handleDrop(conn *websocket.Conn, cause error) {
	t.mu.Lock()

	if t.conn != conn {
		t.mu.Unlock()
		conn.Close()
		return
	}

	t.conn = nil
	conn.Close()

	if t.closing {
		t.state = Disconnected
		t.mu.Unlock()
		return
	}

	t.logger.WithError(cause).Warn("relay connection lost")

	t.state = Reconnecting
	giveup := t.scheduleReconnectLocked()

	t.mu.Unlock()

	t.opts.Notify(Notification{
		Level:   NotifyWarning,
		Message: "Connection to the telemetry source lost",
	})

	if giveup != nil {
		t.opts.Notify(*giveup)
	}
}

// scheduleReconnectLocked arms the next reconnect attempt. When attempts are
// exhausted it moves to Disconnected and returns the give-up notification the
// first time.
func (t *Client) scheduleReconnectLocked() *Notification {
	if t.closing {
		return nil
	}

	if t.attempts >= t.opts.MaxReconnectAttempts {
		t.state = Disconnected

		if t.gaveUp {
			return nil
		}

		t.gaveUp = true

		t.logger.WithField("attempts", t.attempts).Error("relay reconnect attempts exhausted")

		return &Notification{
			Level:   NotifyError,
			Message: "Unable to reconnect to the telemetry source",
		}
	}

	t.attempts++
	attempt := t.attempts
	delay := t.opts.reconnectDelay(attempt)

	t.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("relay reconnect scheduled")

	generation := t.generation

	t.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.reconnect(attempt, generation)
	})

	return nil
}

func (t *Client) stopTimerLocked() {
	if t.timer == nil {
		return
	}

	// a stopped timer never runs its func, so release its wg slot here
	if t.timer.Stop() {
		t.wg.Done()
	}

	t.timer = nil
}

func (t *Client) reconnect(attempt int, generation uint64) {
	t.mu.Lock()

	if t.closing || t.generation != generation || t.state != Reconnecting {
		t.mu.Unlock()
		return
	}

	t.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
	defer cancel()
	t.cancelDial = cancel

	t.mu.Unlock()

	t.logger.WithField("attempt", attempt).Info("relay reconnecting")

	conn, err := t.dial(ctx)

	t.mu.Lock()

	if t.closing || t.generation != generation {
		t.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		return
	}

	t.cancelDial = nil

	if err != nil {
		t.logger.WithError(err).WithField("attempt", attempt).Warn("relay reconnect failed")

		giveup := t.scheduleReconnectLocked()
		t.mu.Unlock()

		if giveup != nil {
			t.opts.Notify(*giveup)
		}
		return
	}

	t.attachLocked(conn)
	t.mu.Unlock()

	t.logger.WithField("attempt", attempt).Info("relay reconnected")
	t.opts.Notify(Notification{
		Level:   NotifyInfo,
		Message: "Reconnected to the telemetry source",
	})
}

func encodeEnvelope(event string, payload interface{}) ([]byte, error) {
	env := telemetry.Envelope{Event: event}

	if payload != nil {
		data, err := json.Marshal(payload)

		if err != nil {
			return nil, err
		}

		env.Data = data
	}

	return json.Marshal(env)
}
