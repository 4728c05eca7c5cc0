package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/deviceio/relay/telemetry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
)

// Handshake headers carrying the identity of a connecting peer.
const (
	HeaderID           = "X-Deviceio-Id"
	HeaderHostname     = "X-Deviceio-Hostname"
	HeaderRole         = "X-Deviceio-Role"
	HeaderKind         = "X-Deviceio-Kind"
	HeaderPlatform     = "X-Deviceio-Platform"
	HeaderArchitecture = "X-Deviceio-Architecture"
	HeaderTags         = "X-Deviceio-Tags"
)

// Role distinguishes telemetry producers from consumers.
type Role string

const (
	RoleDevice    Role = "device"
	RoleDashboard Role = "dashboard"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// connectionInfo contains the identity and environment information supplied
// by the peer in its handshake headers.
type connectionInfo struct {
	// ID as a V4 UUID in string format. Generated by the gateway when the peer
	// does not supply one.
	ID string

	// Hostname of the peer.
	Hostname string

	Role Role

	// Kind of device hardware. Only meaningful for RoleDevice.
	Kind telemetry.Kind

	// Platform indicated by the device. freertos, linux etc.
	Platform string

	// Architecture indicated by the device. xtensa, avr, arm64 etc.
	Architecture string

	Tags []string
}

// parseConnectionInfo reads the peer identity from the handshake headers. It
// is not the responsibility of the gateway to ascertain the validity of this
// data beyond its structure.
func parseConnectionInfo(h http.Header) (*connectionInfo, error) {
	info := &connectionInfo{
		ID:           strings.TrimSpace(h.Get(HeaderID)),
		Hostname:     strings.TrimSpace(h.Get(HeaderHostname)),
		Role:         Role(strings.ToLower(strings.TrimSpace(h.Get(HeaderRole)))),
		Kind:         telemetry.Kind(strings.ToLower(strings.TrimSpace(h.Get(HeaderKind)))),
		Platform:     strings.TrimSpace(h.Get(HeaderPlatform)),
		Architecture: strings.TrimSpace(h.Get(HeaderArchitecture)),
	}

	if info.ID == "" {
		info.ID = uuid.NewString()
	} else if _, err := uuid.Parse(info.ID); err != nil {
		return nil, stacktrace.Propagate(err, "peer id is not a valid UUID")
	}

	info.ID = strings.ToLower(info.ID)

	switch info.Role {
	case "":
		info.Role = RoleDashboard
	case RoleDevice, RoleDashboard:
	default:
		return nil, stacktrace.NewError("unknown peer role '%v'", info.Role)
	}

	if info.Role == RoleDevice && info.Kind != "" && !info.Kind.Valid() {
		return nil, stacktrace.NewError("unknown device kind '%v'", info.Kind)
	}

	if tags := h.Get(HeaderTags); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				info.Tags = append(info.Tags, tag)
			}
		}
	}

	return info, nil
}

// connection represents one peer connected to the gateway.
type connection struct {
	info   *connectionInfo
	ws     *websocket.Conn
	send   chan []byte
	logger logrus.FieldLogger

	// pong is signalled by every pong the peer sends
	pong chan struct{}

	// done is closed once the connection left the gateway indexes
	done chan struct{}
}

func newConnection(ws *websocket.Conn, info *connectionInfo, logger logrus.FieldLogger) *connection {
	t := &connection{
		info: info,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		pong: make(chan struct{}, 1),
		done: make(chan struct{}),
		logger: logger.WithFields(logrus.Fields{
			"id":         info.ID,
			"hostname":   info.Hostname,
			"role":       info.Role,
			"remoteAddr": ws.RemoteAddr().String(),
		}),
	}

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case t.pong <- struct{}{}:
		default:
		}

		return nil
	})

	return t
}

// alive pings the peer and reports whether a pong arrives within wait. A
// half-open socket accepts the ping but never answers it.
func (t *connection) alive(wait time.Duration) bool {
	select {
	case <-t.pong:
	default:
	}

	if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-t.pong:
		return true
	case <-t.done:
		return false
	case <-timer.C:
		return false
	}
}

// enqueue hands a frame to the write loop without blocking. A full buffer
// drops the frame.
func (t *connection) enqueue(frame []byte) bool {
	select {
	case t.send <- frame:
		return true
	default:
		t.logger.Warn("send buffer full, frame dropped")
		return false
	}
}

// readloop decodes frames from the peer and hands each envelope to relay. It
// returns when the connection fails or is closed.
func (t *connection) readloop(relay func(*connection, *telemetry.Envelope, []byte)) {
	t.ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, msg, err := t.ws.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.WithError(err).Debug("connection read failed")
			}
			return
		}

		env, err := decodeEnvelope(msg)

		if err != nil {
			t.logger.WithError(err).Warn("dropped invalid frame")
			continue
		}

		relay(t, env, msg)
	}
}

// writeloop drains the send buffer and keeps the peer alive with pings. It
// returns once send is closed or a write fails.
func (t *connection) writeloop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-t.send:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				t.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := t.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.logger.WithError(err).Debug("connection write failed")
				t.ws.Close()
				return
			}

		case <-ticker.C:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := t.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.ws.Close()
				return
			}
		}
	}
}
