package relay

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultConnectTimeout bounds the websocket handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReconnectInterval is the base of the linear reconnect delay.
	DefaultReconnectInterval = 1 * time.Second

	// DefaultMaxReconnectAttempts caps reconnect attempts after a drop.
	DefaultMaxReconnectAttempts = 5

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
)

// Options configures a Client
type Options struct {
	// URL of the telemetry source, ws:// or wss://
	URL string

	// Header is sent with the handshake. The hub reads device identity from it.
	Header http.Header

	// ConnectTimeout bounds Connect and each reconnect dial.
	ConnectTimeout time.Duration

	// ReconnectInterval is multiplied by the attempt number to get the delay
	// before each reconnect attempt.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts is the number of reconnects tried after a drop
	// before the client gives up. Zero means the default, negative disables
	// reconnection.
	MaxReconnectAttempts int

	// WriteTimeout bounds each Send.
	WriteTimeout time.Duration

	// Logger receives the client's log lines. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// Notify receives user-facing lifecycle notifications. May be nil. It
	// runs on the client's goroutines and must not call Disconnect.
	Notify func(Notification)
}

// reconnectDelay is the wait before the given 1-based reconnect attempt.
func (t *Options) reconnectDelay(attempt int) time.Duration {
	return t.ReconnectInterval * time.Duration(attempt)
}

func (t *Options) withDefaults() *Options {
	o := *t

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}

	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	} else if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}

	if o.Notify == nil {
		o.Notify = func(Notification) {}
	}

	return &o
}

// NotificationLevel mirrors the severity of a UI toast.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// Notification is a transient, user-facing message about the connection.
type Notification struct {
	Level   NotificationLevel
	Message string
}
