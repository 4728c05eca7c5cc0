package relay

import (
	"errors"
	"fmt"
)

// ErrConnectInProgress is returned by Connect while another connection
// attempt or a scheduled reconnect is pending.
var ErrConnectInProgress = errors.New("relay connection attempt already in progress")

// ErrDisconnected is the cause of a ConnectError when Disconnect is called
// before the handshake completes.
var ErrDisconnected = errors.New("relay client disconnected")

// ConnectError is returned when Connect cannot establish a connection
type ConnectError struct {
	URL string
	Err error
}

func (t *ConnectError) Error() string {
	return fmt.Sprintf("relay connect to %v failed: %v", t.URL, t.Err)
}

func (t *ConnectError) Unwrap() error {
	return t.Err
}
