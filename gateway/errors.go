package gateway

import "fmt"

// ErrAmbiguousHostnameLookup is returned when more than one connected device
// shares the hostname used for a lookup.
type ErrAmbiguousHostnameLookup struct {
	Hostname string
}

func (t *ErrAmbiguousHostnameLookup) Error() string {
	return fmt.Sprintf("two or more devices connected with hostname '%v'", t.Hostname)
}

// ErrDeviceNotConnected is returned when no device connection matches an id
// or hostname.
type ErrDeviceNotConnected struct {
	DeviceID string
}

func (t *ErrDeviceNotConnected) Error() string {
	return fmt.Sprintf("no device connected with id or hostname '%v'", t.DeviceID)
}
