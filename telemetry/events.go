// Package telemetry declares the named events and payload shapes carried by
// the relay. The types are plain JSON shapes with no behaviour.
package telemetry

import "encoding/json"

// Event names used on the wire.
const (
	EventUserMessage     = "user_message"
	EventAgentResponse   = "agent_response"
	EventTyping          = "typing"
	EventDeviceTelemetry = "device_telemetry"
	EventDeviceStatus    = "device_status"
	EventDeviceCommand   = "device_command"
	EventQCResult        = "qc_result"
	EventCursorMove      = "cursor_move"
	EventSelectionChange = "selection_change"
)

// Events lists every event name above.
var Events = []string{
	EventUserMessage,
	EventAgentResponse,
	EventTyping,
	EventDeviceTelemetry,
	EventDeviceStatus,
	EventDeviceCommand,
	EventQCResult,
	EventCursorMove,
	EventSelectionChange,
}

// Envelope is the single frame format exchanged over a relay socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IsSnapshot reports whether events with this name carry device state the
// hub keeps as the device's latest snapshot.
func IsSnapshot(event string) bool {
	return event == EventDeviceTelemetry || event == EventDeviceStatus
}
