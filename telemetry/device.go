package telemetry

import "time"

// Kind identifies the hardware class reporting telemetry.
type Kind string

const (
	KindESP32       Kind = "esp32"
	KindArduino     Kind = "arduino"
	KindRaspberryQC Kind = "raspberry-qc"
)

// Valid reports whether k is one of the known device kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindESP32, KindArduino, KindRaspberryQC:
		return true
	}
	return false
}

// DeviceTelemetry is a "current state" snapshot published by a device. Each
// snapshot is independently interpretable; a newer one replaces the older.
type DeviceTelemetry struct {
	DeviceID    string             `json:"device_id"`
	Kind        Kind               `json:"kind"`
	Status      string             `json:"status"`
	Temperature float64            `json:"temperature"`
	Humidity    float64            `json:"humidity,omitempty"`
	UptimeSec   int64              `json:"uptime_sec"`
	FreeHeap    int64              `json:"free_heap,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// QualityResult is the outcome of a Raspberry QC inspection of a printed part.
type QualityResult struct {
	DeviceID  string    `json:"device_id"`
	JobID     string    `json:"job_id"`
	Passed    bool      `json:"passed"`
	Score     float64   `json:"score"`
	Defects   []string  `json:"defects,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceCommand is a control event sent from a dashboard to a device.
type DeviceCommand struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`
}
