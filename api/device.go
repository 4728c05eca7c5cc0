package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/deviceio/relay/db"
	"github.com/deviceio/relay/gateway"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxEventBody = 1 << 20

// DeviceQuery reads the device registry.
type DeviceQuery interface {
	ListDevices(ctx context.Context) ([]*db.Device, error)
	GetDevice(ctx context.Context, deviceid string) (*db.Device, error)
	LatestSnapshots(ctx context.Context, deviceid string) ([]*db.Snapshot, error)
}

// DeviceSender delivers control events to connected devices.
type DeviceSender interface {
	SendToDevice(deviceid string, event string, payload json.RawMessage) error
}

// Authenticator wraps handlers that require a signed request.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// DeviceDetail is a registered device with its latest snapshot per event.
type DeviceDetail struct {
	*db.Device
	Snapshots []*db.Snapshot `json:"snapshots"`
}

// DeviceController serves the device registry and device control routes.
type DeviceController struct {
	Devices DeviceQuery
	Sender  DeviceSender
	Auth    Authenticator
	Logger  logrus.FieldLogger
}

func (t *DeviceController) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/v1/devices").Subrouter()

	if t.Auth != nil {
		sub.Use(t.Auth.Middleware)
	}

	sub.HandleFunc("", t.httpGetDevices).Methods("GET")
	sub.HandleFunc("/{deviceid}", t.httpGetDevice).Methods("GET")
	sub.HandleFunc("/{deviceid}/events/{event}", t.httpPostDeviceEvent).Methods("POST")
}

func (t *DeviceController) logger() logrus.FieldLogger {
	if t.Logger == nil {
		return logrus.StandardLogger()
	}
	return t.Logger
}

func (t *DeviceController) httpGetDevices(rw http.ResponseWriter, r *http.Request) {
	devices, err := t.Devices.ListDevices(r.Context())

	if err != nil {
		t.logger().WithError(err).Error("failed to list devices")
		writeError(rw, http.StatusInternalServerError, "failed to list devices")
		return
	}

	if devices == nil {
		devices = []*db.Device{}
	}

	writeJSON(rw, http.StatusOK, devices)
}

func (t *DeviceController) httpGetDevice(rw http.ResponseWriter, r *http.Request) {
	device, ok := t.lookupDevice(rw, r)

	if !ok {
		return
	}

	snapshots, err := t.Devices.LatestSnapshots(r.Context(), device.ID)

	if err != nil {
		t.logger().WithError(err).WithField("deviceid", device.ID).Error("failed to load snapshots")
		writeError(rw, http.StatusInternalServerError, "failed to load snapshots")
		return
	}

	if snapshots == nil {
		snapshots = []*db.Snapshot{}
	}

	writeJSON(rw, http.StatusOK, &DeviceDetail{Device: device, Snapshots: snapshots})
}

func (t *DeviceController) httpPostDeviceEvent(rw http.ResponseWriter, r *http.Request) {
	device, ok := t.lookupDevice(rw, r)

	if !ok {
		return
	}

	event := mux.Vars(r)["event"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))

	if err != nil {
		writeError(rw, http.StatusBadRequest, "failed to read request body")
		return
	}

	if len(body) > maxEventBody {
		writeError(rw, http.StatusRequestEntityTooLarge, "event body too large")
		return
	}

	var payload json.RawMessage

	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			writeError(rw, http.StatusBadRequest, "event body must be json")
			return
		}
		payload = body
	}

	err = t.Sender.SendToDevice(device.ID, event, payload)

	var notConnected *gateway.ErrDeviceNotConnected

	switch {
	case errors.As(err, &notConnected):
		writeError(rw, http.StatusConflict, err.Error())
		return
	case err != nil:
		t.logger().WithError(err).WithFields(logrus.Fields{
			"deviceid": device.ID,
			"event":    event,
		}).Error("failed to send device event")
		writeError(rw, http.StatusServiceUnavailable, "failed to send device event")
		return
	}

	t.logger().WithFields(logrus.Fields{
		"deviceid": device.ID,
		"event":    event,
	}).Info("device event sent")

	rw.WriteHeader(http.StatusAccepted)
}

// lookupDevice resolves the {deviceid} route variable, writing 404 or 500
// itself when it cannot.
func (t *DeviceController) lookupDevice(rw http.ResponseWriter, r *http.Request) (*db.Device, bool) {
	deviceid := strings.ToLower(mux.Vars(r)["deviceid"])
	device, err := t.Devices.GetDevice(r.Context(), deviceid)

	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(rw, http.StatusNotFound, "no such device")
		return nil, false
	case err != nil:
		t.logger().WithError(err).WithField("deviceid", deviceid).Error("failed to load device")
		writeError(rw, http.StatusInternalServerError, "failed to load device")
		return nil, false
	}

	return device, true
}
