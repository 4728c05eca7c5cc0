// Package gateway is the telemetry source relay clients connect to. It
// accepts device and dashboard websocket connections, relays every named
// event to the other peers and keeps the device registry current.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deviceio/relay/db"
	"github.com/deviceio/relay/telemetry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
)

const (
	registryTimeout = 5 * time.Second

	// staleWait bounds the liveness ping sent to a connection whose id is
	// claimed again, and the wait for it to leave once evicted.
	staleWait = 2 * time.Second
)

// Registry records device presence and telemetry snapshots.
type Registry interface {
	AddOrUpdateDevice(ctx context.Context, device *db.Device) error
	SetDeviceConnected(ctx context.Context, deviceid string, connected bool, at time.Time) error
	PutSnapshot(ctx context.Context, deviceid string, event string, data json.RawMessage, at time.Time) error
}

// Options ...
type Options struct {
	BindAddr    string
	TLSCertPath string
	TLSKeyPath  string

	// Registry is optional. Without one the gateway only relays.
	Registry Registry

	Logger logrus.FieldLogger
}

// Service is responsible for the upgrade and lifecycle of peer connections
// and provides lookup of connected devices.
type Service struct {
	opts   *Options
	logger logrus.FieldLogger
	router *mux.Router
	now    func() time.Time

	// conns indexes live connections by lowercased id
	conns map[string]*connection

	// hosts indexes device connections by lowercased hostname
	hosts map[string][]*connection

	closed bool
	mutex  sync.RWMutex

	// presenceMu orders registry presence writes
	presenceMu sync.Mutex
	staleWait  time.Duration

	wsupgrader *websocket.Upgrader
	server     *http.Server
	wg         sync.WaitGroup
}

// NewService creates a new instance of the Service type
func NewService(opts *Options) *Service {
	logger := opts.Logger

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	t := &Service{
		opts:   opts,
		logger: logger.WithField("component", "gateway"),
		now:       time.Now,
		staleWait: staleWait,
		conns:  map[string]*connection{},
		hosts:  map[string][]*connection{},
		wsupgrader: &websocket.Upgrader{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	t.router = mux.NewRouter()
	t.router.HandleFunc("/v1/connect", t.httpGetV1Connect).Methods("GET")

	return t
}

// Handler returns the gateway http handler.
func (t *Service) Handler() http.Handler {
	return t.router
}

// Start serves the gateway on BindAddr, with TLS when a certificate and key
// are configured. It blocks until the server stops and returns nil after
// Shutdown, including a Shutdown that happened before Start.
func (t *Service) Start() error {
	tls := t.opts.TLSCertPath != "" || t.opts.TLSKeyPath != ""

	if tls && (t.opts.TLSCertPath == "" || t.opts.TLSKeyPath == "") {
		return stacktrace.NewError("gateway tls requires both a certificate and a key")
	}

	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.server = &http.Server{
		Addr:    t.opts.BindAddr,
		Handler: t.router,
	}
	server := t.server
	t.mutex.Unlock()

	t.logger.WithFields(logrus.Fields{
		"bindAddr": t.opts.BindAddr,
		"tls":      tls,
	}).Info("gateway starting")

	var err error

	if tls {
		err = server.ListenAndServeTLS(t.opts.TLSCertPath, t.opts.TLSKeyPath)
	} else {
		err = server.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		return stacktrace.Propagate(err, "gateway listener failed")
	}

	return nil
}

// Shutdown stops accepting connections, closes every peer and waits for
// their loops to finish or ctx to expire.
func (t *Service) Shutdown(ctx context.Context) error {
	t.mutex.Lock()
	t.closed = true
	server := t.server
	peers := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		peers = append(peers, c)
	}
	t.mutex.Unlock()

	var err error

	if server != nil {
		err = server.Shutdown(ctx)
	}

	for _, c := range peers {
		c.ws.Close()
	}

	done := make(chan struct{})

	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.logger.Info("gateway stopped")

	return err
}

// SendToDevice delivers a named event to the device connected with the id or
// hostname. Delivery is fire-and-forget.
func (t *Service) SendToDevice(deviceid string, event string, payload json.RawMessage) error {
	if deviceid == "" {
		return stacktrace.NewError("deviceid is empty")
	}

	if event == "" {
		return stacktrace.NewError("event is empty")
	}

	frame, err := json.Marshal(&telemetry.Envelope{Event: event, Data: payload})

	if err != nil {
		return stacktrace.Propagate(err, "failed to encode %v event", event)
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	c, err := t.findConnectionLocked(deviceid)

	if err != nil {
		return err
	}

	if !c.enqueue(frame) {
		return stacktrace.NewError("send buffer full for device '%v'", deviceid)
	}

	return nil
}

// IsDeviceConnected reports whether a device with the id or hostname is
// connected to this gateway.
func (t *Service) IsDeviceConnected(deviceid string) bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	_, err := t.findConnectionLocked(deviceid)

	return err == nil
}

// PeerCount returns the number of live connections.
func (t *Service) PeerCount() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return len(t.conns)
}

// findConnectionLocked locates a device connection by id, then by hostname.
func (t *Service) findConnectionLocked(deviceid string) (*connection, error) {
	deviceid = strings.ToLower(deviceid)

	if c, ok := t.conns[deviceid]; ok && c.info.Role == RoleDevice {
		return c, nil
	}

	h := t.hosts[deviceid]

	switch {
	case len(h) == 1:
		return h[0], nil
	case len(h) > 1:
		return nil, &ErrAmbiguousHostnameLookup{Hostname: deviceid}
	}

	return nil, &ErrDeviceNotConnected{DeviceID: deviceid}
}

// httpGetV1Connect is the gateway http endpoint that accepts new peer
// connections.
func (t *Service) httpGetV1Connect(resp http.ResponseWriter, req *http.Request) {
	info, err := parseConnectionInfo(req.Header)

	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"remoteAddr": req.RemoteAddr,
			"error":      err.Error(),
		}).Warn("connection rejected, invalid identity")
		http.Error(resp, stacktrace.RootCause(err).Error(), http.StatusBadRequest)
		return
	}

	t.mutex.RLock()
	existing := t.conns[info.ID]
	t.mutex.RUnlock()

	if existing != nil && !t.evictStale(existing) {
		t.logger.WithFields(logrus.Fields{
			"id":         info.ID,
			"remoteAddr": req.RemoteAddr,
		}).Error("connection rejected, duplicate id")
		http.Error(resp, "peer with this id already connected", http.StatusConflict)
		return
	}

	ws, err := t.wsupgrader.Upgrade(resp, req, nil)

	if err != nil {
		t.logger.WithField("remoteAddr", req.RemoteAddr).WithError(err).Error("connection attempt failed websocket upgrade")
		return
	}

	c := newConnection(ws, info, t.logger)

	if !t.register(c) {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate id"),
			time.Now().Add(writeWait),
		)
		ws.Close()
		return
	}

	if info.Role == RoleDevice {
		t.recordPresence(c, true)
	}

	c.logger.WithFields(logrus.Fields{
		"kind":         info.Kind,
		"platform":     info.Platform,
		"architecture": info.Architecture,
		"tags":         info.Tags,
	}).Info("peer connected")

	go func() {
		defer t.wg.Done()
		c.writeloop()
	}()

	go func() {
		defer t.wg.Done()
		c.readloop(t.relay)
		t.unregister(c)
	}()
}

// evictStale pings the connection holding a reclaimed id. A connection that
// answers keeps the id. One that does not is closed, and evictStale reports
// whether it left the indexes in time for the new connection to register.
func (t *Service) evictStale(existing *connection) bool {
	if existing.alive(t.staleWait) {
		return false
	}

	existing.logger.Warn("stale connection evicted, id reclaimed by a new connection")
	existing.ws.Close()

	timer := time.NewTimer(t.staleWait)
	defer timer.Stop()

	select {
	case <-existing.done:
		return true
	case <-timer.C:
		return false
	}
}

// register indexes c and reserves its loops in the wait group. It fails when
// the id is taken or the gateway is shutting down.
func (t *Service) register(c *connection) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return false
	}

	if _, ok := t.conns[c.info.ID]; ok {
		c.logger.Error("connection closed due to duplicate id")
		return false
	}

	t.conns[c.info.ID] = c

	if c.info.Role == RoleDevice && c.info.Hostname != "" {
		hostname := strings.ToLower(c.info.Hostname)
		t.hosts[hostname] = append(t.hosts[hostname], c)
	}

	t.wg.Add(2)

	return true
}

// unregister removes c from the indexes and stops its write loop.
func (t *Service) unregister(c *connection) {
	t.mutex.Lock()

	if t.conns[c.info.ID] == c {
		delete(t.conns, c.info.ID)
	}

	hostname := strings.ToLower(c.info.Hostname)

	for a, host := range t.hosts[hostname] {
		if host == c {
			t.hosts[hostname] = append(t.hosts[hostname][:a:a], t.hosts[hostname][a+1:]...)
			break
		}
	}

	if len(t.hosts[hostname]) == 0 {
		delete(t.hosts, hostname)
	}

	// no relay or SendToDevice can hold c past this point
	close(c.send)

	t.mutex.Unlock()

	c.ws.Close()

	close(c.done)

	if c.info.Role == RoleDevice {
		t.recordPresence(c, false)
	}

	c.logger.Info("peer disconnected")
}

// relay fans the raw frame out to every other peer and records device
// snapshots.
func (t *Service) relay(from *connection, env *telemetry.Envelope, frame []byte) {
	if from.info.Role == RoleDevice && telemetry.IsSnapshot(env.Event) && t.opts.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		err := t.opts.Registry.PutSnapshot(ctx, from.info.ID, env.Event, env.Data, t.now())
		cancel()

		if err != nil {
			from.logger.WithError(err).WithField("event", env.Event).Error("failed to record snapshot")
		}
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var delivered int

	for _, c := range t.conns {
		if c == from {
			continue
		}

		if c.enqueue(frame) {
			delivered++
		}
	}

	from.logger.WithFields(logrus.Fields{
		"event":     env.Event,
		"delivered": delivered,
	}).Debug("event relayed")
}

// recordPresence writes the device presence of c. Writes are serialized and
// only land while they still describe the connection holding the id, so a
// late disconnect never overwrites the presence of a newer connection.
func (t *Service) recordPresence(c *connection, connected bool) {
	if t.opts.Registry == nil {
		return
	}

	t.presenceMu.Lock()
	defer t.presenceMu.Unlock()

	t.mutex.RLock()
	holder := t.conns[c.info.ID]
	t.mutex.RUnlock()

	if connected && holder != c {
		return
	}

	if !connected && holder != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	now := t.now()
	var err error

	if connected {
		err = t.opts.Registry.AddOrUpdateDevice(ctx, &db.Device{
			ID:           c.info.ID,
			Hostname:     c.info.Hostname,
			Kind:         string(c.info.Kind),
			Platform:     c.info.Platform,
			Architecture: c.info.Architecture,
			Tags:         c.info.Tags,
			IsConnected:  true,
			LastActivity: &now,
		})
	} else {
		err = t.opts.Registry.SetDeviceConnected(ctx, c.info.ID, false, now)
	}

	if err != nil {
		c.logger.WithError(err).Error("failed to record device presence")
	}
}

func decodeEnvelope(frame []byte) (*telemetry.Envelope, error) {
	var env telemetry.Envelope

	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, stacktrace.Propagate(err, "frame is not a json envelope")
	}

	if env.Event == "" {
		return nil, stacktrace.NewError("frame has no event name")
	}

	return &env, nil
}
