// Package api is the REST surface of the hub: service status, the device
// registry and control events sent to connected devices.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
)

// Controller registers a group of routes on the api router.
type Controller interface {
	RegisterRoutes(router *mux.Router)
}

// Options ...
type Options struct {
	BindAddr    string
	TLSCertPath string
	TLSKeyPath  string
	Controllers []Controller
	Logger      logrus.FieldLogger
}

// Service serves the api controllers.
type Service struct {
	opts   *Options
	logger logrus.FieldLogger
	router *mux.Router
	server *http.Server
	closed bool
	mutex  sync.Mutex
}

// NewService creates a new instance of the Service type
func NewService(opts *Options) *Service {
	logger := opts.Logger

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	router := mux.NewRouter()

	for _, controller := range opts.Controllers {
		controller.RegisterRoutes(router)
	}

	return &Service{
		opts:   opts,
		logger: logger.WithField("component", "api"),
		router: router,
	}
}

// Handler returns the api http handler.
func (t *Service) Handler() http.Handler {
	return t.router
}

// Start serves the api on BindAddr and blocks until the server stops. It
// returns nil after Shutdown, including a Shutdown that happened before Start.
func (t *Service) Start() error {
	tls := t.opts.TLSCertPath != "" || t.opts.TLSKeyPath != ""

	if tls && (t.opts.TLSCertPath == "" || t.opts.TLSKeyPath == "") {
		return stacktrace.NewError("api tls requires both a certificate and a key")
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
		"bindAddr":    t.opts.BindAddr,
		"tlsCertPath": t.opts.TLSCertPath,
		"tlsKeyPath":  t.opts.TLSKeyPath,
	}).Info("api starting")

	var err error

	if tls {
		err = server.ListenAndServeTLS(t.opts.TLSCertPath, t.opts.TLSKeyPath)
	} else {
		err = server.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		return stacktrace.Propagate(err, "api listener failed")
	}

	return nil
}

// Shutdown gracefully stops the server started by Start.
func (t *Service) Shutdown(ctx context.Context) error {
	t.mutex.Lock()
	t.closed = true
	server := t.server
	t.mutex.Unlock()

	if server == nil {
		return nil
	}

	if err := server.Shutdown(ctx); err != nil {
		return stacktrace.Propagate(err, "api shutdown failed")
	}

	t.logger.Info("api stopped")

	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, &errorResponse{Error: msg})
}
