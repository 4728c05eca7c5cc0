package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/deviceio/relay/auth"
	"github.com/deviceio/relay/db"
	"github.com/palantir/stacktrace"
	"golang.org/x/crypto/ed25519"
)

// Credentials identify the api user requests are signed for. A zero value
// sends unsigned requests.
type Credentials struct {
	UserID     string
	TOTPSecret string
	PrivateKey ed25519.PrivateKey
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (t *StatusError) Error() string {
	return fmt.Sprintf("api %v %v: %v %v", t.Method, t.Path, t.Status, t.Body)
}

// Client is a REST client for the hub api.
type Client struct {
	Base        string
	HTTP        *http.Client
	Credentials *Credentials

	now func() time.Time
}

// NewClient creates a new instance of the Client type
func NewClient(base string, creds *Credentials) *Client {
	return &Client{Base: base, HTTP: http.DefaultClient, Credentials: creds}
}

// Status returns the body of the status endpoint.
func (t *Client) Status(ctx context.Context) (string, error) {
	var out bytes.Buffer

	if err := t.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return "", err
	}

	return out.String(), nil
}

// ListDevices returns every registered device.
func (t *Client) ListDevices(ctx context.Context) ([]*db.Device, error) {
	var devices []*db.Device

	return devices, t.do(ctx, http.MethodGet, "/v1/devices", nil, &devices)
}

// GetDevice returns a device and its latest snapshots.
func (t *Client) GetDevice(ctx context.Context, deviceid string) (*DeviceDetail, error) {
	var out DeviceDetail

	if err := t.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceid), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// SendEvent asks the hub to deliver a named event to a connected device. A
// nil payload sends the event without data.
func (t *Client) SendEvent(ctx context.Context, deviceid string, event string, payload interface{}) error {
	var body []byte

	if raw, ok := payload.(json.RawMessage); ok && len(raw) == 0 {
		payload = nil
	}

	if payload != nil {
		var err error

		if body, err = json.Marshal(payload); err != nil {
			return stacktrace.Propagate(err, "failed to encode %v payload", event)
		}
	}

	path := "/v1/devices/" + url.PathEscape(deviceid) + "/events/" + url.PathEscape(event)

	return t.do(ctx, http.MethodPost, path, body, nil)
}

// do sends the request, signing it when credentials are set. out may be a
// *bytes.Buffer for raw bodies or any json target.
func (t *Client) do(ctx context.Context, method string, path string, body []byte, out interface{}) error {
	var reader io.Reader

	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.Base+path, reader)

	if err != nil {
		return stacktrace.Propagate(err, "failed to build %v %v", method, path)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if t.Credentials != nil {
		now := time.Now
		if t.now != nil {
			now = t.now
		}

		err = auth.SignRequest(req, t.Credentials.UserID, t.Credentials.TOTPSecret, t.Credentials.PrivateKey, now())

		if err != nil {
			return stacktrace.Propagate(err, "failed to sign %v %v", method, path)
		}
	}

	httpc := t.HTTP
	if httpc == nil {
		httpc = http.DefaultClient
	}

	resp, err := httpc.Do(req)

	if err != nil {
		return stacktrace.Propagate(err, "api %v %v failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   string(bytes.TrimSpace(msg)),
		}
	}

	switch o := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err = io.Copy(o, resp.Body)
	default:
		err = json.NewDecoder(resp.Body).Decode(out)
	}

	if err != nil {
		return stacktrace.Propagate(err, "failed to read %v %v response", method, path)
	}

	return nil
}
