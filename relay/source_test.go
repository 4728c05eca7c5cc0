package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deviceio/relay/telemetry"
	"github.com/gorilla/websocket"
)

// testSource is a minimal telemetry source: it accepts relay connections,
// records what clients send and can push events or drop every connection.
type testSource struct {
	server     *httptest.Server
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	conns      []*websocket.Conn
	wg         sync.WaitGroup
	received   chan telemetry.Envelope
	reject     atomic.Bool
	handshakes atomic.Int32

	// delay stalls each handshake before the upgrade, in nanoseconds
	delay atomic.Int64

	// live counts server side connections whose read loop still runs
	live atomic.Int32
}

func newTestSource(t *testing.T) *testSource {
	src := &testSource{
		received: make(chan telemetry.Envelope, 64),
	}

	src.server = httptest.NewServer(http.HandlerFunc(src.serve))

	t.Cleanup(src.close)

	return src
}

func (t *testSource) url() string {
	return "ws" + strings.TrimPrefix(t.server.URL, "http")
}

func (t *testSource) serve(rw http.ResponseWriter, r *http.Request) {
	t.handshakes.Add(1)

	if d := t.delay.Load(); d > 0 {
		time.Sleep(time.Duration(d))
	}

	if t.reject.Load() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(rw, r, nil)

	if err != nil {
		return
	}

	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.wg.Add(1)
	t.live.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.live.Add(-1)

		for {
			_, msg, err := conn.ReadMessage()

			if err != nil {
				return
			}

			var env telemetry.Envelope

			if json.Unmarshal(msg, &env) == nil {
				select {
				case t.received <- env:
				default:
				}
			}
		}
	}()
}

func (t *testSource) emit(event string, data interface{}) {
	frame, _ := json.Marshal(data)
	env, _ := json.Marshal(telemetry.Envelope{Event: event, Data: frame})

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.conns {
		c.WriteMessage(websocket.TextMessage, env)
	}
}

func (t *testSource) emitRaw(frame string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.conns {
		c.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// dropAll closes every server side connection without a close handshake.
func (t *testSource) dropAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.conns {
		c.Close()
	}

	t.conns = nil
}

func (t *testSource) connCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.conns)
}

func (t *testSource) close() {
	t.dropAll()
	t.wg.Wait()
	t.server.Close()
}
