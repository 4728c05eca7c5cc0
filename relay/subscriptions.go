package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Handler receives the raw JSON payload of a named event.
type Handler func(data json.RawMessage)

type subscription struct {
	id      uint64
	handler Handler
	removed *atomic.Bool
}

// invoke calls the handler unless the subscription was removed after the
// dispatching snapshot was taken.
func (t subscription) invoke(data json.RawMessage) {
	if t.removed.Load() {
		return
	}
	t.handler(data)
}

// subscriptions is the event name -> handler registry. Handlers are invoked
// outside the lock so they may subscribe or unsubscribe re-entrantly.
type subscriptions struct {
	items  map[string][]subscription
	nextID uint64
	mu     sync.Mutex
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		items: map[string][]subscription{},
	}
}

func (t *subscriptions) add(name string, h Handler) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.items[name] = append(t.items[name], subscription{id: id, handler: h, removed: &atomic.Bool{}})
	t.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			t.remove(name, id)
		})
	}
}

func (t *subscriptions) remove(name string, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.items[name]

	for i, s := range subs {
		if s.id == id {
			s.removed.Store(true)

			// copy so an in-flight dispatch keeps iterating its own snapshot
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)

			if len(next) == 0 {
				delete(t.items, name)
			} else {
				t.items[name] = next
			}
			return
		}
	}
}

// handlers returns the handlers registered for name at call time.
func (t *subscriptions) handlers(name string) []subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.items[name]
}

func (t *subscriptions) count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.items[name])
}
