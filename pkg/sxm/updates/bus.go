// Package updates implements the in-process event bus the watchdog posts
// mirror-failure events to (spec §4.5.3), modelled on client.EventListener/
// EventTarget's handler-registration idiom but simplified to a single
// process since the coordinator has no clustering concern.
package updates

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is the payload posted to the bus; currently only mirror-failure
// notifications are produced (spec §4.5.3 step 3).
type Event struct {
	Kind     string `json:"kind"`
	MirrorID string `json:"mirror_id"`
}

// Bus is a simple pub/sub fan-out of Events to registered handlers, plus an
// optional websocket tap for external observers.
type Bus struct {
	mu       sync.Mutex
	handlers []func(Event)
	upgrader websocket.Upgrader
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
}

// AddHandler registers a function to be called for every published event,
// mirroring EventListener.AddHandler's shape.
func (b *Bus) AddHandler(f func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, f)
}

// Publish fans an event out to every registered handler.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	handlers := append([]func(Event){}, b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// ServeWebsocket upgrades r to a websocket and streams every subsequently
// published Event to it as JSON, until the connection closes.
func (b *Bus) ServeWebsocket(w http.ResponseWriter, r *http.Request) error {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := make(chan Event, 16)
	b.AddHandler(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return err
		}
	}

	return nil
}
