package events

import (
	"sync"

	"github.com/apex/log"
)

// Topics published by the daemon core. Modules may subscribe to these through
// their registration context.
const (
	ModuleInstalledEvent   = "module:installed"
	ModuleActivatedEvent   = "module:activated"
	ModuleDeactivatedEvent = "module:deactivated"
	ModuleUninstalledEvent = "module:uninstalled"
)

// Event is a single published event and its payload.
type Event struct {
	Topic string
	Data  string
}

// HandlerFunc is invoked for every event published on a subscribed topic.
type HandlerFunc func(e Event)

// Bus is a minimal in-process publish/subscribe bus. Subscriptions are
// established at module registration time and read-mostly afterwards.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]HandlerFunc
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string][]HandlerFunc),
	}
}

// On subscribes a handler to a topic. There is no unsubscribe: listener sets
// live for the lifetime of the process, matching module activation semantics.
func (b *Bus) On(topic string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[topic] = append(b.listeners[topic], fn)
}

// Publish dispatches an event to every listener registered for its topic. A
// panicking listener is logged and skipped so one bad subscriber cannot take
// out the publisher.
func (b *Bus) Publish(topic string, data string) {
	b.mu.RLock()
	listeners := make([]HandlerFunc, len(b.listeners[topic]))
	copy(listeners, b.listeners[topic])
	b.mu.RUnlock()

	e := Event{Topic: topic, Data: data}
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"topic": topic,
						"panic": r,
					}).Error("events: listener panicked while handling event")
				}
			}()
			fn(e)
		}()
	}
}
