// Package notifications holds the pluggable notification channel registry.
// Modules register channels at activation; the platform uses the registry to
// deliver events to operators and users.
package notifications

import (
	"context"
	"sort"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// ErrChannelNotFound is returned when sending to a channel that was never
// registered.
var ErrChannelNotFound = errors.Sentinel("notifications: channel not found")

// Message is a single notification payload.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Handler delivers a message to the given targets over one transport.
type Handler func(ctx context.Context, m Message, targets []string) error

// Channel is one registered delivery transport.
type Channel struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	handler Handler
}

// Registry is the shared channel store. Like the permission registry it is
// constructed once at boot and injected into consumers; channels are
// registered during module activation and read-mostly afterwards.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
	}
}

// RegisterChannel upserts a channel. Re-registering an existing name replaces
// the handler, which supports hot-reloading a channel implementation; it is
// logged as a warning, not treated as an error.
func (r *Registry) RegisterChannel(name string, handler Handler, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; ok {
		log.WithField("channel", name).Warn("notification channel re-registered, replacing handler")
	}
	r.channels[name] = &Channel{
		Name:        name,
		Description: description,
		Enabled:     true,
		handler:     handler,
	}
}

// UnregisterChannel removes a channel entirely. Removing an unknown channel is
// a no-op.
func (r *Registry) UnregisterChannel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, name)
}

// SetChannelEnabled toggles delivery for a channel without removing it.
func (r *Registry) SetChannelEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[name]
	if !ok {
		return errors.WithDetails(ErrChannelNotFound, "channel", name)
	}
	c.Enabled = enabled
	return nil
}

// HasChannel reports whether a channel is registered.
func (r *Registry) HasChannel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name]
	return ok
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// GetChannels returns registered channels sorted by name, optionally filtered
// to enabled ones.
func (r *Registry) GetChannels(onlyEnabled bool) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		if onlyEnabled && !c.Enabled {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Send delivers a message through a single named channel. An unknown channel
// is an error; a disabled channel is a logged no-op; a handler failure
// propagates to the caller.
func (r *Registry) Send(ctx context.Context, name string, m Message, targets []string) error {
	r.mu.RLock()
	c, ok := r.channels[name]
	var enabled bool
	var handler Handler
	if ok {
		enabled = c.Enabled
		handler = c.handler
	}
	r.mu.RUnlock()
	if !ok {
		return errors.WithDetails(ErrChannelNotFound, "channel", name)
	}
	if !enabled {
		log.WithField("channel", name).Warn("skipping send to disabled notification channel")
		return nil
	}
	return handler(ctx, m, targets)
}

// Broadcast fans a message out to every enabled channel concurrently. Each
// handler's failure (error or panic) is logged individually and never blocks
// delivery attempts to the remaining channels; the call itself always settles.
func (r *Registry) Broadcast(ctx context.Context, m Message, targets []string) {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		if c.Enabled {
			channels = append(channels, c)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range channels {
		wg.Add(1)
		go func(c *Channel) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(log.Fields{
						"channel": c.Name,
						"panic":   rec,
					}).Error("notification channel handler panicked during broadcast")
				}
			}()
			if err := c.handler(ctx, m, targets); err != nil {
				log.WithField("channel", c.Name).WithError(err).Warn("notification channel failed during broadcast")
			}
		}(c)
	}
	wg.Wait()
}
