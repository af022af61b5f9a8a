package modules

import (
	"sync"

	"github.com/apex/log"

	"github.com/priyxstudio/forge/events"
	"github.com/priyxstudio/forge/permissions"
)

// RegistrationContext is the capability surface handed to a module's
// registration hook. It intentionally exposes only the operations a module may
// perform at activation time rather than the full registries.
type RegistrationContext interface {
	// Slug returns the slug of the module being registered.
	Slug() string
	// RegisterPermission registers a permission owned by this module.
	RegisterPermission(name, description string)
	// Subscribe attaches a handler to a platform event topic, e.g.
	// events.ModuleActivatedEvent.
	Subscribe(topic string, fn events.HandlerFunc)
}

// Registrar is the entry point a module exposes. It is invoked once each time
// the module becomes active.
type Registrar interface {
	Register(ctx RegistrationContext) error
}

// RegistrarFunc adapts a plain function to the Registrar interface.
type RegistrarFunc func(ctx RegistrationContext) error

func (f RegistrarFunc) Register(ctx RegistrationContext) error {
	return f(ctx)
}

// registrationContext backs RegistrationContext with the shared registries,
// stamping the owning module onto everything it registers.
type registrationContext struct {
	slug string
	acl  *permissions.Registry
	bus  *events.Bus
}

func (c *registrationContext) Slug() string {
	return c.slug
}

func (c *registrationContext) RegisterPermission(name, description string) {
	c.acl.RegisterPermission(name, description, c.slug)
}

func (c *registrationContext) Subscribe(topic string, fn events.HandlerFunc) {
	c.bus.On(topic, fn)
}

// hooks maps module slugs to their in-process registration entry points.
// Runtime code loading is not supported, so module code links into the daemon
// and announces itself here, typically from an init function.
var (
	hooksMu sync.RWMutex
	hooks   = make(map[string]Registrar)
)

// RegisterHook associates a module slug with its registration entry point.
// Registering the same slug twice replaces the previous hook with a warning.
func RegisterHook(slug string, r Registrar) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if _, ok := hooks[slug]; ok {
		log.WithField("module", slug).Warn("module registration hook replaced")
	}
	hooks[slug] = r
}

func lookupHook(slug string) (Registrar, bool) {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	r, ok := hooks[slug]
	return r, ok
}
