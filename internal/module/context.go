package module

import (
	"context"
	"sync"

	"github.com/ellmago/ellma/internal/eventbus"
)

// Context is the thin facade handed to each module at Initialize. It is
// the only sanctioned surface a module uses to reach the rest of the
// system: no module may mutate another module's state directly.
type Context struct {
	manager *Manager
	bus     *eventbus.Bus

	sharedMu sync.Mutex
	shared   map[string]any
}

func newContext(m *Manager, bus *eventbus.Bus) *Context {
	return &Context{
		manager: m,
		bus:     bus,
		shared:  make(map[string]any),
	}
}

// GetModule returns the registered module named name, or nil if unknown.
// Ownership is never transferred; callers must not retain it past the
// current call.
func (c *Context) GetModule(name string) Module {
	c.manager.mu.RLock()
	defer c.manager.mu.RUnlock()
	rec, ok := c.manager.modules[name]
	if !ok {
		return nil
	}
	return rec.mod
}

// Call delegates to Manager.Call with the same metrics accounting any
// other caller gets.
func (c *Context) Call(ctx context.Context, name, action string, args Args) (any, error) {
	return c.manager.Call(ctx, name, action, args)
}

// Emit forwards to the event bus.
func (c *Context) Emit(topic string, payload any) {
	c.bus.Emit(topic, payload)
}

// Subscribe forwards to the event bus, returning an unsubscribe token.
func (c *Context) Subscribe(topic string, handler eventbus.Handler) uint64 {
	return c.bus.Subscribe(topic, handler)
}

// Unsubscribe forwards to the event bus.
func (c *Context) Unsubscribe(topic string, id uint64) {
	c.bus.Unsubscribe(topic, id)
}

// SetShared stores value under key in the process-wide shared map.
func (c *Context) SetShared(key string, value any) {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()
	c.shared[key] = value
}

// GetShared retrieves the value stored under key, if any.
func (c *Context) GetShared(key string) (any, bool) {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()
	v, ok := c.shared[key]
	return v, ok
}
