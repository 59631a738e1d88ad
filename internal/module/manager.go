package module

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ellmago/ellma/internal/eventbus"
)

const (
	// DefaultInitTimeout bounds a single module's Initialize call.
	DefaultInitTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds a single module's Shutdown call.
	DefaultShutdownTimeout = 10 * time.Second
)

// StateRecorder observes module state transitions before they are applied
// in memory, so a crash mid-transition is replayable from a durability log.
// Manager tolerates a nil recorder.
type StateRecorder interface {
	RecordStateChange(moduleName string, from, to State) error
}

type record struct {
	mod             Module
	state           State
	metrics         *Metrics
	dependencies    []string
	sourcePath      string
	sourceTimestamp time.Time
}

// Manager owns the module registry: lifecycle transitions, dependency
// ordering, per-call metrics, and the validation gate new registrations
// must pass.
type Manager struct {
	mu      sync.RWMutex
	modules map[string]*record

	bus      *eventbus.Bus
	mctx     *Context
	logger   *slog.Logger
	recorder StateRecorder

	initTimeout     time.Duration
	shutdownTimeout time.Duration
}

// NewManager creates a Manager bound to bus. logger may be nil (defaults
// to slog.Default()).
func NewManager(bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		modules:         make(map[string]*record),
		bus:             bus,
		logger:          logger.With("component", "module_manager"),
		initTimeout:     DefaultInitTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	m.mctx = newContext(m, bus)
	return m
}

// SetStateRecorder installs a WAL-backed (or test) state recorder.
func (m *Manager) SetStateRecorder(r StateRecorder) {
	m.recorder = r
}

// SetTimeouts overrides the default Initialize/Shutdown wall-clock budgets.
func (m *Manager) SetTimeouts(initTimeout, shutdownTimeout time.Duration) {
	if initTimeout > 0 {
		m.initTimeout = initTimeout
	}
	if shutdownTimeout > 0 {
		m.shutdownTimeout = shutdownTimeout
	}
}

// Context returns the ModuleContext modules are initialised with.
func (m *Manager) Context() *Context {
	return m.mctx
}

// Register validates and adds module to the registry in StateUnloaded.
// It fails with ErrDuplicateModule if the name is taken and with
// ErrValidationFailed if the name is empty; a module that declares no
// capabilities is accepted.
func (m *Manager) Register(mod Module, sourcePath string, sourceTimestamp time.Time) error {
	name := mod.Name()
	if name == "" {
		return fmt.Errorf("register module: %w: empty name", ErrValidationFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.modules[name]; exists {
		return fmt.Errorf("register module %q: %w", name, ErrDuplicateModule)
	}

	m.modules[name] = &record{
		mod:             mod,
		state:           StateUnloaded,
		metrics:         &Metrics{},
		dependencies:    mod.Dependencies(),
		sourcePath:      sourcePath,
		sourceTimestamp: sourceTimestamp,
	}
	m.logger.Info("module registered", "module", name, "priority", mod.ModulePriority().String())
	return nil
}

// Unregister removes a module entirely. Used by the loader when replacing
// a reloaded module under the currency-check rule.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modules, name)
}

func (m *Manager) transition(name string, rec *record, to State) {
	from := rec.state
	if m.recorder != nil {
		if err := m.recorder.RecordStateChange(name, from, to); err != nil {
			m.logger.Warn("state recorder failed", "module", name, "error", err)
		}
	}
	rec.state = to
}

// Initialize brings module name from Unloaded to Loaded, recursively
// initialising its declared dependencies first. Returns ErrCircularDependency
// if the dependency graph rooted at name has a cycle.
func (m *Manager) Initialize(ctx context.Context, name string) error {
	return m.initialize(ctx, name, make(map[string]bool))
}

func (m *Manager) initialize(ctx context.Context, name string, visiting map[string]bool) error {
	m.mu.Lock()
	rec, ok := m.modules[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("initialize %q: %w", name, ErrModuleNotFound)
	}
	if rec.state == StateLoaded || rec.state == StateActive {
		m.mu.Unlock()
		return nil
	}
	if visiting[name] {
		m.mu.Unlock()
		return fmt.Errorf("initialize %q: %w", name, ErrCircularDependency)
	}
	visiting[name] = true
	deps := append([]string(nil), rec.dependencies...)
	m.mu.Unlock()

	for _, dep := range deps {
		if err := m.initialize(ctx, dep, visiting); err != nil {
			m.mu.Lock()
			if r, ok := m.modules[name]; ok {
				m.transition(name, r, StateError)
			}
			m.mu.Unlock()
			return fmt.Errorf("initialize %q: dependency %q: %w", name, dep, err)
		}
	}

	m.mu.Lock()
	m.transition(name, rec, StateLoading)
	m.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- rec.mod.Initialize(initCtx, m.mctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-initCtx.Done():
		m.logger.Warn("module initialize exceeded budget", "module", name, "budget", m.initTimeout)
		err = <-done // cooperative: wait for the module's own return, we do not force-kill it
	}
	duration := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.transition(name, rec, StateError)
		return fmt.Errorf("initialize %q: %w", name, err)
	}
	m.transition(name, rec, StateLoaded)
	m.bus.Emit("module_initialized", map[string]any{"name": name, "durationNanos": duration.Nanoseconds()})
	return nil
}

// Activate transitions a Loaded module to Active.
func (m *Manager) Activate(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.modules[name]
	if !ok {
		return fmt.Errorf("activate %q: %w", name, ErrModuleNotFound)
	}
	if rec.state != StateLoaded {
		return fmt.Errorf("activate %q: module not loaded (state=%s)", name, rec.state)
	}
	m.transition(name, rec, StateActive)
	return nil
}

// Shutdown shuts down module name, bounded by the configured shutdown
// timeout. Terminal failures transition the module to Error, not Unloaded.
func (m *Manager) Shutdown(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.modules[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("shutdown %q: %w", name, ErrModuleNotFound)
	}
	m.transition(name, rec, StateUnloading)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rec.mod.Shutdown(shutdownCtx) }()

	var err error
	select {
	case err = <-done:
	case <-shutdownCtx.Done():
		err = fmt.Errorf("%w: shutdown of %q exceeded %s", ErrTimeoutExceeded, name, m.shutdownTimeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.transition(name, rec, StateError)
		return err
	}
	m.transition(name, rec, StateUnloaded)
	return nil
}

// topoOrder returns module names in dependency order: every module
// appears strictly after all of its declared dependencies. Returns
// ErrCircularDependency if the graph has a cycle.
func (m *Manager) topoOrder() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.modules))
	for name := range m.modules {
		names = append(names, name)
	}
	// Walk names by priority (lower value first), then by name, so the
	// order is stable across calls.
	sort.Slice(names, func(i, j int) bool {
		pi, pj := m.modules[names[i]].mod.ModulePriority(), m.modules[names[j]].mod.ModulePriority()
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})

	visited := make(map[string]int) // 0=unvisited 1=visiting 2=done
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("%w: %s", ErrCircularDependency, name)
		}
		visited[name] = 1
		rec, ok := m.modules[name]
		if !ok {
			visited[name] = 2
			return nil
		}
		for _, dep := range rec.dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// InitializeAll initialises every registered module in dependency order.
func (m *Manager) InitializeAll(ctx context.Context) error {
	order, err := m.topoOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := m.Initialize(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ShutdownAll shuts down every registered module in reverse dependency order.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	order, err := m.topoOrder()
	if err != nil {
		return err
	}
	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.Shutdown(ctx, order[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Call looks up module name, records one call in its metrics, runs action,
// and re-raises the original error to the caller. The registry lock is
// released before the action runs and reacquired only for metric updates.
func (m *Manager) Call(ctx context.Context, name, action string, args Args) (any, error) {
	m.mu.RLock()
	rec, ok := m.modules[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("call %s.%s: %w", name, action, ErrModuleNotFound)
	}

	hasAction := false
	for _, cap := range rec.mod.Capabilities() {
		if cap.Name == action {
			hasAction = true
			break
		}
	}
	if !hasAction {
		return nil, fmt.Errorf("call %s.%s: %w", name, action, ErrActionNotFound)
	}

	start := time.Now()
	result, err := rec.mod.Call(ctx, action, args)
	duration := time.Since(start)

	rec.metrics.recordCall(duration, err)

	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w: %v", name, action, ErrExecutionError, err)
	}
	return result, nil
}

// FindByCapability returns every registered module advertising capName.
func (m *Manager) FindByCapability(capName string) []Module {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []Module
	for _, rec := range m.modules {
		for _, cap := range rec.mod.Capabilities() {
			if cap.Name == capName {
				found = append(found, rec.mod)
				break
			}
		}
	}
	return found
}

// Info returns a snapshot of a single registered module, or false if unknown.
func (m *Manager) Info(name string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.modules[name]
	if !ok {
		return Info{}, false
	}
	return Info{
		Name:            name,
		Version:         rec.mod.Version(),
		Priority:        rec.mod.ModulePriority(),
		Dependencies:    rec.dependencies,
		State:           rec.state,
		Capabilities:    rec.mod.Capabilities(),
		SourcePath:      rec.sourcePath,
		SourceTimestamp: rec.sourceTimestamp,
		Metrics:         rec.metrics.Snapshot(),
	}, true
}

// ListModules returns a snapshot of every registered module.
func (m *Manager) ListModules() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.modules))
	for name, rec := range m.modules {
		out = append(out, Info{
			Name:            name,
			Version:         rec.mod.Version(),
			Priority:        rec.mod.ModulePriority(),
			Dependencies:    rec.dependencies,
			State:           rec.state,
			Capabilities:    rec.mod.Capabilities(),
			SourcePath:      rec.sourcePath,
			SourceTimestamp: rec.sourceTimestamp,
			Metrics:         rec.metrics.Snapshot(),
		})
	}
	return out
}

// SystemHealth returns a manager-wide snapshot: counts plus a derived
// health score of loaded/total.
func (m *Manager) SystemHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := SystemHealth{Total: len(m.modules)}
	for _, rec := range m.modules {
		snap := rec.metrics.Snapshot()
		h.TotalCalls += snap.Calls
		h.TotalErrors += snap.Errors
		switch rec.state {
		case StateLoaded, StateActive:
			h.Loaded++
		case StateError:
			h.Errored++
		}
	}
	if h.Total > 0 {
		h.HealthScore = float64(h.Loaded) / float64(h.Total)
	}
	return h
}

// SourceTimestamp returns the stored mtime for a registered module's
// source, used by the loader's currency check.
func (m *Manager) SourceTimestamp(name string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.modules[name]
	if !ok {
		return time.Time{}, false
	}
	return rec.sourceTimestamp, true
}
