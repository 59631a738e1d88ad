// Package module implements the registered-capability-provider runtime:
// the Module interface, its lifecycle state machine, the per-module
// metrics counters, and the ModuleContext facade modules use to reach the
// rest of the system.
package module

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Priority orders module initialisation when several modules are otherwise
// unconstrained by dependencies; lower values initialise first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// State is a module's position in the lifecycle state machine.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateActive
	StatePaused
	StateError
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	case StateUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// Capability is a named action a module exports.
type Capability struct {
	Name        string
	Description string
	InputKinds  []string
	OutputKind  string
	AsyncOK     bool
	Deps        []string
}

// Args carries the positional and keyword arguments the dispatcher
// extracted from a command line (or that a caller builds directly).
type Args struct {
	Positional []any
	Kwargs     map[string]any
}

// Kwarg returns the keyword argument named key and whether it was present.
func (a Args) Kwarg(key string) (any, bool) {
	if a.Kwargs == nil {
		return nil, false
	}
	v, ok := a.Kwargs[key]
	return v, ok
}

// Metrics tracks per-module call accounting. Updated atomically per call
// under its own mutex; never mutated by anything other than the manager
// servicing a Call.
type Metrics struct {
	mu         sync.Mutex
	Calls      int64
	TotalNanos int64
	AvgNanos   int64
	Errors     int64
	LastError  string
	PeakMemKB  int64
	PeakCPU    float64
}

// recordCall folds one call's outcome into the metrics.
func (m *Metrics) recordCall(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.TotalNanos += duration.Nanoseconds()
	m.AvgNanos = m.TotalNanos / m.Calls
	if err != nil {
		m.Errors++
		m.LastError = err.Error()
	}
}

// Snapshot returns a copy of the metrics safe to read without the manager's lock.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Calls:      m.Calls,
		TotalNanos: m.TotalNanos,
		AvgNanos:   m.AvgNanos,
		Errors:     m.Errors,
		LastError:  m.LastError,
		PeakMemKB:  m.PeakMemKB,
		PeakCPU:    m.PeakCPU,
	}
}

// Module is a registered capability provider. Implementations are either
// native (in-process, built into this binary) or external (a loader.External
// wrapping a subprocess described by a module manifest).
type Module interface {
	Name() string
	Version() string
	ModulePriority() Priority
	Dependencies() []string
	Capabilities() []Capability
	Initialize(ctx context.Context, mctx *Context) error
	Shutdown(ctx context.Context) error
	Call(ctx context.Context, action string, args Args) (any, error)
}

// Errors raised by this package, matching the taxonomy in §7.
var (
	ErrDuplicateModule    = errors.New("module: duplicate module")
	ErrValidationFailed   = errors.New("module: validation failed")
	ErrModuleNotFound     = errors.New("module: module not found")
	ErrActionNotFound     = errors.New("module: action not found")
	ErrCircularDependency = errors.New("module: circular dependency")
	ErrExecutionError     = errors.New("module: execution error")
	ErrTimeoutExceeded    = errors.New("module: timeout exceeded")
)

// Info is a read-only snapshot of a registered module's bookkeeping,
// returned by Manager.Info/ListModules for status reporting.
type Info struct {
	Name            string
	Version         string
	Priority        Priority
	Dependencies    []string
	State           State
	Capabilities    []Capability
	SourcePath      string
	SourceTimestamp time.Time
	Metrics         Metrics
}

// SystemHealth is the manager-wide snapshot produced by SystemHealth().
type SystemHealth struct {
	Total       int
	Loaded      int
	Errored     int
	TotalCalls  int64
	TotalErrors int64
	HealthScore float64 // loaded/total, 0 when total == 0
}
