// Package agent wires the hard core (EventBus, ModuleManager, ModuleLoader,
// CommandDispatcher, TelemetryStore, EvolutionEngine) together with the
// ambient stack (Config, Security, Scheduler, WAL, TextGenerator router)
// into the single top-level orchestrator described in §4.8: Agent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ellmago/ellma/internal/config"
	"github.com/ellmago/ellma/internal/dispatch"
	"github.com/ellmago/ellma/internal/eventbus"
	"github.com/ellmago/ellma/internal/evolution"
	"github.com/ellmago/ellma/internal/loader"
	"github.com/ellmago/ellma/internal/module"
	"github.com/ellmago/ellma/internal/scheduler"
	"github.com/ellmago/ellma/internal/security"
	"github.com/ellmago/ellma/internal/telemetry"
	"github.com/ellmago/ellma/internal/textgen"
	"github.com/ellmago/ellma/internal/wal"
)

// minCommandsForFailureCheck and failureRateThreshold are the §4.7 trigger
// constants for the failure-rate-driven evolution path; the count-driven
// path uses cfg.Evolution.EvolutionInterval directly.
const (
	minCommandsForFailureCheck = 10
	failureRateThreshold       = 0.2
)

// Result is what Execute returns on a successful module.action call or a
// built-in/non-module command it declines to handle itself.
type Result struct {
	Command        *dispatch.Command
	Value          any
	IsModuleAction bool
}

// Agent is the single entry point described in §4.8. It owns the
// ModuleManager, CommandDispatcher, TelemetryStore, and EvolutionEngine,
// plus the ambient Scheduler/WAL/TextGenerator collaborators this
// expansion adds around that core.
type Agent struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger

	bus        *eventbus.Bus
	manager    *module.Manager
	loader     *loader.Loader
	telemetry  *telemetry.Store
	dispatcher *dispatch.Dispatcher
	engine     *evolution.Engine
	sched      *scheduler.Scheduler
	textgen    *textgen.Client

	w          *wal.WAL
	stateBuf   *wal.WorkingBuffer
	cfgWatcher *config.Watcher

	mu sync.Mutex
}

// New constructs an Agent from cfg, creating every owned subsystem,
// loading module directories, initialising every registered module in
// dependency order, and (if configured) starting the scheduler and the
// module/config file watchers. cfgPath is retained for SaveState/config
// hot-reload; it may be empty when the caller has no backing file.
func New(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")

	bus := eventbus.New(logger)
	manager := module.NewManager(bus, logger)

	walDir := filepath.Join(cfg.Server.DataDir, "wal")
	w, err := wal.New(walDir)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	stateBuf := wal.NewWorkingBuffer("module_manager", w)
	manager.SetStateRecorder(&stateRecorder{buf: stateBuf})

	store, err := telemetry.New(cfg.Server.DataDir, cfg.Server.SQLiteMirror, logger)
	if err != nil {
		return nil, fmt.Errorf("open telemetry store: %w", err)
	}

	ld := loader.New(cfg.Modules.Dirs, manager, cfg.Modules.WatchEnabled, logger, security.NewSecurityPolicy(cfg.Security))

	var tg *textgen.Client
	var dispatchGen dispatch.TextGenerator
	var evolutionGen evolution.TextGenerator
	if len(cfg.Models.Providers) > 0 {
		tg = textgen.New(cfg.Models)
		dispatchGen = &dispatchAdapter{c: tg}
		evolutionGen = &evolutionAdapter{c: tg}
	}

	disp := dispatch.New(manager, dispatchGen, cfg.Shell.UseNLP, logger)

	provenanceSecret, err := loadOrCreateProvenanceSecret(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("provenance secret: %w", err)
	}

	engine, err := evolution.NewEngine(cfg.Evolution, cfg.Server.DataDir, store, manager, ld, logger,
		evolution.WithTextGenerator(evolutionGen),
		evolution.WithRecorder(w),
		evolution.WithProvenanceSecret(provenanceSecret),
	)
	if err != nil {
		return nil, fmt.Errorf("create evolution engine: %w", err)
	}

	a := &Agent{
		cfg:        cfg,
		cfgPath:    cfgPath,
		logger:     logger,
		bus:        bus,
		manager:    manager,
		loader:     ld,
		telemetry:  store,
		dispatcher: disp,
		engine:     engine,
		textgen:    tg,
		w:          w,
		stateBuf:   stateBuf,
	}

	a.sched = scheduler.NewScheduler(&schedulerExecutor{a: a}, logger)
	if cfg.Scheduler.Enabled {
		if err := a.loadSchedulerJobs(); err != nil {
			logger.Warn("failed to load scheduler jobs from config", "error", err)
		}
	}

	if err := ld.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}
	if err := manager.InitializeAll(ctx); err != nil {
		logger.Warn("initialize all modules reported an error", "error", err)
	}

	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(ctx); err != nil {
			logger.Warn("failed to start scheduler", "error", err)
		}
	}

	if cfgPath != "" {
		a.cfgWatcher = config.NewWatcher(cfgPath, 2*time.Second, logger, a.onConfigChanged)
		a.cfgWatcher.Start()
	}

	return a, nil
}

// Execute parses and dispatches cmd through the CommandDispatcher,
// recording the outcome in TelemetryStore and firing an evolution cycle in
// the background when a §4.7 trigger condition is met. A raw shell
// built-in (no dot in its head token) is returned with IsModuleAction=false
// and a nil error: the caller (cmd/ellma's REPL) owns built-ins.
func (a *Agent) Execute(ctx context.Context, cmd string) (*Result, error) {
	start := time.Now()
	value, parsed, err := a.dispatcher.Dispatch(ctx, cmd)
	duration := time.Since(start)

	if parsed == nil || !parsed.IsModuleAction {
		if err != nil {
			return nil, err
		}
		return &Result{Command: parsed, IsModuleAction: false}, nil
	}

	rec := telemetry.TaskRecord{
		Timestamp:     time.Now(),
		Command:       parsed.Head,
		Args:          stringifyPositional(parsed.Args.Positional),
		Kwargs:        parsed.Args.Kwargs,
		DurationNanos: duration.Nanoseconds(),
		Success:       err == nil,
		Snapshot:      telemetry.Snapshot(),
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.TruncatedResult = truncate(fmt.Sprintf("%v", value), 500)
	}
	a.telemetry.Record(rec)

	if a.shouldTriggerEvolution() {
		go a.runEvolutionInBackground()
	}

	if err != nil {
		return nil, err
	}
	return &Result{Command: parsed, Value: value, IsModuleAction: true}, nil
}

func stringifyPositional(positional []any) []string {
	out := make([]string, len(positional))
	for i, v := range positional {
		out[i] = fmt.Sprintf("%v", v)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// shouldTriggerEvolution implements §4.7's trigger conditions:
// commandsExecuted % commandsThreshold == 0 (once non-zero), OR a failure
// rate above failureRateThreshold once at least minCommandsForFailureCheck
// commands have run. Only consulted when evolution.auto_improve is set.
func (a *Agent) shouldTriggerEvolution() bool {
	if !a.cfg.Evolution.AutoImprove {
		return false
	}
	snap := a.telemetry.Snapshot()
	if snap.CommandsExecuted == 0 {
		return false
	}
	threshold := int64(a.cfg.Evolution.EvolutionInterval)
	if threshold > 0 && snap.CommandsExecuted%threshold == 0 {
		return true
	}
	if snap.CommandsExecuted >= minCommandsForFailureCheck && snap.FailureRate() > failureRateThreshold {
		return true
	}
	return false
}

func (a *Agent) runEvolutionInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Evolution.MaxRuntimeMinutes)*time.Minute)
	defer cancel()
	cycle := a.engine.Run(ctx, false)
	a.logger.Info("background evolution cycle finished", "cycle", cycle.ID, "status", cycle.Status)
}

// Evolve runs one evolution cycle synchronously, delegating to the
// EvolutionEngine. force bypasses the enabled/resource-constrained
// preconditions (§4.7).
func (a *Agent) Evolve(ctx context.Context, force bool) evolution.EvolutionCycle {
	return a.engine.Run(ctx, force)
}

// GenerateOptions configures a direct Generate call; re-exported from
// internal/textgen so callers outside this module never import it.
type GenerateOptions = textgen.Options

// ErrModelNotLoaded is returned by Generate when no TextGenerator capability
// is configured (§7 "ModelNotLoaded").
var ErrModelNotLoaded = textgen.ErrNotLoaded

// Generate delegates to the TextGenerator router if one is configured;
// otherwise it returns ErrModelNotLoaded.
func (a *Agent) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if a.textgen == nil {
		return "", ErrModelNotLoaded
	}
	return a.textgen.Generate(ctx, prompt, opts)
}

// Status is the composed snapshot §4.8 names: TelemetryStore's aggregate
// plus ModuleManager's system health.
type Status struct {
	Telemetry *telemetry.PerformanceAggregate
	Health    module.SystemHealth
	Firewall  evolution.FirewallStatus
}

// Status returns a point-in-time composed snapshot of the agent's runtime.
func (a *Agent) Status() Status {
	return Status{
		Telemetry: a.telemetry.Snapshot(),
		Health:    a.manager.SystemHealth(),
		Firewall:  a.engine.FirewallStatus(),
	}
}

// History returns the last n recorded TaskRecords; see TelemetryStore.History.
func (a *Agent) History(n int) []telemetry.TaskRecord {
	return a.telemetry.History(n)
}

// EvolutionHistory returns every recorded EvolutionCycle, oldest first.
func (a *Agent) EvolutionHistory() []evolution.EvolutionCycle {
	return a.engine.History()
}

// ListModules returns a snapshot of every registered module.
func (a *Agent) ListModules() []module.Info {
	return a.manager.ListModules()
}

// SaveState persists TelemetryStore's aggregate/history and flushes the
// WAL working buffer. Idempotent: safe to call repeatedly.
func (a *Agent) SaveState() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if err := a.telemetry.SaveState(); err != nil {
		errs = append(errs, fmt.Errorf("save telemetry: %w", err))
	}
	if err := a.stateBuf.FlushToWAL(); err != nil {
		errs = append(errs, fmt.Errorf("flush wal buffer: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("save state: %v", errs)
	}
	return nil
}

// Close persists state, stops the scheduler and watchers, and shuts down
// every registered module in reverse dependency order.
func (a *Agent) Close(ctx context.Context) error {
	if a.cfgWatcher != nil {
		a.cfgWatcher.Stop()
	}
	if a.sched != nil {
		a.sched.Stop()
	}

	saveErr := a.SaveState()

	var g errgroup.Group
	g.Go(func() error { return a.manager.ShutdownAll(ctx) })
	g.Go(func() error { return a.telemetry.Close() })
	shutdownErr := g.Wait()

	if saveErr != nil {
		return saveErr
	}
	return shutdownErr
}

// onConfigChanged is the config Watcher's callback: it reloads and
// hot-applies whatever fields can be hot-reloaded, logging the rest as
// requiring a restart.
func (a *Agent) onConfigChanged() {
	if a.cfgPath == "" {
		return
	}
	result, err := a.cfg.Reload(a.cfgPath)
	if err != nil {
		a.logger.Warn("config reload failed", "error", err)
		return
	}
	result.LogResult(a.logger)
}

// loadSchedulerJobs decodes cfg.Scheduler.Jobs (loosely-typed YAML maps)
// into scheduler.Job values and loads the valid ones.
func (a *Agent) loadSchedulerJobs() error {
	jobs, err := decodeSchedulerJobs(a.cfg.Scheduler.Jobs)
	if err != nil {
		return err
	}
	return a.sched.LoadJobs(jobs)
}

// Manager exposes the ModuleManager for callers (the REPL, tests) that
// need direct registry access beyond Execute/Status.
func (a *Agent) Manager() *module.Manager { return a.manager }

// Loader exposes the ModuleLoader for callers that register modules
// outside of configured directories (tests, the REPL's "reload" built-in).
func (a *Agent) Loader() *loader.Loader { return a.loader }

// Config returns the agent's live configuration. Mutations must go
// through Reload, not direct field writes, to keep the hot-reload mutex
// consistent.
func (a *Agent) Config() *config.Config { return a.cfg }
