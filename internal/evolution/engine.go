// Package evolution implements the six-phase self-improvement pipeline:
// Analyse telemetry for problems, Identify opportunities, Generate candidate
// module source code, Test it statically, Integrate validated solutions as
// running modules, and Learn from the outcome.
package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ellmago/ellma/internal/config"
)

// Engine owns the evolution pipeline's state: its own event history, the
// firewall gating integration, and the collaborators it reads telemetry
// from and writes new modules into.
type Engine struct {
	mu         sync.Mutex
	isEvolving bool

	cfg     config.EvolutionConfig
	dataDir string
	logger  *slog.Logger

	telemetry TelemetrySource
	registrar ModuleRegistrar
	loader    ModuleLoader
	textgen   TextGenerator // nil-able
	recorder  Recorder      // nil-able

	firewall         *EvolutionFirewall
	ownerApproval    *OwnerApproval // nil-able
	provenanceSecret []byte

	historyMu    sync.Mutex
	learningRate float64
	history      []EvolutionCycle
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithTextGenerator wires a free-text code generator into the Identify and
// Generate phases.
func WithTextGenerator(tg TextGenerator) EngineOption {
	return func(e *Engine) { e.textgen = tg }
}

// WithRecorder wires a durable decision log into the Identify and Integrate
// phases.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithOwnerApproval wires a pre-signed owner approval the firewall consults
// before integrating high-priority solutions.
func WithOwnerApproval(approval *OwnerApproval) EngineOption {
	return func(e *Engine) { e.ownerApproval = approval }
}

// WithProvenanceSecret sets the HMAC secret used to sign ProvenanceTokens
// for newly integrated modules.
func WithProvenanceSecret(secret []byte) EngineOption {
	return func(e *Engine) { e.provenanceSecret = secret }
}

// NewEngine creates an Engine rooted at <dataDir>/evolution, creating the
// generated-module and backup subdirectories, and loading any previously
// persisted cycle history.
func NewEngine(cfg config.EvolutionConfig, dataDir string, telemetry TelemetrySource, registrar ModuleRegistrar, loader ModuleLoader, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root := filepath.Join(dataDir, "evolution")
	for _, sub := range []string{root, filepath.Join(root, "generated"), filepath.Join(root, "backups")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	learningRate := cfg.LearningRate
	if learningRate <= 0 {
		learningRate = 0.1
	}

	e := &Engine{
		cfg:          cfg,
		dataDir:      root,
		logger:       logger.With("component", "evolution"),
		telemetry:    telemetry,
		registrar:    registrar,
		loader:       loader,
		firewall:     NewEvolutionFirewall(DefaultFirewallConfig()),
		learningRate: learningRate,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadHistory(); err != nil {
		e.logger.Warn("failed to load evolution history, starting fresh", "error", err)
	}

	return e, nil
}

// Run executes one pass of the pipeline. Run refuses to start a new cycle
// when one is already in flight and, unless force is set, when evolution is
// disabled in config or the host is resource-constrained. Every cycle,
// whatever its status, is appended to the history.
func (e *Engine) Run(ctx context.Context, force bool) EvolutionCycle {
	cycle := EvolutionCycle{
		ID:        newID("cycle"),
		StartedAt: time.Now(),
		Status:    CycleStarted,
	}

	if !e.cfg.Enabled && !force {
		cycle.Status = CycleDisabled
		cycle.FinishedAt = time.Now()
		e.recordCycle(cycle)
		return cycle
	}

	e.mu.Lock()
	if e.isEvolving {
		e.mu.Unlock()
		cycle.Status = CycleBusy
		cycle.FinishedAt = time.Now()
		e.recordCycle(cycle)
		return cycle
	}
	e.isEvolving = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.isEvolving = false
		e.mu.Unlock()
	}()

	if !force {
		if reason, constrained := e.resourceConstrained(); constrained {
			e.logger.Warn("skipping evolution cycle: resource constrained", "reason", reason)
			cycle.Status = CycleResourceConstrained
			cycle.Error = reason
			cycle.FinishedAt = time.Now()
			e.recordCycle(cycle)
			return cycle
		}
	}

	e.logger.Info("evolution cycle starting", "cycle", cycle.ID)

	analysis := e.analyse(ctx)
	cycle.Analysis = &analysis
	if ctx.Err() != nil {
		return e.cancel(cycle)
	}

	opportunities := e.identify(ctx, analysis)
	cycle.Opportunities = opportunities
	if ctx.Err() != nil {
		return e.cancel(cycle)
	}

	solutions := e.generate(ctx, opportunities)
	if ctx.Err() != nil {
		return e.cancel(cycle)
	}

	e.test(solutions)
	cycle.Solutions = solutions
	if ctx.Err() != nil {
		return e.cancel(cycle)
	}

	integrations := e.integrate(ctx, cycle.ID, solutions)
	cycle.Integrations = integrations
	if ctx.Err() != nil {
		return e.cancel(cycle)
	}

	e.learn(&cycle)

	cycle.Status = CycleSuccess
	cycle.FinishedAt = time.Now()

	if e.telemetry != nil {
		e.telemetry.RecordEvolutionCycle()
	}
	e.recordCycle(cycle)

	e.logger.Info("evolution cycle finished",
		"cycle", cycle.ID,
		"opportunities", len(opportunities),
		"solutions", len(solutions),
		"integrations", len(integrations),
	)

	return cycle
}

func (e *Engine) cancel(cycle EvolutionCycle) EvolutionCycle {
	cycle.Status = CycleCancelled
	cycle.FinishedAt = time.Now()
	e.recordCycle(cycle)
	return cycle
}

// resourceConstrained reports whether this process's heap exceeds
// MaxMemoryMB or free disk under the data directory is below MinDiskMB.
// MinMemoryMB is not consulted; host-wide available memory is not measured.
func (e *Engine) resourceConstrained() (string, bool) {
	if e.cfg.MaxMemoryMB > 0 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		heapMB := int(m.HeapAlloc / (1024 * 1024))
		if heapMB > e.cfg.MaxMemoryMB {
			return fmt.Sprintf("heap usage %dMB exceeds configured max %dMB", heapMB, e.cfg.MaxMemoryMB), true
		}
	}
	if e.cfg.MinDiskMB > 0 {
		free, err := freeDiskMB(e.dataDir)
		if err == nil && free < e.cfg.MinDiskMB {
			return fmt.Sprintf("free disk %dMB below configured minimum %dMB", free, e.cfg.MinDiskMB), true
		}
	}
	return "", false
}

// recordCycle appends to the in-memory history and persists it, keeping a
// timestamped backup of the previous file before each overwrite.
func (e *Engine) recordCycle(cycle EvolutionCycle) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	e.history = append(e.history, cycle)
	history := append([]EvolutionCycle(nil), e.history...)

	path := filepath.Join(e.dataDir, "evolution_history.json")
	if data, err := os.ReadFile(path); err == nil {
		backup := filepath.Join(e.dataDir, "backups", fmt.Sprintf("evolution_history_%d.json", time.Now().UnixNano()))
		if err := os.WriteFile(backup, data, 0o644); err != nil {
			e.logger.Warn("failed to back up evolution history", "error", err)
		}
	}

	if err := writeJSONAtomic(path, history); err != nil {
		e.logger.Warn("failed to persist evolution history", "error", err)
	}
}

func (e *Engine) loadHistory() error {
	path := filepath.Join(e.dataDir, "evolution_history.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var history []EvolutionCycle
	if err := json.Unmarshal(data, &history); err != nil {
		return err
	}
	e.historyMu.Lock()
	e.history = history
	e.historyMu.Unlock()
	return nil
}

// History returns a copy of every recorded EvolutionCycle, oldest first.
func (e *Engine) History() []EvolutionCycle {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	return append([]EvolutionCycle(nil), e.history...)
}

// FirewallStatus reports the current rate-limit and circuit-breaker state.
func (e *Engine) FirewallStatus() FirewallStatus {
	return e.firewall.GetFirewallStatus()
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".evolution-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func priorityRank(p string) int {
	switch p {
	case "high":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}
