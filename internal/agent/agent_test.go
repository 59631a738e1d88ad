package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ellmago/ellma/internal/config"
	"github.com/ellmago/ellma/internal/dispatch"
	"github.com/ellmago/ellma/internal/module"
)

type fakeModule struct {
	name   string
	deps   []string
	caps   []module.Capability
	callFn func(action string, args module.Args) (any, error)
}

func (f *fakeModule) Name() string                { return f.name }
func (f *fakeModule) Version() string              { return "1.0.0" }
func (f *fakeModule) ModulePriority() module.Priority { return module.PriorityNormal }
func (f *fakeModule) Dependencies() []string       { return f.deps }
func (f *fakeModule) Capabilities() []module.Capability { return f.caps }
func (f *fakeModule) Initialize(ctx context.Context, mctx *module.Context) error { return nil }
func (f *fakeModule) Shutdown(ctx context.Context) error                        { return nil }
func (f *fakeModule) Call(ctx context.Context, action string, args module.Args) (any, error) {
	if f.callFn != nil {
		return f.callFn(action, args)
	}
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Modules.Dirs = nil
	cfg.Scheduler.Enabled = false
	cfg.Evolution.Enabled = false
	cfg.Evolution.AutoImprove = false

	a, err := New(context.Background(), cfg, "", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func registerEcho(t *testing.T, a *Agent) {
	t.Helper()
	mod := &fakeModule{
		name: "echo",
		caps: []module.Capability{{Name: "say"}},
		callFn: func(action string, args module.Args) (any, error) {
			if len(args.Positional) == 0 {
				return "", nil
			}
			return args.Positional[0], nil
		},
	}
	if err := a.Manager().Register(mod, "", time.Time{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
}

func TestExecuteSimpleModuleAction(t *testing.T) {
	a := newTestAgent(t)
	registerEcho(t, a)

	result, err := a.Execute(context.Background(), "echo.say hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsModuleAction {
		t.Fatal("expected IsModuleAction true")
	}
	if result.Value != "hello" {
		t.Fatalf("value = %v, want hello", result.Value)
	}

	snap := a.Status().Telemetry
	if snap.CommandsExecuted != 1 || snap.SuccessfulExecutions != 1 {
		t.Fatalf("telemetry = %+v", snap)
	}
}

func TestExecuteParsesFlagsAndPositionals(t *testing.T) {
	a := newTestAgent(t)
	var seenArgs module.Args
	mod := &fakeModule{
		name: "net",
		caps: []module.Capability{{Name: "fetch"}},
		callFn: func(action string, args module.Args) (any, error) {
			seenArgs = args
			return "ok", nil
		},
	}
	if err := a.Manager().Register(mod, "", time.Time{}); err != nil {
		t.Fatalf("register net: %v", err)
	}

	_, err := a.Execute(context.Background(), "net.fetch http://example.com --retries=3 --verbose")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(seenArgs.Positional) != 1 || seenArgs.Positional[0] != "http://example.com" {
		t.Fatalf("positional = %v", seenArgs.Positional)
	}
	if v, ok := seenArgs.Kwarg("retries"); !ok || v != int64(3) {
		t.Fatalf("retries kwarg = %v, ok=%v", v, ok)
	}
	if v, ok := seenArgs.Kwarg("verbose"); !ok || v != true {
		t.Fatalf("verbose kwarg = %v, ok=%v", v, ok)
	}
}

func TestExecuteRecordsFailureAndAggregates(t *testing.T) {
	a := newTestAgent(t)
	boom := errors.New("boom")
	mod := &fakeModule{
		name: "bad",
		caps: []module.Capability{{Name: "boom"}},
		callFn: func(action string, args module.Args) (any, error) {
			return nil, boom
		},
	}
	if err := a.Manager().Register(mod, "", time.Time{}); err != nil {
		t.Fatalf("register bad: %v", err)
	}

	_, err := a.Execute(context.Background(), "bad.boom")
	if !errors.Is(err, dispatch.ErrExecutionError) {
		t.Fatalf("expected ErrExecutionError, got %v", err)
	}

	snap := a.Status().Telemetry
	if snap.CommandsExecuted != 1 || snap.FailedExecutions != 1 {
		t.Fatalf("telemetry = %+v", snap)
	}
	history := a.History(1)
	if len(history) != 1 || history[0].Success {
		t.Fatalf("history = %+v", history)
	}
}

func TestExecuteUnknownModuleWithNLPDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Modules.Dirs = nil
	cfg.Scheduler.Enabled = false
	cfg.Evolution.Enabled = false
	cfg.Shell.UseNLP = false

	a, err := New(context.Background(), cfg, "", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(context.Background())

	_, err = a.Execute(context.Background(), "ghost.unknown")
	if !errors.Is(err, dispatch.ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}

	_, err = a.Execute(context.Background(), "please do something")
	if !errors.Is(err, dispatch.ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule for non-dotted head, got %v", err)
	}
}

func TestInitializeAllLoadsDependencyChainThroughAgentManager(t *testing.T) {
	a := newTestAgent(t)
	var order []string
	record := func(name string) func(string, module.Args) (any, error) {
		return func(string, module.Args) (any, error) {
			order = append(order, name)
			return nil, nil
		}
	}
	c := &fakeModule{name: "c", deps: []string{"b"}}
	b := &fakeModule{name: "b", deps: []string{"a"}}
	aMod := &fakeModule{name: "a", callFn: record("a")}
	_ = c
	_ = b

	for _, mod := range []*fakeModule{c, b, aMod} {
		if err := a.Manager().Register(mod, "", time.Time{}); err != nil {
			t.Fatalf("register %s: %v", mod.name, err)
		}
	}
	if err := a.Manager().InitializeAll(context.Background()); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}

	health := a.Status().Health
	if health.Total != 3 || health.Loaded != 3 {
		t.Fatalf("health = %+v", health)
	}
}

func TestShouldTriggerEvolutionByInterval(t *testing.T) {
	a := newTestAgent(t)
	a.cfg.Evolution.AutoImprove = true
	a.cfg.Evolution.EvolutionInterval = 2
	registerEcho(t, a)

	if _, err := a.Execute(context.Background(), "echo.say one"); err != nil {
		t.Fatalf("execute 1: %v", err)
	}
	if a.shouldTriggerEvolution() {
		t.Fatal("should not trigger after 1 command")
	}
	if _, err := a.Execute(context.Background(), "echo.say two"); err != nil {
		t.Fatalf("execute 2: %v", err)
	}
	if !a.shouldTriggerEvolution() {
		t.Fatal("should trigger after 2 commands with interval=2")
	}
}

func TestShouldTriggerEvolutionByFailureRate(t *testing.T) {
	a := newTestAgent(t)
	a.cfg.Evolution.AutoImprove = true
	a.cfg.Evolution.EvolutionInterval = 0
	boom := errors.New("boom")
	mod := &fakeModule{
		name: "bad",
		caps: []module.Capability{{Name: "boom"}},
		callFn: func(action string, args module.Args) (any, error) {
			return nil, boom
		},
	}
	if err := a.Manager().Register(mod, "", time.Time{}); err != nil {
		t.Fatalf("register bad: %v", err)
	}

	for i := 0; i < minCommandsForFailureCheck; i++ {
		a.Execute(context.Background(), "bad.boom")
	}
	if !a.shouldTriggerEvolution() {
		t.Fatal("expected evolution trigger once failure rate exceeds threshold")
	}
}

func TestEvolveDisabledWithoutForceReportsDisabled(t *testing.T) {
	a := newTestAgent(t)
	cycle := a.Evolve(context.Background(), false)
	if cycle.Status != "disabled" {
		t.Fatalf("status = %v, want disabled", cycle.Status)
	}
}

func TestEvolveForceRunsDespiteDisabled(t *testing.T) {
	a := newTestAgent(t)
	cycle := a.Evolve(context.Background(), true)
	if cycle.Status != "success" {
		t.Fatalf("status = %v, want success", cycle.Status)
	}
	if len(a.EvolutionHistory()) != 1 {
		t.Fatalf("evolution history length = %d, want 1", len(a.EvolutionHistory()))
	}
}

func TestGenerateWithoutTextGeneratorReturnsErrModelNotLoaded(t *testing.T) {
	a := newTestAgent(t)
	_, err := a.Generate(context.Background(), "hello", GenerateOptions{})
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}
