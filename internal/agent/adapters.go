package agent

import (
	"context"

	"github.com/ellmago/ellma/internal/evolution"
	"github.com/ellmago/ellma/internal/module"
	"github.com/ellmago/ellma/internal/textgen"
	"github.com/ellmago/ellma/internal/wal"
)

// stateRecorder adapts a *wal.WorkingBuffer to module.StateRecorder,
// converting a (moduleName, from, to) transition into a durable
// wal.ActionStateChange entry.
type stateRecorder struct {
	buf *wal.WorkingBuffer
}

type stateChangePayload struct {
	Module string       `json:"module"`
	From   module.State `json:"from"`
	To     module.State `json:"to"`
}

func (r *stateRecorder) RecordStateChange(moduleName string, from, to module.State) error {
	return r.buf.Add(wal.ActionStateChange, stateChangePayload{Module: moduleName, From: from, To: to})
}

// dispatchAdapter narrows a *textgen.Client to dispatch.TextGenerator's
// single-argument Generate shape, always routing at "complex" complexity
// (the dispatcher has no notion of task complexity).
type dispatchAdapter struct {
	c *textgen.Client
}

func (a *dispatchAdapter) Generate(ctx context.Context, prompt string) (string, error) {
	return a.c.Generate(ctx, prompt, textgen.Options{Complexity: "complex"})
}

// evolutionAdapter widens a *textgen.Client to evolution.TextGenerator's
// GenerateOptions shape, mapping the subset of fields the evolution
// package's GenerateOptions carries onto textgen.Options.
type evolutionAdapter struct {
	c *textgen.Client
}

func (a *evolutionAdapter) Generate(ctx context.Context, prompt string, opts evolution.GenerateOptions) (string, error) {
	return a.c.Generate(ctx, prompt, textgen.Options{
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Complexity:  "critical",
	})
}

// schedulerExecutor adapts Agent's richer Execute/Evolve methods to
// scheduler.Executor's error-only shape (§4.9: a scheduled job only cares
// whether its action succeeded).
type schedulerExecutor struct {
	a *Agent
}

func (e *schedulerExecutor) Evolve(ctx context.Context, force bool) error {
	cycle := e.a.Evolve(ctx, force)
	if cycle.Error != "" {
		return &evolveError{status: string(cycle.Status), message: cycle.Error}
	}
	return nil
}

func (e *schedulerExecutor) Execute(ctx context.Context, cmd string) error {
	_, err := e.a.Execute(ctx, cmd)
	return err
}

type evolveError struct {
	status  string
	message string
}

func (e *evolveError) Error() string {
	return "evolve (" + e.status + "): " + e.message
}
