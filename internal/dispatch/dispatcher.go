// Package dispatch implements the CommandDispatcher (§4.5): it tokenises
// a raw command string, resolves it against a ModuleManager's
// registered module.action capabilities, and falls back to a text
// generator for natural-language commands when configured to.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ellmago/ellma/internal/module"
)

// Command is the parsed form of a raw command string.
type Command struct {
	Raw            string
	Head           string
	ModuleName     string
	Action         string
	IsModuleAction bool
	Args           module.Args
}

// Parse tokenises raw and classifies it per §4.5 steps 1-4. It never
// touches the module registry; IsModuleAction only reflects whether the
// head token contains a dot, not whether that module.action exists.
func Parse(raw string) (*Command, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrParseError)
	}

	head := tokens[0]
	kwargs, positional := classify(tokens[1:])
	cmd := &Command{
		Raw:  raw,
		Head: head,
		Args: module.Args{Kwargs: kwargs, Positional: positional},
	}

	if idx := strings.Index(head, "."); idx > 0 && idx < len(head)-1 {
		cmd.IsModuleAction = true
		cmd.ModuleName = head[:idx]
		cmd.Action = head[idx+1:]
	}
	return cmd, nil
}

// ModuleCaller is the subset of module.Manager the dispatcher needs.
type ModuleCaller interface {
	Call(ctx context.Context, name, action string, args module.Args) (any, error)
	ListModules() []module.Info
}

// TextGenerator is the natural-language fallback surface. It is a
// narrower shape than evolution.TextGenerator (no GenerateOptions) so
// this package stays decoupled from internal/evolution; internal/agent
// adapts a single textgen.Client to both.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Dispatcher resolves parsed commands against a ModuleCaller and
// optionally falls back to a TextGenerator for natural language input.
type Dispatcher struct {
	caller ModuleCaller
	gen    TextGenerator
	useNLP bool
	logger *slog.Logger
}

// New creates a Dispatcher. gen may be nil; useNLP gates whether the
// natural-language fallback is attempted even when gen is set
// (mirrors config.ShellConfig.UseNLP).
func New(caller ModuleCaller, gen TextGenerator, useNLP bool, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{caller: caller, gen: gen, useNLP: useNLP, logger: logger.With("component", "dispatcher")}
}

// shellBuiltins are the head tokens the shell surface owns directly
// (§4.5 step 2, mirrored by cmd/ellma's handleBuiltin). Dispatch passes
// these through untouched with IsModuleAction=false and a nil
// result/error instead of attempting module resolution or NL fallback
// on them.
var shellBuiltins = map[string]bool{
	"help": true, "status": true, "history": true, "reload": true,
	"evolve": true, "modules": true, "exit": true, "quit": true,
}

// Dispatch parses and resolves raw. A dotted head is resolved as
// module.action. A non-dotted head that names a recognised shell
// built-in is returned untouched for the caller to handle. Any other
// non-dotted head is treated exactly like an unresolved module.action
// call (§8 scenario 6): it falls through to the suggestion/NL-fallback
// tail and, absent both, fails with ErrUnknownModule rather than
// silently succeeding.
func (d *Dispatcher) Dispatch(ctx context.Context, raw string) (any, *Command, error) {
	cmd, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}

	if !cmd.IsModuleAction {
		if shellBuiltins[cmd.Head] {
			return nil, cmd, nil
		}
		return d.resolveUnmatched(ctx, cmd, raw, fmt.Errorf("%w: %q", ErrUnknownModule, cmd.Head))
	}

	result, err := d.caller.Call(ctx, cmd.ModuleName, cmd.Action, cmd.Args)
	if err == nil {
		return result, cmd, nil
	}

	resolutionErr := classifyCallError(cmd, err)
	if !errors.Is(resolutionErr, ErrUnknownModule) && !errors.Is(resolutionErr, ErrUnknownAction) {
		return nil, cmd, resolutionErr
	}
	return d.resolveUnmatched(ctx, cmd, raw, resolutionErr)
}

// resolveUnmatched implements the tail shared by an unresolved
// module.action call and a non-builtin, non-dotted head: offer a
// lexical suggestion when one exists, otherwise try the TextGenerator
// fallback when enabled and configured, otherwise surface
// resolutionErr to the caller.
func (d *Dispatcher) resolveUnmatched(ctx context.Context, cmd *Command, raw string, resolutionErr error) (any, *Command, error) {
	if d.lexicallyPrefixesKnownAction(cmd.Head) {
		return nil, cmd, fmt.Errorf("%w (did you mean one of the actions starting with %q?)", resolutionErr, cmd.Head)
	}
	if !d.useNLP {
		return nil, cmd, resolutionErr
	}
	if d.gen == nil {
		return nil, cmd, fmt.Errorf("%w: no natural-language command matched and no generator is configured", ErrGeneratorUnavailable)
	}

	return d.dispatchViaGenerator(ctx, raw)
}

func classifyCallError(cmd *Command, err error) error {
	switch {
	case errors.Is(err, module.ErrModuleNotFound):
		return fmt.Errorf("%w: %q", ErrUnknownModule, cmd.ModuleName)
	case errors.Is(err, module.ErrActionNotFound):
		return fmt.Errorf("%w: %q on module %q", ErrUnknownAction, cmd.Action, cmd.ModuleName)
	case errors.Is(err, module.ErrExecutionError):
		return fmt.Errorf("%w: %v", ErrExecutionError, err)
	default:
		return fmt.Errorf("%w: %v", ErrExecutionError, err)
	}
}

// knownActions lists every "module.action" pair currently registered.
func (d *Dispatcher) knownActions() []string {
	var names []string
	for _, info := range d.caller.ListModules() {
		for _, cap := range info.Capabilities {
			names = append(names, info.Name+"."+cap.Name)
		}
	}
	return names
}

func (d *Dispatcher) lexicallyPrefixesKnownAction(head string) bool {
	for _, name := range d.knownActions() {
		if strings.HasPrefix(name, head) {
			return true
		}
	}
	return false
}

// dispatchViaGenerator asks the TextGenerator to normalise raw into a
// module.action command line, then dispatches the response exactly
// once (§4.5: "dispatches the generator's response exactly once").
func (d *Dispatcher) dispatchViaGenerator(ctx context.Context, raw string) (any, *Command, error) {
	prompt := buildGeneratorPrompt(raw, d.knownActions())
	normalized, err := d.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
	}
	normalized = strings.TrimSpace(normalized)

	cmd, err := Parse(normalized)
	if err != nil {
		return nil, nil, err
	}
	if !cmd.IsModuleAction {
		return nil, cmd, fmt.Errorf("%w: generator did not produce a module.action command", ErrParseError)
	}

	result, err := d.caller.Call(ctx, cmd.ModuleName, cmd.Action, cmd.Args)
	if err != nil {
		return nil, cmd, classifyCallError(cmd, err)
	}
	return result, cmd, nil
}

func buildGeneratorPrompt(raw string, knownActions []string) string {
	var b strings.Builder
	b.WriteString("Translate this natural-language instruction into exactly one module.action command line:\n")
	b.WriteString(raw)
	b.WriteString("\n\nKnown commands:\n")
	for _, name := range knownActions {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with only the command line, no explanation.")
	return b.String()
}
