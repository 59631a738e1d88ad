package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ellmago/ellma/internal/module"
	"github.com/ellmago/ellma/internal/security"
)

// defaultExternalTimeout bounds every subprocess invocation; manifests
// have no timeout setting.
const defaultExternalTimeout = 30 * time.Second

// External wraps a module whose manifest entry names a subprocess
// command rather than a builtin factory. Each Call spawns
// "<command> <args...> --action=<action> --args-json=<json> <positional...>"
// and parses a single JSON value from stdout, grounded on the skill tool
// executor's arg-substitution and output-capture pattern.
type External struct {
	name         string
	version      string
	priority     module.Priority
	dependencies []string
	capabilities []module.Capability
	command      string
	baseArgs     []string
	workDir      string
	policy       *security.SecurityPolicy
	logger       *slog.Logger
}

func newExternalModule(mm *ModuleManifest, policy *security.SecurityPolicy, logger *slog.Logger) *External {
	if policy == nil {
		policy = security.DefaultSecurityPolicy()
	}
	return &External{
		name:         mm.Name,
		version:      mm.Version,
		priority:     mm.priorityOf(),
		dependencies: mm.Dependencies,
		capabilities: mm.capabilities(),
		command:      mm.Entry.Command,
		baseArgs:     mm.Entry.Args,
		workDir:      mm.Entry.WorkDir,
		policy:       policy,
		logger:       logger,
	}
}

// looksLikePath reports whether a positional string argument resembles a
// filesystem path worth sandboxing, rather than an opaque token (URL,
// number, flag value) that ValidatePath's workspace check would reject
// for the wrong reason.
func looksLikePath(s string) bool {
	return strings.ContainsRune(s, '/') || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "~")
}

func (x *External) Name() string                   { return x.name }
func (x *External) Version() string                 { return x.version }
func (x *External) ModulePriority() module.Priority  { return x.priority }
func (x *External) Dependencies() []string           { return x.dependencies }
func (x *External) Capabilities() []module.Capability { return x.capabilities }

func (x *External) Initialize(ctx context.Context, mctx *module.Context) error { return nil }
func (x *External) Shutdown(ctx context.Context) error                        { return nil }

// Call invokes the external command for action, passing args as a JSON
// blob and the positional args as trailing tokens. It returns the
// decoded JSON value printed on stdout, or the raw trimmed stdout if it
// is not valid JSON. Before spawning, it runs the command and (if
// declared) the working directory through the SecurityPolicy sandbox
// (§4.10); either rejection aborts the call without touching exec.
func (x *External) Call(ctx context.Context, action string, args module.Args) (any, error) {
	if err := x.policy.ValidateCommand(x.command); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", module.ErrValidationFailed, x.name, err)
	}
	if x.workDir != "" {
		if err := x.policy.ValidatePath(x.workDir); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", module.ErrValidationFailed, x.name, err)
		}
	}
	for _, p := range args.Positional {
		if s, ok := p.(string); ok && looksLikePath(s) {
			if err := x.policy.ValidatePath(s); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", module.ErrValidationFailed, x.name, err)
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultExternalTimeout)
	defer cancel()

	argsJSON, err := json.Marshal(args.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal args: %w", x.name, err)
	}

	cmdArgs := append([]string(nil), x.baseArgs...)
	cmdArgs = append(cmdArgs, "--action="+action, "--args-json="+string(argsJSON))
	for _, p := range args.Positional {
		cmdArgs = append(cmdArgs, fmt.Sprintf("%v", p))
	}

	x.logger.Debug("executing external module", "module", x.name, "command", x.command, "args", cmdArgs)

	cmd := exec.CommandContext(callCtx, x.command, cmdArgs...)
	cmd.Dir = x.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: %s exited %d: %s", module.ErrExecutionError, x.name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", module.ErrTimeoutExceeded, x.name)
		}
		return nil, fmt.Errorf("%w: %s: %v", module.ErrExecutionError, x.name, err)
	}

	out := strings.TrimSpace(stdout.String())
	var decoded any
	if err := json.Unmarshal([]byte(out), &decoded); err == nil {
		return decoded, nil
	}
	return out, nil
}
