package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ellmago/ellma/internal/module"
)

// builtinFactory constructs a native module.Module from a manifest whose
// entry.command is "builtin:<kind>" and whose entry.args[0] names the
// "module.action" capability the wrapper delegates to. This is the
// registration contract the loader binds generated modules against: it
// never compiles the Solution's emitted .go source, it only recognises
// the symbol the Generate phase wrote into the manifest.
type builtinFactory func(name string, target string) (module.Module, error)

var builtinFactories = map[string]builtinFactory{
	"retry_wrapper": newRetryWrapper,
	"cache_wrapper": newCacheWrapper,
	"guard_wrapper": newGuardWrapper,
	"fragment":      newFragmentModule,
}

// resolveBuiltin looks up the factory named by a "builtin:<kind>" entry
// command. It returns ok=false for any other command shape, including
// the "generated" kind TextGen-authored solutions are tagged with: no
// factory binds to arbitrary source, so those solutions fail to load
// rather than executing unvetted code.
func resolveBuiltin(command string) (builtinFactory, bool) {
	kind, ok := strings.CutPrefix(command, "builtin:")
	if !ok {
		return nil, false
	}
	f, ok := builtinFactories[kind]
	return f, ok
}

// wrappedTarget splits a "module.action" target string into its parts.
func wrappedTarget(target string) (moduleName, action string, ok bool) {
	idx := strings.LastIndex(target, ".")
	if idx <= 0 || idx == len(target)-1 {
		return "", "", false
	}
	return target[:idx], target[idx+1:], true
}

// baseWrapper gives the builtin wrapper types their common module.Module
// bookkeeping: name/version/capabilities/lifecycle, leaving Call to the
// embedding type.
type baseWrapper struct {
	name   string
	target string
	mctx   *module.Context
}

func (b *baseWrapper) Name() string                     { return b.name }
func (b *baseWrapper) Version() string                  { return "0.1.0" }
func (b *baseWrapper) ModulePriority() module.Priority   { return module.PriorityNormal }
func (b *baseWrapper) Dependencies() []string            { return nil }
func (b *baseWrapper) Capabilities() []module.Capability {
	return []module.Capability{{Name: "run", Description: "delegates to " + b.target, InputKinds: []string{"any"}, OutputKind: "any"}}
}
func (b *baseWrapper) Initialize(ctx context.Context, mctx *module.Context) error {
	b.mctx = mctx
	return nil
}
func (b *baseWrapper) Shutdown(ctx context.Context) error { return nil }

// callTarget resolves the wrapped module.action and invokes it. Builtin
// wrappers never re-implement downstream behaviour; they only add
// retry/cache/guard semantics around the existing capability.
func (b *baseWrapper) callTarget(ctx context.Context, args module.Args) (any, error) {
	modName, action, ok := wrappedTarget(b.target)
	if !ok {
		return nil, fmt.Errorf("%s: malformed target %q", b.name, b.target)
	}
	if b.mctx == nil {
		return nil, fmt.Errorf("%s: not initialized", b.name)
	}
	target := b.mctx.GetModule(modName)
	if target == nil {
		return nil, fmt.Errorf("%s: target module %q not found", b.name, modName)
	}
	return target.Call(ctx, action, args)
}

// RetryWrapper retries its wrapped target with exponential backoff,
// mirroring generate.go's retryWrapperSource template.
type RetryWrapper struct {
	baseWrapper
	maxAttempts int
	baseDelay   time.Duration
}

func newRetryWrapper(name, target string) (module.Module, error) {
	return &RetryWrapper{
		baseWrapper: baseWrapper{name: name, target: target},
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}, nil
}

func (w *RetryWrapper) Call(ctx context.Context, action string, args module.Args) (any, error) {
	var lastErr error
	delay := w.baseDelay
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		result, err := w.callTarget(ctx, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("retry exhausted for %s: %w", w.target, lastErr)
}

// CacheWrapper caches its wrapped target's result for a fixed TTL,
// mirroring generate.go's cacheWrapperSource template.
type CacheWrapper struct {
	baseWrapper
	mu     sync.Mutex
	ttl    time.Duration
	cached any
	at     time.Time
	valid  bool
}

func newCacheWrapper(name, target string) (module.Module, error) {
	return &CacheWrapper{
		baseWrapper: baseWrapper{name: name, target: target},
		ttl:         300 * time.Second,
	}, nil
}

func (c *CacheWrapper) Call(ctx context.Context, action string, args module.Args) (any, error) {
	c.mu.Lock()
	if c.valid && time.Since(c.at) < c.ttl {
		result := c.cached
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	result, err := c.callTarget(ctx, args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = result
	c.at = time.Now()
	c.valid = true
	c.mu.Unlock()
	return result, nil
}

// GuardWrapper validates that a fixed set of keyword arguments are
// present before delegating, and converts panics from the wrapped
// target into errors, mirroring generate.go's guardWrapperSource
// template.
type GuardWrapper struct {
	baseWrapper
	requiredArgs []string
}

func newGuardWrapper(name, target string) (module.Module, error) {
	return &GuardWrapper{baseWrapper: baseWrapper{name: name, target: target}}, nil
}

func (g *GuardWrapper) Call(ctx context.Context, action string, args module.Args) (result any, err error) {
	for _, name := range g.requiredArgs {
		if _, ok := args.Kwarg(name); !ok {
			return nil, fmt.Errorf("%s: missing required argument %q", g.target, name)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: recovered: %v", g.target, r)
		}
	}()
	return g.callTarget(ctx, args)
}

// FragmentModule is a placeholder module emitted when no TextGenerator
// was available to flesh out a "create_new_modules" opportunity,
// mirroring generate.go's fragmentWrapperSource template. Its run
// capability reports its own incompleteness rather than silently
// delegating to a target that may not exist.
type FragmentModule struct {
	baseWrapper
}

func newFragmentModule(name, target string) (module.Module, error) {
	return &FragmentModule{baseWrapper: baseWrapper{name: name, target: target}}, nil
}

func (f *FragmentModule) Call(ctx context.Context, action string, args module.Args) (any, error) {
	return nil, fmt.Errorf("%s: fragment module has no generated behaviour (target %q)", f.name, f.target)
}
