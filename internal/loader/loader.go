package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ellmago/ellma/internal/config"
	"github.com/ellmago/ellma/internal/module"
	"github.com/ellmago/ellma/internal/security"
)

// currencyWindow is how close two mtimes must be to be considered the
// same version of a module; a reload request inside this window is a
// no-op (§4.4 step 5).
const currencyWindow = time.Second

// loadBudgetWarning is logged (not enforced) when a single Load call
// takes longer than this to complete.
const loadBudgetWarning = 30 * time.Second

// loadedEntry tracks everything the Loader needs to know to skip a redundant
// reload or tear down a watcher on Unload.
type loadedEntry struct {
	manifestPath string
	sourceMod    time.Time
	watcher      *config.Watcher
}

// Loader discovers module manifests under a set of directories,
// security-scans them, and instantiates either a builtin wrapper or an
// External subprocess module. It implements evolution.ModuleLoader via
// LoadGenerated.
type Loader struct {
	mu      sync.Mutex
	dirs    []string
	logger  *slog.Logger
	manager *module.Manager
	watch   bool
	loaded  map[string]*loadedEntry
	policy  *security.SecurityPolicy
}

// New creates a Loader that scans dirs for module manifests and
// registers instantiated modules with manager. policy sandboxes every
// External module's subprocess invocations and working directory per
// §4.10; a nil policy falls back to security.DefaultSecurityPolicy.
func New(dirs []string, manager *module.Manager, watch bool, logger *slog.Logger, policy *security.SecurityPolicy) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = security.DefaultSecurityPolicy()
	}
	return &Loader{
		dirs:    dirs,
		logger:  logger.With("component", "loader"),
		manager: manager,
		watch:   watch,
		loaded:  make(map[string]*loadedEntry),
		policy:  policy,
	}
}

// LoadAll scans every configured directory for module.toml/module.yaml
// manifests (one per immediate subdirectory) and loads each one,
// continuing past individual failures.
func (l *Loader) LoadAll(ctx context.Context) error {
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Info("module directory does not exist, skipping", "dir", dir)
				continue
			}
			return fmt.Errorf("read module dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			manifestPath, ok := findManifest(filepath.Join(dir, e.Name()))
			if !ok {
				continue
			}
			if err := l.Load(ctx, manifestPath); err != nil {
				l.logger.Warn("failed to load module", "manifest", manifestPath, "error", err)
			}
		}
	}
	return nil
}

func findManifest(dir string) (string, bool) {
	for _, name := range []string{"module.toml", "module.yaml", "module.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Load parses manifestPath, security-scans it, instantiates the module,
// and registers it with the manager. A reload of an already-loaded
// module whose manifest mtime hasn't moved past currencyWindow is a
// no-op.
func (l *Loader) Load(ctx context.Context, manifestPath string) error {
	start := time.Now()
	defer func() {
		if d := time.Since(start); d > loadBudgetWarning {
			l.logger.Warn("module load exceeded budget", "manifest", manifestPath, "duration", d)
		}
	}()

	info, err := os.Stat(manifestPath)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.loaded[manifestPath]; ok {
		if !info.ModTime().After(prev.sourceMod.Add(currencyWindow)) {
			return nil
		}
	}

	mm, err := parseManifestFile(manifestPath)
	if err != nil {
		return err
	}
	warnings, err := scanManifestSecurity(mm)
	if err != nil {
		return fmt.Errorf("security scan: %w", err)
	}
	for _, w := range warnings {
		l.logger.Warn(w)
	}

	mod, err := l.instantiate(mm)
	if err != nil {
		return fmt.Errorf("instantiate %q: %w", mm.Name, err)
	}

	l.manager.Unregister(mm.Name)
	if err := l.manager.Register(mod, manifestPath, info.ModTime()); err != nil {
		return fmt.Errorf("register %q: %w", mm.Name, err)
	}
	if err := l.manager.Initialize(ctx, mm.Name); err != nil {
		return fmt.Errorf("initialize %q: %w", mm.Name, err)
	}
	if err := l.manager.Activate(mm.Name); err != nil {
		return fmt.Errorf("activate %q: %w", mm.Name, err)
	}

	entry := &loadedEntry{manifestPath: manifestPath, sourceMod: info.ModTime()}
	if l.watch {
		entry.watcher = config.NewWatcher(manifestPath, currencyWindow, l.logger, func() {
			if err := l.Load(context.Background(), manifestPath); err != nil {
				l.logger.Warn("module reload failed", "manifest", manifestPath, "error", err)
			}
		})
		entry.watcher.Start()
	}

	if old, ok := l.loaded[manifestPath]; ok && old.watcher != nil {
		old.watcher.Stop()
	}
	l.loaded[manifestPath] = entry

	l.logger.Info("module loaded", "module", mm.Name, "command", mm.Entry.Command)
	return nil
}

// Unload stops a module's watcher (if any) and removes it from the
// manager's registry.
func (l *Loader) Unload(name, manifestPath string) {
	l.mu.Lock()
	if entry, ok := l.loaded[manifestPath]; ok {
		if entry.watcher != nil {
			entry.watcher.Stop()
		}
		delete(l.loaded, manifestPath)
	}
	l.mu.Unlock()
	l.manager.Unregister(name)
}

// Reload forces a reload of manifestPath regardless of currency.
func (l *Loader) Reload(ctx context.Context, manifestPath string) error {
	l.mu.Lock()
	delete(l.loaded, manifestPath)
	l.mu.Unlock()
	return l.Load(ctx, manifestPath)
}

// LoadGenerated satisfies evolution.ModuleLoader: it instantiates a
// module from an in-memory manifest (the evolution engine never writes
// the manifest to disk the way Load expects). sourcePath is retained
// purely for Manager bookkeeping; the generated .go source at that path
// is never read back or compiled.
func (l *Loader) LoadGenerated(ctx context.Context, moduleName, sourcePath, manifestTOML string) (module.Module, error) {
	mm, err := parseManifestTOML(manifestTOML)
	if err != nil {
		return nil, err
	}
	if mm.Name == "" {
		mm.Name = moduleName
	}
	if warnings, err := scanManifestSecurity(mm); err != nil {
		return nil, fmt.Errorf("security scan: %w", err)
	} else {
		for _, w := range warnings {
			l.logger.Warn(w)
		}
	}
	return l.instantiate(mm)
}

// instantiate binds a parsed manifest to a concrete module.Module: a
// builtin factory if entry.command is "builtin:<kind>" and a matching
// factory is registered, otherwise an External subprocess wrapper.
func (l *Loader) instantiate(mm *ModuleManifest) (module.Module, error) {
	if factory, ok := resolveBuiltin(mm.Entry.Command); ok {
		target := ""
		if len(mm.Entry.Args) > 0 {
			target = mm.Entry.Args[0]
		}
		return factory(mm.Name, target)
	}
	if mm.Entry.Command == "" {
		return nil, fmt.Errorf("module %q: no entry command and no matching builtin factory", mm.Name)
	}
	return newExternalModule(mm, l.policy, l.logger), nil
}
