package evolution

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"time"
)

// retryWrapperSource is the module body emitted for an improve_error_handling
// Solution: a retry-with-exponential-backoff wrapper.
const retryWrapperSource = `package main

import (
	"context"
	"fmt"
	"time"
)

// {{.Type}} retries a wrapped action with exponential backoff on failure.
type {{.Type}} struct {
	maxAttempts int
	baseDelay   time.Duration
}

// New{{.Type}} is the factory function the loader calls to instantiate this module.
func New{{.Type}}() *{{.Type}} {
	return &{{.Type}}{maxAttempts: 3, baseDelay: 200 * time.Millisecond}
}

func (w *{{.Type}}) Run(ctx context.Context, action func(context.Context) (any, error)) (any, error) {
	var lastErr error
	delay := w.baseDelay
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		result, err := action(ctx)
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
	return nil, fmt.Errorf("retry exhausted for {{.Target}}: %w", lastErr)
}
`

// cacheWrapperSource is the module body emitted for an optimize_execution
// Solution: a TTL cache wrapper, default 300s.
const cacheWrapperSource = `package main

import (
	"context"
	"sync"
	"time"
)

// {{.Type}} caches the result of a wrapped action for {{.TTLSeconds}}s.
type {{.Type}} struct {
	mu     sync.Mutex
	ttl    time.Duration
	cached any
	at     time.Time
	valid  bool
}

// New{{.Type}} is the factory function the loader calls to instantiate this module.
func New{{.Type}}() *{{.Type}} {
	return &{{.Type}}{ttl: {{.TTLSeconds}} * time.Second}
}

func (c *{{.Type}}) Run(ctx context.Context, action func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if c.valid && time.Since(c.at) < c.ttl {
		result := c.cached
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	result, err := action(ctx)
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
`

// guardWrapperSource is the module body emitted for a fix_*_command
// Solution: an argument-validating wrapper that swallows downstream faults.
const guardWrapperSource = `package main

import (
	"context"
	"fmt"
)

// {{.Type}} validates arguments for {{.Target}} before delegating, and
// converts panics from the wrapped action into errors.
type {{.Type}} struct {
	requiredArgs []string
}

// New{{.Type}} is the factory function the loader calls to instantiate this module.
func New{{.Type}}() *{{.Type}} {
	return &{{.Type}}{requiredArgs: []string{ {{.RequiredArgs}} }}
}

func (g *{{.Type}}) Run(ctx context.Context, args map[string]any, action func(context.Context) (any, error)) (result any, err error) {
	for _, name := range g.requiredArgs {
		if _, ok := args[name]; !ok {
			return nil, fmt.Errorf("{{.Target}}: missing required argument %q", name)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("{{.Target}}: recovered: %v", r)
		}
	}()
	return action(ctx)
}
`

// fragmentWrapperSource is the fallback module body emitted when no
// TextGenerator is available for a generic (other-category) Solution.
const fragmentWrapperSource = `package main

// {{.Type}} is a placeholder addressing: {{.Description}}
type {{.Type}} struct{}

// New{{.Type}} is the factory function the loader calls to instantiate this module.
func New{{.Type}}() *{{.Type}} {
	return &{{.Type}}{}
}
`

func renderTemplate(name, body string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// wrapperManifestTOML builds the module.toml paired with an emitted wrapper
// source file. The [entry] command names a builtin factory key
// ("builtin:<kind>") rather than a subprocess: the loader binds generated
// modules by this symbol, never by compiling the emitted .go source (see
// §4.7 step 4 / §9's "dynamic class discovery becomes a registration
// contract" redesign note). target is the "module.action" string the
// builtin wrapper delegates to; it is carried as the entry's sole arg so
// the loader's builtin factory can bind the wrapper to a concrete
// capability instead of just a description string.
func wrapperManifestTOML(name, kind, target, description string) string {
	return "name = \"" + name + "\"\n" +
		"version = \"0.1.0\"\n" +
		"description = \"" + description + "\"\n" +
		"priority = \"normal\"\n\n" +
		"[entry]\n" +
		"command = \"builtin:" + kind + "\"\n" +
		"args = [\"" + target + "\"]\n\n" +
		"[[capabilities]]\nname = \"run\"\n"
}

func moduleName(kind, category string, ts int64) string {
	return "evo_" + kind + "_" + sanitizeToken(category) + "_" + itoa(ts)
}

func sanitizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "module"
	}
	return out
}

func exportedIdent(prefix, name string) string {
	parts := strings.Split(sanitizeToken(name), "_")
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// generate runs the Generate phase: per Opportunity, produce zero or more
// Solutions per the suggested-action strategy matrix.
func (e *Engine) generate(ctx context.Context, opportunities []Opportunity) []Solution {
	var solutions []Solution
	for _, opp := range opportunities {
		if ctx.Err() != nil {
			break
		}
		action := "other"
		if len(opp.SuggestedActions) > 0 {
			action = opp.SuggestedActions[0]
		}
		if sol := e.generateForAction(ctx, opp, action); sol != nil {
			solutions = append(solutions, *sol)
		}
	}
	return solutions
}

func (e *Engine) generateForAction(ctx context.Context, opp Opportunity, action string) *Solution {
	ts := nowNanos()
	switch {
	case strings.HasPrefix(action, "create_new_modules"):
		return e.generateViaTextGen(ctx, opp, ts)
	case strings.HasPrefix(action, "improve_error_handling"):
		return e.generateRetryWrapper(opp, ts)
	case strings.HasPrefix(action, "optimize_execution"):
		return e.generateCacheWrapper(opp, ts)
	case strings.HasPrefix(action, "fix_") && strings.HasSuffix(action, "_command"):
		return e.generateGuardWrapper(opp, action, ts)
	default:
		return e.generateFragmentOrTextGen(ctx, opp, ts)
	}
}

func (e *Engine) generateRetryWrapper(opp Opportunity, ts int64) *Solution {
	name := moduleName("retry", opp.Category, ts)
	typeName := exportedIdent("Retry", opp.Category)
	src, err := renderTemplate("retry", retryWrapperSource, struct {
		Type   string
		Target string
	}{Type: typeName, Target: opp.Category})
	if err != nil {
		e.logger.Warn("render retry wrapper template failed", "error", err)
		return nil
	}
	return &Solution{
		ID:            newID("sol"),
		OpportunityID: opp.ID,
		Type:          "improve_error_handling",
		Description:   "exponential backoff retry wrapper for " + opp.Category,
		ModuleName:    name,
		SourceCode:    src,
		ManifestTOML:  wrapperManifestTOML(name, "retry_wrapper", opp.Category, "retry wrapper for "+opp.Category),
		Priority:      opp.Priority,
		TestStatus:    TestUnvalidated,
	}
}

func (e *Engine) generateCacheWrapper(opp Opportunity, ts int64) *Solution {
	name := moduleName("cache", opp.Category, ts)
	typeName := exportedIdent("Cache", opp.Category)
	src, err := renderTemplate("cache", cacheWrapperSource, struct {
		Type       string
		TTLSeconds int
	}{Type: typeName, TTLSeconds: 300})
	if err != nil {
		e.logger.Warn("render cache wrapper template failed", "error", err)
		return nil
	}
	return &Solution{
		ID:            newID("sol"),
		OpportunityID: opp.ID,
		Type:          "optimize_execution",
		Description:   "300s TTL cache wrapper for " + opp.Category,
		ModuleName:    name,
		SourceCode:    src,
		ManifestTOML:  wrapperManifestTOML(name, "cache_wrapper", opp.Category, "cache wrapper for "+opp.Category),
		Priority:      opp.Priority,
		TestStatus:    TestUnvalidated,
	}
}

func (e *Engine) generateGuardWrapper(opp Opportunity, action string, ts int64) *Solution {
	name := moduleName("guard", opp.Category, ts)
	typeName := exportedIdent("Guard", opp.Category)
	src, err := renderTemplate("guard", guardWrapperSource, struct {
		Type         string
		Target       string
		RequiredArgs string
	}{Type: typeName, Target: opp.Category, RequiredArgs: ""})
	if err != nil {
		e.logger.Warn("render guard wrapper template failed", "error", err)
		return nil
	}
	return &Solution{
		ID:            newID("sol"),
		OpportunityID: opp.ID,
		Type:          action,
		Description:   "argument-validating guard wrapper for " + opp.Category,
		ModuleName:    name,
		SourceCode:    src,
		ManifestTOML:  wrapperManifestTOML(name, "guard_wrapper", opp.Category, "guard wrapper for "+opp.Category),
		Priority:      opp.Priority,
		TestStatus:    TestUnvalidated,
	}
}

func (e *Engine) generateFragmentOrTextGen(ctx context.Context, opp Opportunity, ts int64) *Solution {
	if e.textgen != nil {
		if sol := e.generateViaTextGen(ctx, opp, ts); sol != nil {
			return sol
		}
	}
	name := moduleName("fragment", opp.Category, ts)
	typeName := exportedIdent("Fragment", opp.Category)
	src, err := renderTemplate("fragment", fragmentWrapperSource, struct {
		Type        string
		Description string
	}{Type: typeName, Description: opp.Description})
	if err != nil {
		e.logger.Warn("render fragment template failed", "error", err)
		return nil
	}
	return &Solution{
		ID:            newID("sol"),
		OpportunityID: opp.ID,
		Type:          "other",
		Description:   opp.Description,
		ModuleName:    name,
		SourceCode:    src,
		ManifestTOML:  wrapperManifestTOML(name, "fragment", opp.Category, opp.Description),
		Priority:      opp.Priority,
		TestStatus:    TestUnvalidated,
	}
}

func (e *Engine) generateViaTextGen(ctx context.Context, opp Opportunity, ts int64) *Solution {
	if e.textgen == nil {
		return nil
	}
	name := moduleName("gen", opp.Category, ts)
	prompt := "Write a Go source file for a module named " + name +
		" implementing a factory function New" + exportedIdent("Mod", opp.Category) +
		" that addresses: " + opp.Description +
		". Respond with only the Go source."
	reply, err := e.textgen.Generate(ctx, prompt, GenerateOptions{MaxTokens: 1200})
	if err != nil {
		e.logger.Warn("text generator module generation failed", "opportunity", opp.ID, "error", err)
		return nil
	}
	return &Solution{
		ID:            newID("sol"),
		OpportunityID: opp.ID,
		Type:          "create_new_modules",
		Description:   "generated module for " + opp.Description,
		ModuleName:    name,
		SourceCode:    reply,
		ManifestTOML:  wrapperManifestTOML(name, "generated", opp.Category, opp.Description),
		Priority:      opp.Priority,
		TestStatus:    TestUnvalidated,
	}
}

func nowNanos() int64 {
	return time.Now().UnixNano()
}
