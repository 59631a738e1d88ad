package loader

import (
	"fmt"
	"strings"
)

// blockedImports can never be declared by a module manifest, regardless
// of allow_exec: they give a module source dynamic code execution or
// memory-safety escape hatches the loader cannot audit.
var blockedImports = []string{
	"unsafe",
	"plugin",
	"eval",
	"compile",
}

// execGatedImports are rejected unless the manifest's security table
// sets allow_exec, mirroring the shell-injection gate in
// security.validateCommand but applied to declared Go imports.
var execGatedImports = []string{
	"os/exec",
}

// allowedImportPrefixes is the set of import path prefixes a declared
// import may fall under without triggering a warning. Anything outside
// this list is still loaded (declaring imports is advisory, not a
// sandbox) but logged as suspicious.
var allowedImportPrefixes = []string{
	"context", "errors", "fmt", "time", "sync", "strings", "strconv",
	"encoding/", "net/http", "io", "os", "bytes", "regexp", "sort",
	"github.com/ellmago/ellma/",
}

// suspiciousTokens are the substrings scanSourceTokens rejects,
// generalising security.shellInjectionPatterns from shell commands to
// module source. Load and LoadGenerated do not call scanSourceTokens.
var suspiciousTokens = []string{
	"$(", "`", "os/exec", "unsafe.Pointer", "plugin.Open",
}

// scanManifestSecurity enforces the manifest security gate (§4.4 step 2):
// reject blocked declared_imports outright, reject exec-gated imports
// unless allow_exec is set, and warn (without rejecting) on imports
// outside the allow-list.
func scanManifestSecurity(mm *ModuleManifest) (warnings []string, err error) {
	for _, imp := range mm.Security.DeclaredImports {
		for _, blocked := range blockedImports {
			if imp == blocked {
				return nil, fmt.Errorf("module %q declares blocked import %q", mm.Name, imp)
			}
		}
		for _, gated := range execGatedImports {
			if imp == gated && !mm.Security.AllowExec {
				return nil, fmt.Errorf("module %q declares %q without security.allow_exec", mm.Name, imp)
			}
		}
		if !importAllowed(imp) {
			warnings = append(warnings, fmt.Sprintf("module %q declares import %q outside the allow-list", mm.Name, imp))
		}
	}
	return warnings, nil
}

func importAllowed(imp string) bool {
	for _, prefix := range allowedImportPrefixes {
		if strings.HasPrefix(imp, prefix) {
			return true
		}
	}
	return false
}

// scanSourceTokens lexically scans source for blocked/suspicious tokens.
// It never parses or compiles the source; this is a string-level gate
// only, same posture as security.validateCommand's shell-pattern check.
func scanSourceTokens(source string) error {
	for _, tok := range suspiciousTokens {
		if strings.Contains(source, tok) {
			return fmt.Errorf("source contains blocked token %q", tok)
		}
	}
	return nil
}
