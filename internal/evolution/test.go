package evolution

import (
	"strings"

	"github.com/BurntSushi/toml"
)

// test statically validates each Solution in place, setting its TestStatus
// and TestMessage. No generated code is compiled or executed here — only
// structural checks that catch the cheapest classes of mistake before a
// Solution reaches the Integrate phase.
func (e *Engine) test(solutions []Solution) {
	for i := range solutions {
		sol := &solutions[i]
		if msg, ok := validateSolution(sol); !ok {
			sol.TestStatus = TestInvalid
			sol.TestMessage = msg
			continue
		}
		sol.TestStatus = TestValidated
		sol.TestMessage = "static validation passed"
	}
}

func validateSolution(sol *Solution) (string, bool) {
	if strings.TrimSpace(sol.Type) == "" {
		return "missing type", false
	}
	if strings.TrimSpace(sol.Description) == "" {
		return "missing description", false
	}
	if strings.TrimSpace(sol.SourceCode) == "" {
		return "missing source code", false
	}
	if strings.TrimSpace(sol.ModuleName) == "" {
		return "missing module name", false
	}

	if !balancedBraces(sol.SourceCode) {
		return "source code has unbalanced braces", false
	}

	if !strings.Contains(sol.SourceCode, "package ") {
		return "source code is missing a package clause", false
	}

	if !hasFactoryFunction(sol.SourceCode) {
		return "source code has no exported New* factory function", false
	}

	if sol.ManifestTOML != "" {
		var v map[string]any
		if _, err := toml.Decode(sol.ManifestTOML, &v); err != nil {
			return "manifest is not valid TOML: " + err.Error(), false
		}
	}

	return "", true
}

func balancedBraces(src string) bool {
	depth := 0
	for _, r := range src {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func hasFactoryFunction(src string) bool {
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "func New") {
			return true
		}
	}
	return false
}
