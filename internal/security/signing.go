// Package security provides cryptographic signing and verification for
// module integration constraints, plus path/command sandboxing.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidSignature is returned when constraint signature verification fails.
	ErrInvalidSignature = errors.New("security: invalid constraint signature")
	// ErrMissingSignature is returned when constraints are unsigned but verification is required.
	ErrMissingSignature = errors.New("security: missing constraint signature")
	// ErrMissingPublicKey is returned when the owner public key is absent.
	ErrMissingPublicKey = errors.New("security: missing owner public key")
)

// ModuleConstraints is the record an owner signs to approve what the
// evolution engine may auto-integrate: allowed capability names, blocked
// source tokens, solutions per cycle and minimum test coverage. The
// Integrate phase verifies the signature before integrating a
// high-priority Solution; it does not check capabilities, source tokens,
// solution counts or coverage against the field values.
type ModuleConstraints struct {
	AllowedCapabilities []string `json:"allowed_capabilities"`
	BlockedTokens       []string `json:"blocked_tokens"`
	MaxSolutionsPerRun  int      `json:"max_solutions_per_run"`
	MinTestCoverage     float64  `json:"min_test_coverage"`
}

// GenerateOwnerKeyPair generates a new Ed25519 key pair for signing constraints.
func GenerateOwnerKeyPair() (publicKey ed25519.PublicKey, privateKey ed25519.PrivateKey, err error) {
	publicKey, privateKey, err = ed25519.GenerateKey(rand.Reader)
	return
}

// SerializeConstraints produces a deterministic JSON representation of
// ModuleConstraints suitable for signing. Keys are sorted alphabetically.
func SerializeConstraints(c ModuleConstraints) ([]byte, error) {
	m := map[string]interface{}{
		"allowed_capabilities":  sortedStrings(c.AllowedCapabilities),
		"blocked_tokens":        sortedStrings(c.BlockedTokens),
		"max_solutions_per_run": c.MaxSolutionsPerRun,
		"min_test_coverage":     c.MinTestCoverage,
	}
	return deterministicJSON(m)
}

// SignConstraints signs the given constraints with the owner's private key.
func SignConstraints(c ModuleConstraints, privateKey ed25519.PrivateKey) ([]byte, error) {
	msg, err := SerializeConstraints(c)
	if err != nil {
		return nil, fmt.Errorf("serialize constraints for signing: %w", err)
	}
	return ed25519.Sign(privateKey, msg), nil
}

// VerifyConstraints verifies that the signature matches the constraints and public key.
func VerifyConstraints(c ModuleConstraints, signature []byte, publicKey ed25519.PublicKey) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrMissingPublicKey
	}
	if len(signature) == 0 {
		return false, ErrMissingSignature
	}
	msg, err := SerializeConstraints(c)
	if err != nil {
		return false, fmt.Errorf("serialize constraints for verification: %w", err)
	}
	return ed25519.Verify(publicKey, msg, signature), nil
}

// deterministicJSON marshals a value with sorted map keys for reproducible output.
func deterministicJSON(v interface{}) ([]byte, error) {
	// encoding/json already sorts map keys when the key type is string.
	return json.Marshal(v)
}

// sortedStrings returns a sorted copy of s (nil -> empty slice for consistent JSON).
func sortedStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}
