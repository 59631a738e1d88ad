package agent

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const provenanceSecretSize = 32

// loadOrCreateProvenanceSecret reads the HMAC secret used to sign
// ProvenanceTokens from <dataDir>/provenance.key, generating and
// persisting a new random one on first run so tokens issued before a
// restart still verify afterwards.
func loadOrCreateProvenanceSecret(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "provenance.key")

	if data, err := os.ReadFile(path); err == nil {
		if len(data) == provenanceSecretSize {
			return data, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read provenance secret: %w", err)
	}

	secret := make([]byte, provenanceSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate provenance secret: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("persist provenance secret: %w", err)
	}
	return secret, nil
}
