package services

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// SecretsProvider supplies the out-of-band pairing secret a session's token
// signing key is derived from. The secret is provisioned to both backends of
// a pair through a channel outside this protocol; a caller that cannot
// produce it cannot mint or verify a session binding token.
type SecretsProvider interface {
	PairingSecret(sessionID string) ([]byte, error)
}

// StaticSecretsProvider returns the same pairing secret for every session.
// Suitable for single-pair deployments and tests.
type StaticSecretsProvider []byte

func (s StaticSecretsProvider) PairingSecret(string) ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.New("pairing secret not provisioned")
	}
	return []byte(s), nil
}

// FileSecretsProvider reads the pairing secret from a file on every call, so
// the secret can be re-provisioned without a restart.
type FileSecretsProvider struct {
	path string
}

// NewFileSecretsProvider serves the pairing secret stored at path.
func NewFileSecretsProvider(path string) *FileSecretsProvider {
	return &FileSecretsProvider{path: path}
}

func (f *FileSecretsProvider) PairingSecret(string) ([]byte, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("pairing secret: %w", err)
	}
	secret := bytes.TrimSpace(raw)
	if len(secret) == 0 {
		return nil, fmt.Errorf("pairing secret: %s is empty", f.path)
	}
	return secret, nil
}
