package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateSigningKey loads a hex-encoded Ed25519 private key from path, or
// generates and persists a new one if the file does not exist.
//
// Any other failure mode is fatal: an unreadable file, a corrupt key, or an
// unwritable directory all return an error instead of falling back to an
// ephemeral key. A backend that silently regenerated its key on restart would
// change identity and break every existing peer registration.
func LoadOrCreateSigningKey(path string) (PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		keyBytes, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil {
			return nil, fmt.Errorf("keystore %s: invalid key encoding: %w", path, decErr)
		}
		if len(keyBytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("keystore %s: invalid key size %d", path, len(keyBytes))
		}
		return NewPrivateKeyFromBytes(keyBytes), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}

	_, privKey, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	if err := writeKeyFile(path, hex.EncodeToString(privKey)); err != nil {
		return nil, err
	}
	return privKey, nil
}

// LoadOrCreateExchangeKey loads a hex-encoded X25519 private key from path, or
// generates and persists a new one if the file does not exist. Failure rules
// match LoadOrCreateSigningKey.
func LoadOrCreateExchangeKey(path string) (ExchangePrivateKey, error) {
	var priv ExchangePrivateKey

	raw, err := os.ReadFile(path)
	if err == nil {
		keyBytes, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil {
			return priv, fmt.Errorf("keystore %s: invalid key encoding: %w", path, decErr)
		}
		if len(keyBytes) != len(priv) {
			return priv, fmt.Errorf("keystore %s: invalid key size %d", path, len(keyBytes))
		}
		copy(priv[:], keyBytes)
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return priv, fmt.Errorf("keystore %s: %w", path, err)
	}

	_, priv, err = GenerateExchangeKeyPair()
	if err != nil {
		return priv, fmt.Errorf("generating exchange key: %w", err)
	}
	if err := writeKeyFile(path, hex.EncodeToString(priv[:])); err != nil {
		return priv, err
	}
	return priv, nil
}

// SaveSigningKey overwrites the key file at path with privKey. Used by key
// rotation; the write goes through a temp file and rename so a crash never
// leaves a truncated key behind.
func SaveSigningKey(path string, privKey PrivateKey) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(privKey)+"\n"), 0o600); err != nil {
		return fmt.Errorf("keystore %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("keystore %s: %w", path, err)
	}
	return nil
}

func writeKeyFile(path, encoded string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keystore %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return fmt.Errorf("keystore %s: %w", path, err)
	}
	return nil
}
