package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// loadOrCreateIdentity reads a 64-byte raw Ed25519 private key from path,
// generating and persisting a fresh one on first use. The directory is
// created idempotently, matching the same MkdirAll-then-use pattern
// filesaver uses for its staging directory.
func loadOrCreateIdentity(path string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity file %q: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(b))
		}
		return ed25519.PrivateKey(b), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %q: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file %q: %w", path, err)
	}
	return priv, nil
}

// defaultIdentityPath returns "$HOME/.flap/identity.key", the default
// location loadOrCreateIdentity persists a generated key under.
func defaultIdentityPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".flap", "identity.key"), nil
}
