package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const masterKeyFile = "master.key"

// loadOrCreateMasterKey returns the 32-byte master key from
// <dataDir>/master.key, generating and persisting one on first use. The
// key file is written 0600 inside a 0700 directory; an existing file
// with looser permissions is tightened rather than rejected.
func loadOrCreateMasterKey(dataDir string) ([]byte, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, masterKeyFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(string(raw))
		if decErr != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("store: %s is corrupt — remove it to generate a new key (spooled results will become unreadable)", path)
		}
		_ = os.Chmod(path, 0o600)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: read master key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("store: generate master key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("store: write master key: %w", err)
	}
	return key, nil
}
