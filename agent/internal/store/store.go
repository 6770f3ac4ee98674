// Package store is the agent's encrypted local state: the master key,
// the connector credential store, the TTL caches (test results,
// collections, team config, version verdict), and the offline result
// spool. Everything lives under one data directory with the layout
//
//	master.key
//	credentials.json
//	test-cache/<sha256>.json
//	collection-cache.json
//	team-config-cache.json
//	version-state.json
//	results/<uuid>.json
//
// Caches distinguish LoadValid (nothing once expired) from Load (stale
// data plus its age, so callers can warn instead of failing).
package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cache TTLs per file kind.
const (
	TestCacheTTL    = 24 * time.Hour
	CollectionTTL   = 7 * 24 * time.Hour
	TeamConfigTTL   = 24 * time.Hour
	VersionStateTTL = 1 * time.Hour
)

// Store owns the data directory and the AEAD derived from the master
// key. One Store per process; the spool does not support concurrent
// writers from multiple processes.
type Store struct {
	dataDir string
	aead    cipher.AEAD
	logger  *zap.Logger
}

// Open loads (or creates) the master key under dataDir and returns a
// ready Store.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	key, err := loadOrCreateMasterKey(dataDir)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	return &Store{
		dataDir: dataDir,
		aead:    aead,
		logger:  logger.Named("store"),
	}, nil
}

// DataDir returns the root of the agent's local state.
func (s *Store) DataDir() string { return s.dataDir }

// seal encrypts plaintext with a random nonce prepended to the box.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a box produced by seal.
func (s *Store) open(box []byte) ([]byte, error) {
	if len(box) < s.aead.NonceSize() {
		return nil, fmt.Errorf("store: ciphertext too short")
	}
	nonce, ciphertext := box[:s.aead.NonceSize()], box[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt: %w", err)
	}
	return plaintext, nil
}

// ─── TTL cache files ─────────────────────────────────────────────────────────

// cacheFile is the on-disk envelope for every TTL cache.
type cacheFile struct {
	CachedAt time.Time       `json:"cached_at"`
	Payload  json.RawMessage `json:"payload"`
}

// saveCache writes a cache entry with the current timestamp.
func (s *Store) saveCache(path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal cache payload: %w", err)
	}
	data, err := json.Marshal(cacheFile{CachedAt: time.Now().UTC(), Payload: raw})
	if err != nil {
		return fmt.Errorf("store: marshal cache envelope: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("store: create cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("store: write cache: %w", err)
	}
	return nil
}

// loadCache reads a cache entry regardless of age. Returns the entry age
// and ok=false when the file is absent or unreadable.
func (s *Store) loadCache(path string, out any) (age time.Duration, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		s.logger.Warn("corrupt cache file, ignoring", zap.String("path", path), zap.Error(err))
		return 0, false
	}
	if err := json.Unmarshal(cf.Payload, out); err != nil {
		s.logger.Warn("corrupt cache payload, ignoring", zap.String("path", path), zap.Error(err))
		return 0, false
	}
	return time.Since(cf.CachedAt), true
}

// loadValidCache is loadCache restricted to entries younger than ttl.
func (s *Store) loadValidCache(path string, ttl time.Duration, out any) bool {
	age, ok := s.loadCache(path, out)
	return ok && age <= ttl
}
