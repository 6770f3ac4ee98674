package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

const (
	collectionCacheFile = "collection-cache.json"
	teamConfigCacheFile = "team-config-cache.json"
	versionStateFile    = "version-state.json"
	testCacheDir        = "test-cache"
)

// ─── Collection cache ────────────────────────────────────────────────────────

// SaveCollections caches the agent's bound collections for offline runs.
func (s *Store) SaveCollections(collections []wire.CollectionRecord) error {
	return s.saveCache(filepath.Join(s.dataDir, collectionCacheFile), collections)
}

// LoadValidCollections returns the cached collections, or ok=false when
// the cache is missing or older than 7 days.
func (s *Store) LoadValidCollections() ([]wire.CollectionRecord, bool) {
	var out []wire.CollectionRecord
	ok := s.loadValidCache(filepath.Join(s.dataDir, collectionCacheFile), CollectionTTL, &out)
	return out, ok
}

// LoadCollections returns the cached collections regardless of age, plus
// the cache age so callers can warn about staleness.
func (s *Store) LoadCollections() ([]wire.CollectionRecord, time.Duration, bool) {
	var out []wire.CollectionRecord
	age, ok := s.loadCache(filepath.Join(s.dataDir, collectionCacheFile), &out)
	return out, age, ok
}

// ─── Team config cache ───────────────────────────────────────────────────────

// SaveTeamConfig caches the team configuration snapshot.
func (s *Store) SaveTeamConfig(cfg wire.TeamConfigResponse) error {
	return s.saveCache(filepath.Join(s.dataDir, teamConfigCacheFile), cfg)
}

// LoadValidTeamConfig returns the cached team config, or ok=false when
// expired or missing.
func (s *Store) LoadValidTeamConfig() (wire.TeamConfigResponse, bool) {
	var out wire.TeamConfigResponse
	ok := s.loadValidCache(filepath.Join(s.dataDir, teamConfigCacheFile), TeamConfigTTL, &out)
	return out, ok
}

// LoadTeamConfig returns the cached team config regardless of age.
func (s *Store) LoadTeamConfig() (wire.TeamConfigResponse, time.Duration, bool) {
	var out wire.TeamConfigResponse
	age, ok := s.loadCache(filepath.Join(s.dataDir, teamConfigCacheFile), &out)
	return out, age, ok
}

// ─── Version state ───────────────────────────────────────────────────────────

// VersionState caches the heartbeat's version verdict so CLI warnings do
// not need a server round-trip.
type VersionState struct {
	IsOutdated    bool   `json:"is_outdated"`
	LatestVersion string `json:"latest_version,omitempty"`
}

// SaveVersionState stores the most recent heartbeat verdict.
func (s *Store) SaveVersionState(vs VersionState) error {
	return s.saveCache(filepath.Join(s.dataDir, versionStateFile), vs)
}

// LoadValidVersionState returns the cached verdict if it is younger than
// one hour.
func (s *Store) LoadValidVersionState() (VersionState, bool) {
	var out VersionState
	ok := s.loadValidCache(filepath.Join(s.dataDir, versionStateFile), VersionStateTTL, &out)
	return out, ok
}

// ─── Test cache ──────────────────────────────────────────────────────────────

// TestCacheEntry is the outcome of one collection_test run, keyed by the
// collection's canonical absolute path.
type TestCacheEntry struct {
	Path       string `json:"path"`
	Accessible bool   `json:"accessible"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
	Error      string `json:"error,omitempty"`
}

// testCachePath hashes the canonical absolute path so entry filenames
// stay filesystem-safe regardless of what the path contains.
func (s *Store) testCachePath(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return filepath.Join(s.dataDir, testCacheDir, hex.EncodeToString(sum[:])+".json")
}

// SaveTestResult caches one collection test outcome. The path is
// canonicalized before hashing so "/a/b/../c" and "/a/c" share an entry.
func (s *Store) SaveTestResult(path string, entry TestCacheEntry) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	entry.Path = abs
	return s.saveCache(s.testCachePath(abs), entry)
}

// LoadValidTestResult returns a cached test outcome younger than 24h.
func (s *Store) LoadValidTestResult(path string) (TestCacheEntry, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	var out TestCacheEntry
	ok := s.loadValidCache(s.testCachePath(abs), TestCacheTTL, &out)
	return out, ok
}

// CleanupTestCache removes expired and corrupt test-cache entries.
// Returns how many files were deleted.
func (s *Store) CleanupTestCache() int {
	dir := filepath.Join(s.dataDir, testCacheDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cf cacheFile
		stale := json.Unmarshal(data, &cf) != nil ||
			time.Since(cf.CachedAt) > TestCacheTTL
		if stale {
			if err := os.Remove(path); err == nil {
				removed++
			} else {
				s.logger.Warn("failed to remove stale test-cache entry",
					zap.String("path", path), zap.Error(err))
			}
		}
	}
	return removed
}
