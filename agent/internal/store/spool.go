package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const spoolDir = "results"

// OfflineResult is one spooled result produced without a live claim.
// Payload is the wire.ResultPayload JSON the sync command uploads
// verbatim.
type OfflineResult struct {
	GUID      string          `json:"guid"`
	Payload   json.RawMessage `json:"payload"`
	Report    string          `json:"report,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
}

func (s *Store) spoolPath(guid string) string {
	return filepath.Join(s.dataDir, spoolDir, guid+".json")
}

// Spool writes a new encrypted offline result and returns its GUID.
func (s *Store) Spool(payload json.RawMessage, report string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("store: spool id: %w", err)
	}
	res := OfflineResult{
		GUID:      id.String(),
		Payload:   payload,
		Report:    report,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeSpoolEntry(res); err != nil {
		return "", err
	}
	return res.GUID, nil
}

func (s *Store) writeSpoolEntry(res OfflineResult) error {
	plain, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: marshal offline result: %w", err)
	}
	box, err := s.seal(plain)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.dataDir, spoolDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: create spool dir: %w", err)
	}
	if err := os.WriteFile(s.spoolPath(res.GUID), box, 0o600); err != nil {
		return fmt.Errorf("store: write spool entry: %w", err)
	}
	return nil
}

// readSpoolEntry decrypts one spool file. Plaintext JSON is accepted as
// a fallback for entries written before encryption existed.
func (s *Store) readSpoolEntry(path string) (OfflineResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OfflineResult{}, fmt.Errorf("store: read spool entry: %w", err)
	}

	var res OfflineResult
	if plain, err := s.open(data); err == nil {
		if err := json.Unmarshal(plain, &res); err != nil {
			return OfflineResult{}, fmt.Errorf("store: parse spool entry %s: %w", path, err)
		}
		return res, nil
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return OfflineResult{}, fmt.Errorf("store: spool entry %s is neither encrypted nor plaintext JSON", path)
	}
	return res, nil
}

// ListPending returns all unsynced spool entries, oldest first.
// Unreadable entries are skipped with a warning, never deleted.
func (s *Store) ListPending() ([]OfflineResult, error) {
	dir := filepath.Join(s.dataDir, spoolDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read spool dir: %w", err)
	}

	var out []OfflineResult
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		res, err := s.readSpoolEntry(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable spool entry",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if !res.Synced {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkSynced rewrites a spool entry with the synced flag set.
func (s *Store) MarkSynced(guid string) error {
	res, err := s.readSpoolEntry(s.spoolPath(guid))
	if err != nil {
		return err
	}
	res.Synced = true
	return s.writeSpoolEntry(res)
}

// CleanupSynced deletes all synced spool entries and returns how many
// were removed.
func (s *Store) CleanupSynced() (int, error) {
	dir := filepath.Join(s.dataDir, spoolDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read spool dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		res, err := s.readSpoolEntry(path)
		if err != nil || !res.Synced {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("store: remove synced entry: %w", err)
		}
		removed++
	}
	return removed, nil
}
