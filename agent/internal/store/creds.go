package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const credsFile = "credentials.json"

// credEntryKey namespaces connector credentials inside the store so
// future entry kinds cannot collide with connector GUIDs.
func credEntryKey(connectorGUID string) string {
	return "connector:" + connectorGUID
}

// loadCreds decrypts the credential store. A missing file is an empty
// store.
func (s *Store) loadCreds() (map[string]map[string]string, error) {
	box, err := os.ReadFile(filepath.Join(s.dataDir, credsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("store: read credentials: %w", err)
	}
	plain, err := s.open(box)
	if err != nil {
		return nil, fmt.Errorf("store: credentials unreadable (master key changed?): %w", err)
	}
	var entries map[string]map[string]string
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("store: parse credentials: %w", err)
	}
	return entries, nil
}

func (s *Store) saveCreds(entries map[string]map[string]string) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("store: marshal credentials: %w", err)
	}
	box, err := s.seal(plain)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, credsFile), box, 0o600); err != nil {
		return fmt.Errorf("store: write credentials: %w", err)
	}
	return nil
}

// PutConnectorCredentials stores credentials for one connector,
// replacing any previous entry.
func (s *Store) PutConnectorCredentials(connectorGUID string, creds map[string]string) error {
	entries, err := s.loadCreds()
	if err != nil {
		return err
	}
	entries[credEntryKey(connectorGUID)] = creds
	return s.saveCreds(entries)
}

// ConnectorCredentials returns the locally held credentials for a
// connector, or ok=false when none are stored.
func (s *Store) ConnectorCredentials(connectorGUID string) (map[string]string, bool, error) {
	entries, err := s.loadCreds()
	if err != nil {
		return nil, false, err
	}
	creds, ok := entries[credEntryKey(connectorGUID)]
	return creds, ok, nil
}

// DeleteConnectorCredentials removes a connector's entry. Deleting a
// missing entry is not an error.
func (s *Store) DeleteConnectorCredentials(connectorGUID string) error {
	entries, err := s.loadCreds()
	if err != nil {
		return err
	}
	delete(entries, credEntryKey(connectorGUID))
	return s.saveCreds(entries)
}
