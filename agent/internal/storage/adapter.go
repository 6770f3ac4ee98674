// Package storage abstracts where a collection's files live. Tools only
// ever see []types.FileInfo produced by one Walk, so local directories
// and remote buckets hash and analyze identically.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// ErrBackendUnavailable marks a collection type this build cannot reach.
var ErrBackendUnavailable = errors.New("storage: backend not available in this build")

// Adapter lists and fetches a collection's content.
type Adapter interface {
	// Walk enumerates every regular file once. Paths are relative to the
	// collection root with forward slashes; LastModified is truncated to
	// second precision.
	Walk(ctx context.Context) ([]types.FileInfo, error)

	// Fetch reads one object by its relative path. Used by
	// inventory_import to pull the bucket manifest.
	Fetch(ctx context.Context, path string) ([]byte, error)

	// TestConnection verifies the collection is reachable without
	// walking it.
	TestConnection(ctx context.Context) error
}

// New selects the adapter for a job's collection. Remote credentials
// come from the server-delivered connector spec when the server holds
// them, otherwise from the local encrypted store.
func New(cfg wire.JobConfig, st *store.Store) (Adapter, error) {
	switch cfg.CollectionType {
	case types.CollectionTypeLocal, "":
		return newLocal(cfg.CollectionPath)
	case types.CollectionTypeS3:
		creds, err := resolveCredentials(cfg.Connector, st)
		if err != nil {
			return nil, err
		}
		return newS3(cfg.CollectionPath, creds)
	case types.CollectionTypeGCS, types.CollectionTypeSMB:
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, cfg.CollectionType)
	default:
		return nil, fmt.Errorf("storage: unknown collection type %q", cfg.CollectionType)
	}
}

// resolveCredentials prefers server-held connector credentials and falls
// back to the agent's local credential store.
func resolveCredentials(spec *wire.ConnectorSpec, st *store.Store) (map[string]string, error) {
	if spec == nil {
		return nil, errors.New("storage: remote collection without connector")
	}
	if len(spec.Credentials) > 0 {
		return spec.Credentials, nil
	}
	creds, ok, err := st.ConnectorCredentials(spec.GUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("storage: no credentials for connector %s — store them with 'shuttersense-agent credentials set'", spec.GUID)
	}
	return creds, nil
}
