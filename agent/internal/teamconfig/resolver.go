// Package teamconfig resolves the team configuration snapshot with a
// fetch-then-cache fallback chain: live server fetch, fresh cache,
// expired cache (with a warning), then nothing.
package teamconfig

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// Source says where a resolved config came from.
type Source string

const (
	SourceServer       Source = "server"
	SourceCache        Source = "cache"
	SourceExpiredCache Source = "expired_cache"
)

// Resolver fetches and caches the team config.
type Resolver struct {
	client *client.Client
	store  *store.Store
	logger *zap.Logger
}

// New creates a Resolver. client may be nil for offline-only use.
func New(c *client.Client, st *store.Store, logger *zap.Logger) *Resolver {
	return &Resolver{client: c, store: st, logger: logger.Named("teamconfig")}
}

// Resolve returns the team config and its source. A successful server
// fetch refreshes the cache; otherwise the cache is used, stale if
// necessary.
func (r *Resolver) Resolve(ctx context.Context) (wire.TeamConfigResponse, Source, bool) {
	if r.client != nil {
		cfg, err := r.client.TeamConfig(ctx)
		if err == nil {
			if saveErr := r.store.SaveTeamConfig(cfg); saveErr != nil {
				r.logger.Warn("failed to cache team config", zap.Error(saveErr))
			}
			return cfg, SourceServer, true
		}
		r.logger.Warn("team config fetch failed, falling back to cache", zap.Error(err))
	}

	if cfg, ok := r.store.LoadValidTeamConfig(); ok {
		return cfg, SourceCache, true
	}

	if cfg, age, ok := r.store.LoadTeamConfig(); ok {
		r.logger.Warn("using expired team config cache",
			zap.Duration("age", age.Truncate(time.Minute)),
		)
		return cfg, SourceExpiredCache, true
	}

	return wire.TeamConfigResponse{}, "", false
}
