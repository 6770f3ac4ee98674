package teamconfig

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return st
}

func configServer(t *testing.T, status int, cfg wire.TeamConfigResponse) *client.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": cfg})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "boom", "code": ""},
		})
	}))
	t.Cleanup(srv.Close)
	return client.New(srv.URL, "ssk_testkey", zap.NewNop())
}

func TestResolvePrefersServerAndRefreshesCache(t *testing.T) {
	st := newStore(t)
	var cfg wire.TeamConfigResponse
	cfg.Config.PhotoExtensions = []string{".raf"}

	r := New(configServer(t, http.StatusOK, cfg), st, zap.NewNop())
	got, source, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, SourceServer, source)
	assert.Equal(t, []string{".raf"}, got.Config.PhotoExtensions)

	cached, ok := st.LoadValidTeamConfig()
	require.True(t, ok, "a server fetch refreshes the local cache")
	assert.Equal(t, []string{".raf"}, cached.Config.PhotoExtensions)
}

func TestResolveFallsBackToCache(t *testing.T) {
	st := newStore(t)
	var cfg wire.TeamConfigResponse
	cfg.Config.PhotoExtensions = []string{".cr3"}
	require.NoError(t, st.SaveTeamConfig(cfg))

	r := New(configServer(t, http.StatusInternalServerError, wire.TeamConfigResponse{}), st, zap.NewNop())
	got, source, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, SourceCache, source)
	assert.Equal(t, []string{".cr3"}, got.Config.PhotoExtensions)
}

func TestResolveOfflineUsesCache(t *testing.T) {
	st := newStore(t)
	var cfg wire.TeamConfigResponse
	cfg.Config.PhotoExtensions = []string{".cr3"}
	require.NoError(t, st.SaveTeamConfig(cfg))

	r := New(nil, st, zap.NewNop())
	_, source, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, SourceCache, source)
}

func TestResolveAcceptsExpiredCacheAsLastResort(t *testing.T) {
	st := newStore(t)
	var cfg wire.TeamConfigResponse
	cfg.Config.PhotoExtensions = []string{".raf"}
	require.NoError(t, st.SaveTeamConfig(cfg))

	// Backdate the cache envelope past the 24h team-config TTL.
	path := filepath.Join(st.DataDir(), "team-config-cache.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var envelope struct {
		CachedAt time.Time       `json:"cached_at"`
		Payload  json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	envelope.CachedAt = time.Now().UTC().Add(-48 * time.Hour)
	data, err = json.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	r := New(nil, st, zap.NewNop())
	got, source, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, SourceExpiredCache, source)
	assert.Equal(t, []string{".raf"}, got.Config.PhotoExtensions)
}

func TestResolveNothingAvailable(t *testing.T) {
	r := New(nil, newStore(t), zap.NewNop())
	_, _, ok := r.Resolve(context.Background())
	assert.False(t, ok)
}
