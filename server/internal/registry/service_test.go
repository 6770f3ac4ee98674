package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

const testChecksum = "49ee2bf93aac3b1fb4117e59095e07abe555c3383b38d608da37680a406096e8"

type testEnv struct {
	repos *repositories.Repositories
	svc   *Service
	team  *db.Team
	user  *db.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	repos := repositories.New(gdb)
	svc := New(repos, events.NewHub(), zap.NewNop())

	ctx := context.Background()
	team := &db.Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, repos.Teams.Create(ctx, team))
	user := &db.User{
		TeamID:      team.ID,
		Email:       uuid.NewString() + "@example.com",
		DisplayName: "Operator",
		Type:        string(types.UserTypeHuman),
		Role:        string(types.UserRoleAdmin),
		IsActive:    true,
	}
	require.NoError(t, repos.Users.Create(ctx, user))

	return &testEnv{repos: repos, svc: svc, team: team, user: user}
}

// publishRelease seeds one active manifest with a linux artifact so the
// attestation triple (version, linux, testChecksum) verifies.
func (e *testEnv) publishRelease(t *testing.T, version string) {
	t.Helper()
	ctx := context.Background()
	manifest := &db.ReleaseManifest{Version: version, Active: true}
	require.NoError(t, e.repos.Releases.CreateManifest(ctx, manifest))
	require.NoError(t, e.repos.Releases.CreateArtifact(ctx, &db.ReleaseArtifact{
		ManifestID: manifest.ID,
		Platform:   string(types.PlatformLinux),
		Filename:   "shuttersense-agent-" + version + "-linux",
		Checksum:   testChecksum,
	}))
}

func registerReq(token string) wire.RegisterRequest {
	return wire.RegisterRequest{
		Token:           token,
		Name:            "studio-nas",
		Hostname:        "nas.local",
		Platform:        types.PlatformLinux,
		Version:         "1.0.0",
		BinaryChecksum:  testChecksum,
		Capabilities:    []string{"tool:photostats:v1.0"},
		AuthorizedRoots: []string{"/photos"},
	}
}

func TestRegisterHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	ctx := context.Background()

	token, _, err := env.svc.MintToken(ctx, env.team.ID, env.user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	agent, rawKey, err := env.svc.Register(ctx, registerReq(token))
	require.NoError(t, err)
	assert.Equal(t, "studio-nas", agent.Name)
	assert.True(t, agent.IsVerified)
	assert.Contains(t, db.DecodeStringList(agent.Capabilities), types.CapabilityLocalFilesystem,
		"baseline capability must be injected")
	assert.Contains(t, db.DecodeStringList(agent.Capabilities), "tool:photostats:v1.0")

	// The raw key round-trips through AuthenticateKey; only its hash is
	// stored.
	assert.True(t, len(rawKey) > 20)
	assert.NotContains(t, agent.APIKeyHash, rawKey)
	resolved, err := env.svc.AuthenticateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, resolved.ID)

	// The agent got a paired SYSTEM user.
	sysUser, err := env.repos.Users.GetByID(ctx, agent.UserID)
	require.NoError(t, err)
	assert.Equal(t, string(types.UserTypeSystem), sysUser.Type)
}

func TestRegisterTokenSingleUse(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	ctx := context.Background()

	token, _, err := env.svc.MintToken(ctx, env.team.ID, env.user.ID)
	require.NoError(t, err)

	_, _, err = env.svc.Register(ctx, registerReq(token))
	require.NoError(t, err)

	req := registerReq(token)
	req.Name = "second-agent"
	_, _, err = env.svc.Register(ctx, req)
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestRegisterUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")

	_, _, err := env.svc.Register(context.Background(), registerReq("not-a-real-token"))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRegisterUnknownChecksum(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	ctx := context.Background()

	token, _, err := env.svc.MintToken(ctx, env.team.ID, env.user.ID)
	require.NoError(t, err)

	req := registerReq(token)
	req.BinaryChecksum = "0000000000000000000000000000000000000000000000000000000000000000"
	_, _, err = env.svc.Register(ctx, req)
	assert.ErrorIs(t, err, ErrChecksumUnknown)
}

func TestRegisterRejectsRelativeRoot(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	ctx := context.Background()

	token, _, err := env.svc.MintToken(ctx, env.team.ID, env.user.ID)
	require.NoError(t, err)

	req := registerReq(token)
	req.AuthorizedRoots = []string{"photos/relative"}
	_, _, err = env.svc.Register(ctx, req)
	assert.Error(t, err)
}

func TestAuthenticateKeyRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.AuthenticateKey(context.Background(), "ssk_notarealkey")
	assert.ErrorIs(t, err, ErrKeyInvalid)

	_, err = env.svc.AuthenticateKey(context.Background(), "wrongprefix")
	assert.ErrorIs(t, err, ErrKeyInvalid)
}

func registeredAgent(t *testing.T, env *testEnv) *db.Agent {
	t.Helper()
	ctx := context.Background()
	token, _, err := env.svc.MintToken(ctx, env.team.ID, env.user.ID)
	require.NoError(t, err)
	agent, _, err := env.svc.Register(ctx, registerReq(token))
	require.NoError(t, err)
	return agent
}

func heartbeatReq() wire.HeartbeatRequest {
	return wire.HeartbeatRequest{
		Capabilities:   []string{"tool:photostats:v1.0"},
		Metrics:        wire.AgentMetrics{CPUPercent: 12.5, MemoryPercent: 40, DiskPercent: 73},
		Version:        "1.0.0",
		Platform:       types.PlatformLinux,
		BinaryChecksum: testChecksum,
	}
}

func TestHeartbeatMarksOnlineAndDrainsCommands(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	agent := registeredAgent(t, env)
	ctx := context.Background()

	require.NoError(t, env.repos.Agents.AppendPendingCommand(ctx, agent.ID, "cancel_job:"+uuid.NewString()))

	resp, err := env.svc.Heartbeat(ctx, agent, heartbeatReq())
	require.NoError(t, err)
	require.Len(t, resp.PendingCommands, 1)
	assert.False(t, resp.IsOutdated)

	fresh, err := env.repos.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentStatusOnline), fresh.Status)
	assert.NotNil(t, fresh.LastHeartbeatAt)
	assert.Empty(t, db.DecodeStringList(fresh.PendingCommands), "commands drain exactly once")
	assert.Contains(t, fresh.Metrics, "cpu_percent")
}

func TestHeartbeatVersionVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	agent := registeredAgent(t, env)

	// A newer release appears; the 1.0.0 agent becomes outdated.
	env.publishRelease(t, "1.1.0")
	resp, err := env.svc.Heartbeat(context.Background(), agent, heartbeatReq())
	require.NoError(t, err)
	assert.True(t, resp.IsOutdated)
	assert.Equal(t, "1.1.0", resp.LatestVersion)
	assert.True(t, agent.IsOutdated)
}

func TestHeartbeatUnverifiesUnknownChecksum(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	agent := registeredAgent(t, env)

	req := heartbeatReq()
	req.BinaryChecksum = "1111111111111111111111111111111111111111111111111111111111111111"
	_, err := env.svc.Heartbeat(context.Background(), agent, req)
	require.NoError(t, err, "a failed attestation does not refuse the beat")
	assert.False(t, agent.IsVerified, "unknown binaries are un-verified, not disconnected")
}

func TestHeartbeatRevokedAgent(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	agent := registeredAgent(t, env)

	_, err := env.svc.Revoke(context.Background(), agent.ID, "compromised host")
	require.NoError(t, err)

	revoked, err := env.repos.Agents.GetByID(context.Background(), agent.ID)
	require.NoError(t, err)
	_, err = env.svc.Heartbeat(context.Background(), revoked, heartbeatReq())
	assert.ErrorIs(t, err, ErrAgentRevoked)
}

func TestSweepOfflineFlipsStaleAgents(t *testing.T) {
	env := newTestEnv(t)
	env.publishRelease(t, "1.0.0")
	agent := registeredAgent(t, env)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	agent.Status = string(types.AgentStatusOnline)
	agent.LastHeartbeatAt = &stale
	require.NoError(t, env.repos.Agents.Update(ctx, agent))

	env.svc.SweepOffline(ctx)

	fresh, err := env.repos.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentStatusOffline), fresh.Status)
}

func TestSweepTokensPurgesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token, _, err := env.svc.MintToken(ctx, env.team.ID, env.user.ID)
	require.NoError(t, err)

	require.NoError(t, env.repos.Tokens.Create(ctx, &db.RegistrationToken{
		TeamID:      env.team.ID,
		CreatedByID: env.user.ID,
		TokenHash:   "expired-" + uuid.NewString(),
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	}))

	env.svc.SweepTokens(ctx)

	// The live token still registers; the expired row is gone.
	env.publishRelease(t, "1.0.0")
	_, _, err = env.svc.Register(ctx, registerReq(token))
	require.NoError(t, err)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("1.2.3", "1.2.3"))
	assert.Equal(t, 1, compareVersions("1.10.0", "1.9.9"))
	assert.Equal(t, -1, compareVersions("1.0.0", "2.0.0"))
	assert.Equal(t, 1, compareVersions("v1.1", "1.0"))
	assert.Equal(t, 1, compareVersions("1.0.1", "1.0"))
}

func TestNormalizeCapabilities(t *testing.T) {
	caps := normalizeCapabilities([]string{"s3", "s3", " ", "tool:photostats:v1.0"})
	assert.Equal(t, []string{types.CapabilityLocalFilesystem, "s3", "tool:photostats:v1.0"}, caps)
}
