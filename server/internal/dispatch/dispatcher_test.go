package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/secrets"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/canonical"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

type testEnv struct {
	repos   *repositories.Repositories
	secrets *secrets.Cache
	disp    *Dispatcher
	team    *db.Team
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	repos := repositories.New(gdb)
	sc := secrets.NewCache(zap.NewNop())
	disp := New(repos, sc, events.NewHub(), zap.NewNop())

	team := &db.Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, repos.Teams.Create(context.Background(), team))

	return &testEnv{repos: repos, secrets: sc, disp: disp, team: team}
}

func (e *testEnv) newAgent(t *testing.T, caps []string) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		TeamID:       e.team.ID,
		UserID:       uuid.New(),
		Name:         "agent-" + uuid.NewString(),
		Status:       string(types.AgentStatusOnline),
		IsVerified:   true,
		APIKeyHash:   uuid.NewString(),
		Capabilities: db.EncodeStringList(caps),
	}
	require.NoError(t, e.repos.Agents.Create(context.Background(), agent))
	return agent
}

func (e *testEnv) newJob(t *testing.T, mutate func(*db.Job)) *db.Job {
	t.Helper()
	job := &db.Job{
		TeamID:               e.team.ID,
		Tool:                 string(types.ToolPhotostats),
		Status:               string(types.JobStatusPending),
		RequiredCapabilities: db.EncodeStringList([]string{types.CapabilityLocalFilesystem}),
		MaxRetries:           3,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, e.repos.Jobs.Create(context.Background(), job))
	return job
}

func defaultCaps() []string {
	return []string{types.CapabilityLocalFilesystem, "tool:photostats:v1.0"}
}

func TestClaimEmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())

	job, secret, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Nil(t, secret)
}

func TestClaimHighestPriorityFirst(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())

	env.newJob(t, func(j *db.Job) { j.Priority = 1 })
	urgent := env.newJob(t, func(j *db.Job) { j.Priority = 10 })

	job, secret, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, urgent.ID, job.ID)
	assert.Equal(t, string(types.JobStatusAssigned), job.Status)
	require.NotNil(t, job.AssignedAgentID)
	assert.Equal(t, agent.ID, *job.AssignedAgentID)
	assert.Len(t, secret, canonical.SecretLen)
}

func TestClaimMintsSecretAndCachesIt(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())
	env.newJob(t, nil)

	job, secret, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	require.NotNil(t, job)

	sum := sha256.Sum256(secret)
	assert.Equal(t, hex.EncodeToString(sum[:]), job.SigningSecretHash,
		"stored hash must match the minted secret")

	cached, ok := env.secrets.Get(job.ID)
	require.True(t, ok, "plaintext secret must be cached for the ingest path")
	assert.Equal(t, secret, cached)

	persisted, err := env.repos.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusAssigned), persisted.Status)
}

func TestClaimRevokedAgent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())
	agent.Status = string(types.AgentStatusRevoked)
	env.newJob(t, nil)

	_, _, err := env.disp.Claim(context.Background(), agent)
	assert.ErrorIs(t, err, ErrAgentNotEligible)
}

func TestClaimUnverifiedAgent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())
	agent.IsVerified = false
	env.newJob(t, nil)

	_, _, err := env.disp.Claim(context.Background(), agent)
	assert.ErrorIs(t, err, ErrAgentNotEligible)
}

func TestClaimSkipsCapabilityMismatch(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())

	// The s3 job requires a capability the agent lacks; the plain job is
	// claimable.
	env.newJob(t, func(j *db.Job) {
		j.Priority = 10
		j.RequiredCapabilities = db.EncodeStringList([]string{types.CapabilityLocalFilesystem, "s3"})
	})
	plain := env.newJob(t, nil)

	job, _, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, plain.ID, job.ID)
}

func TestClaimOutdatedAgentOnlyGetsBoundJobs(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())
	agent.IsOutdated = true

	unbound := env.newJob(t, func(j *db.Job) { j.Priority = 10 })
	bound := env.newJob(t, func(j *db.Job) { j.BoundAgentID = &agent.ID })

	job, _, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, bound.ID, job.ID, "outdated agents may only serve jobs bound to them")

	still, err := env.repos.Jobs.GetByID(context.Background(), unbound.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusPending), still.Status)
}

func TestClaimIgnoresJobsBoundElsewhere(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())
	other := env.newAgent(t, defaultCaps())

	env.newJob(t, func(j *db.Job) { j.BoundAgentID = &other.ID })

	job, _, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimIgnoresFutureScheduledFor(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())

	future := time.Now().UTC().Add(time.Hour)
	env.newJob(t, func(j *db.Job) { j.ScheduledFor = &future })

	job, _, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimSecondClaimFindsNothing(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())
	env.newJob(t, nil)

	first, _, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, _, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	assert.Nil(t, second, "an assigned job must not be claimable again")
}

func TestEnqueueLocalCollectionBindsToAgent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())

	col := &db.Collection{
		TeamID:       env.team.ID,
		Name:         "archive",
		Type:         string(types.CollectionTypeLocal),
		Location:     "/photos/archive",
		BoundAgentID: &agent.ID,
	}
	require.NoError(t, env.repos.Collections.Create(context.Background(), col))

	job, err := env.disp.Enqueue(context.Background(), EnqueueRequest{
		TeamID:       env.team.ID,
		Tool:         types.ToolPhotostats,
		CollectionID: &col.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, job.BoundAgentID)
	assert.Equal(t, agent.ID, *job.BoundAgentID)
	assert.Equal(t, string(types.JobStatusPending), job.Status)
	assert.Contains(t, db.DecodeStringList(job.RequiredCapabilities), "tool:photostats:v1.0")
}

func TestEnqueueLocalCollectionWithoutAgentFails(t *testing.T) {
	env := newTestEnv(t)

	col := &db.Collection{
		TeamID:   env.team.ID,
		Name:     "unbound",
		Type:     string(types.CollectionTypeLocal),
		Location: "/photos/unbound",
	}
	require.NoError(t, env.repos.Collections.Create(context.Background(), col))

	_, err := env.disp.Enqueue(context.Background(), EnqueueRequest{
		TeamID:       env.team.ID,
		Tool:         types.ToolPhotostats,
		CollectionID: &col.ID,
	})
	assert.Error(t, err)
}

func TestEnqueueScheduledIsUniquePerCollectionAndTool(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())

	col := &db.Collection{
		TeamID:       env.team.ID,
		Name:         "nightly",
		Type:         string(types.CollectionTypeLocal),
		Location:     "/photos/nightly",
		BoundAgentID: &agent.ID,
	}
	require.NoError(t, env.repos.Collections.Create(context.Background(), col))

	future := time.Now().UTC().Add(2 * time.Hour)
	_, err := env.disp.Enqueue(context.Background(), EnqueueRequest{
		TeamID:       env.team.ID,
		Tool:         types.ToolPhotostats,
		CollectionID: &col.ID,
		ScheduledFor: &future,
	})
	require.NoError(t, err)

	_, err = env.disp.Enqueue(context.Background(), EnqueueRequest{
		TeamID:       env.team.ID,
		Tool:         types.ToolPhotostats,
		CollectionID: &col.ID,
		ScheduledFor: &future,
	})
	assert.ErrorIs(t, err, ErrScheduledExists)

	// A different tool for the same collection is fine.
	_, err = env.disp.Enqueue(context.Background(), EnqueueRequest{
		TeamID:       env.team.ID,
		Tool:         types.ToolPhotoPairing,
		CollectionID: &col.ID,
		ScheduledFor: &future,
	})
	require.NoError(t, err)
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t, nil)

	cancelled, err := env.disp.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCancelled), cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
}

func TestCancelRunningJobQueuesCommand(t *testing.T) {
	env := newTestEnv(t)
	agent := env.newAgent(t, defaultCaps())
	env.newJob(t, nil)

	job, _, err := env.disp.Claim(context.Background(), agent)
	require.NoError(t, err)
	require.NotNil(t, job)

	after, err := env.disp.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	// In-flight jobs stay assigned until the agent posts its CANCELLED
	// completion.
	assert.Equal(t, string(types.JobStatusAssigned), after.Status)

	stored, err := env.repos.Agents.GetByID(context.Background(), agent.ID)
	require.NoError(t, err)
	cmds := db.DecodeStringList(stored.PendingCommands)
	require.Len(t, cmds, 1)
	assert.Equal(t, "cancel_job:"+job.ID.String(), cmds[0])
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	job := env.newJob(t, func(j *db.Job) {
		j.Status = string(types.JobStatusCompleted)
		j.CompletedAt = &now
	})

	after, err := env.disp.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCompleted), after.Status)
}
