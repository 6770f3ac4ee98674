package repositories

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

func newRepoEnv(t *testing.T) (*Repositories, *db.Agent) {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	repos := New(gdb)

	team := &db.Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, repos.Teams.Create(context.Background(), team))

	agent := &db.Agent{
		TeamID:     team.ID,
		UserID:     uuid.New(),
		Name:       "agent-" + uuid.NewString(),
		Status:     string(types.AgentStatusOnline),
		APIKeyHash: uuid.NewString(),
	}
	require.NoError(t, repos.Agents.Create(context.Background(), agent))
	return repos, agent
}

func TestAppendPendingCommandConcurrentAppendsKeepAll(t *testing.T) {
	repos, agent := newRepoEnv(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repos.Agents.AppendPendingCommand(ctx, agent.ID, "cancel_job:"+uuid.NewString())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	fresh, err := repos.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, db.DecodeStringList(fresh.PendingCommands), n,
		"every concurrent append lands in the queue")
}

func TestGetByIDForUpdateWorksOnSQLite(t *testing.T) {
	repos, agent := newRepoEnv(t)

	// SQLite rejects FOR UPDATE syntax; the locked read must only emit
	// the clause on postgres.
	got, err := repos.Agents.GetByIDForUpdate(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
}

func TestGetByIDForUpdateUnknownAgent(t *testing.T) {
	repos, _ := newRepoEnv(t)

	_, err := repos.Agents.GetByIDForUpdate(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendPendingCommandUnknownAgent(t *testing.T) {
	repos, _ := newRepoEnv(t)

	err := repos.Agents.AppendPendingCommand(context.Background(), uuid.New(), "revoked")
	assert.ErrorIs(t, err, ErrNotFound)
}
