package optimizer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

type testEnv struct {
	repos *repositories.Repositories
	opt   *Optimizer
	team  *db.Team
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	repos := repositories.New(gdb)
	team := &db.Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, repos.Teams.Create(context.Background(), team))

	return &testEnv{repos: repos, opt: New(repos, zap.NewNop()), team: team}
}

func (e *testEnv) setPolicy(t *testing.T, key string, value int) {
	t.Helper()
	require.NoError(t, e.repos.Config.Upsert(context.Background(), e.team.ID,
		configCategory, key, strconv.Itoa(value)))
}

func (e *testEnv) addResult(t *testing.T, colID uuid.UUID, age time.Duration, mutate func(*db.AnalysisResult)) *db.AnalysisResult {
	t.Helper()
	row := &db.AnalysisResult{
		TeamID:       e.team.ID,
		CollectionID: &colID,
		Tool:         string(types.ToolPhotostats),
		Status:       string(types.ResultStatusCompleted),
		Source:       string(types.ResultSourceLive),
		CompletedAt:  time.Now().UTC().Add(-age),
		ResultsJSON:  `{"total_files":1}`,
	}
	if mutate != nil {
		mutate(row)
	}
	require.NoError(t, e.repos.Results.Create(context.Background(), row))
	return row
}

func (e *testEnv) addTerminalJob(t *testing.T, status types.JobStatus, age time.Duration) *db.Job {
	t.Helper()
	done := time.Now().UTC().Add(-age)
	job := &db.Job{
		TeamID:      e.team.ID,
		Tool:        string(types.ToolPhotostats),
		Status:      string(status),
		CompletedAt: &done,
		MaxRetries:  3,
	}
	require.NoError(t, e.repos.Jobs.Create(context.Background(), job))
	return job
}

func day(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestLoadPolicyDefaults(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.opt.LoadPolicy(context.Background(), env.team.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy, p)
}

func TestLoadPolicyOverrides(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "job_completed_days", 7)
	env.setPolicy(t, "preserve_per_collection", 1)

	p, err := env.opt.LoadPolicy(context.Background(), env.team.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, p.JobCompletedDays)
	assert.Equal(t, 1, p.PreservePerCollection)
	assert.Equal(t, DefaultPolicy.ResultCompletedDays, p.ResultCompletedDays,
		"unset keys keep their defaults")
}

func TestSweepDeletesOldTerminalJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldDone := env.addTerminalJob(t, types.JobStatusCompleted, day(60))
	freshDone := env.addTerminalJob(t, types.JobStatusCompleted, day(5))
	oldFailed := env.addTerminalJob(t, types.JobStatusFailed, day(120))
	keptFailed := env.addTerminalJob(t, types.JobStatusFailed, day(60))

	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	_, err := env.repos.Jobs.GetByID(ctx, oldDone.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = env.repos.Jobs.GetByID(ctx, freshDone.ID)
	assert.NoError(t, err)
	_, err = env.repos.Jobs.GetByID(ctx, oldFailed.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound, "failed jobs age out at 90 days")
	_, err = env.repos.Jobs.GetByID(ctx, keptFailed.ID)
	assert.NoError(t, err, "failed jobs younger than the failed window survive")
}

func TestSweepPreservesNewestPerChain(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "result_completed_days", 30)
	env.setPolicy(t, "preserve_per_collection", 2)
	ctx := context.Background()
	colID := uuid.New()

	newest := env.addResult(t, colID, day(40), nil)
	second := env.addResult(t, colID, day(50), nil)
	third := env.addResult(t, colID, day(60), nil)

	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	_, err := env.repos.Results.GetByID(ctx, newest.ID)
	assert.NoError(t, err)
	_, err = env.repos.Results.GetByID(ctx, second.ID)
	assert.NoError(t, err)
	_, err = env.repos.Results.GetByID(ctx, third.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound,
		"results past the preserve count and the window are deleted")
}

func TestSweepKeepsFailedResults(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "result_completed_days", 30)
	env.setPolicy(t, "preserve_per_collection", 0)
	ctx := context.Background()
	colID := uuid.New()

	failed := env.addResult(t, colID, day(400), func(r *db.AnalysisResult) {
		r.Status = string(types.ResultStatusFailed)
		r.ErrorMessage = "walk: permission denied"
	})
	cancelled := env.addResult(t, colID, day(400), func(r *db.AnalysisResult) {
		r.Status = string(types.ResultStatusCancelled)
	})
	completed := env.addResult(t, colID, day(400), nil)

	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	_, err := env.repos.Results.GetByID(ctx, failed.ID)
	assert.NoError(t, err, "failure records are diagnostics, not dedup fodder")
	_, err = env.repos.Results.GetByID(ctx, cancelled.ID)
	assert.NoError(t, err)
	_, err = env.repos.Results.GetByID(ctx, completed.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSweepFailuresDoNotConsumePreserveSlots(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "result_completed_days", 30)
	env.setPolicy(t, "preserve_per_collection", 1)
	ctx := context.Background()
	colID := uuid.New()

	// A recent failure sits at the head of the chain; the newest
	// completed result must still claim the preserve slot.
	env.addResult(t, colID, day(31), func(r *db.AnalysisResult) {
		r.Status = string(types.ResultStatusFailed)
	})
	newestCompleted := env.addResult(t, colID, day(40), nil)
	older := env.addResult(t, colID, day(50), nil)

	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	_, err := env.repos.Results.GetByID(ctx, newestCompleted.ID)
	assert.NoError(t, err)
	_, err = env.repos.Results.GetByID(ctx, older.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSweepKeepsReferencedChainHeads(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "result_completed_days", 30)
	env.setPolicy(t, "preserve_per_collection", 0)
	ctx := context.Background()
	colID := uuid.New()

	head := env.addResult(t, colID, day(200), func(r *db.AnalysisResult) {
		r.InputStateHash = "h1"
		r.ReportHTML = "<html>kept</html>"
	})
	env.addResult(t, colID, day(40), func(r *db.AnalysisResult) {
		r.Status = string(types.ResultStatusNoChange)
		r.NoChangeCopy = true
		r.DownloadReportFromID = &head.ID
	})
	doomed := env.addResult(t, colID, day(300), nil)

	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	_, err := env.repos.Results.GetByID(ctx, head.ID)
	assert.NoError(t, err, "a chain head with live NO_CHANGE copies is never deleted")
	_, err = env.repos.Results.GetByID(ctx, doomed.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSweepKeepsResultsInsideWindow(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "preserve_per_collection", 0)
	ctx := context.Background()
	colID := uuid.New()

	fresh := env.addResult(t, colID, day(10), nil)
	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	_, err := env.repos.Results.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepAccumulatesStorageMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "result_completed_days", 30)
	env.setPolicy(t, "preserve_per_collection", 0)
	ctx := context.Background()

	env.addTerminalJob(t, types.JobStatusCompleted, day(60))
	env.addResult(t, uuid.New(), day(90), func(r *db.AnalysisResult) {
		r.ReportHTML = "<html>big report</html>"
	})

	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	m, err := env.repos.Metrics.Get(ctx, env.team.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.JobsDeleted)
	assert.Equal(t, int64(1), m.ResultsDeleted)
	assert.Positive(t, m.BytesFreed)
	assert.NotNil(t, m.LastSweepAt)
}

func TestSweepZeroWindowDisablesRule(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "job_completed_days", 0)
	ctx := context.Background()

	ancient := env.addTerminalJob(t, types.JobStatusCompleted, day(1000))
	require.NoError(t, env.opt.SweepTeam(ctx, env.team.ID))

	_, err := env.repos.Jobs.GetByID(ctx, ancient.ID)
	assert.NoError(t, err, "a zero window disables job deletion")
}
