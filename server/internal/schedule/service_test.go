package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/dispatch"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/secrets"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

type testEnv struct {
	repos *repositories.Repositories
	svc   *Service
	team  *db.Team
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	repos := repositories.New(gdb)
	disp := dispatch.New(repos, secrets.NewCache(zap.NewNop()), events.NewHub(), zap.NewNop())

	team := &db.Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, repos.Teams.Create(context.Background(), team))

	return &testEnv{repos: repos, svc: New(repos, disp, zap.NewNop()), team: team}
}

// newLocalCollection seeds an agent and a local collection bound to it,
// the minimum a schedule needs for its jobs to enqueue.
func (e *testEnv) newLocalCollection(t *testing.T) *db.Collection {
	t.Helper()
	agent := &db.Agent{
		TeamID:     e.team.ID,
		UserID:     uuid.New(),
		Name:       "agent-" + uuid.NewString(),
		Status:     string(types.AgentStatusOnline),
		IsVerified: true,
		APIKeyHash: uuid.NewString(),
	}
	require.NoError(t, e.repos.Agents.Create(context.Background(), agent))

	col := &db.Collection{
		TeamID:       e.team.ID,
		Name:         "archive-" + uuid.NewString(),
		Type:         string(types.CollectionTypeLocal),
		Location:     "/photos/archive",
		BoundAgentID: &agent.ID,
	}
	require.NoError(t, e.repos.Collections.Create(context.Background(), col))
	return col
}

func (e *testEnv) newSchedule(t *testing.T, colID uuid.UUID, mutate func(*db.Schedule)) *db.Schedule {
	t.Helper()
	row := &db.Schedule{
		TeamID:       e.team.ID,
		CollectionID: colID,
		Tool:         string(types.ToolPhotostats),
		CronExpr:     "0 3 * * *",
		Enabled:      true,
	}
	if mutate != nil {
		mutate(row)
	}
	require.NoError(t, e.repos.Schedules.Create(context.Background(), row))
	return row
}

func (e *testEnv) listJobs(t *testing.T) []db.Job {
	t.Helper()
	jobs, _, err := e.repos.Jobs.List(context.Background(), e.team.ID,
		repositories.JobFilter{}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	return jobs
}

func TestValidateStandardExpression(t *testing.T) {
	from := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	next, err := Validate("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC), next)

	next, err = Validate("@daily", from)
	require.NoError(t, err)
	assert.True(t, next.After(from))
}

func TestValidateRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"", "not cron", "99 99 * * *", "* * * *"} {
		_, err := Validate(expr, time.Now().UTC())
		assert.ErrorIs(t, err, ErrBadCronExpr, "expression %q", expr)
	}
}

func TestCreateComputesNextRun(t *testing.T) {
	env := newTestEnv(t)
	col := env.newLocalCollection(t)

	row := &db.Schedule{
		TeamID:       env.team.ID,
		CollectionID: col.ID,
		Tool:         string(types.ToolPhotostats),
		CronExpr:     "*/5 * * * *",
		Enabled:      true,
	}
	require.NoError(t, env.svc.Create(context.Background(), row))
	require.NotNil(t, row.NextRunAt)
	assert.True(t, row.NextRunAt.After(time.Now().UTC()))

	stored, err := env.repos.Schedules.GetByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
}

func TestCreateRejectsBadExpression(t *testing.T) {
	env := newTestEnv(t)
	col := env.newLocalCollection(t)

	err := env.svc.Create(context.Background(), &db.Schedule{
		TeamID:       env.team.ID,
		CollectionID: col.ID,
		Tool:         string(types.ToolPhotostats),
		CronExpr:     "every tuesday",
	})
	assert.ErrorIs(t, err, ErrBadCronExpr)
}

func TestUpdateRecomputesNextRun(t *testing.T) {
	env := newTestEnv(t)
	col := env.newLocalCollection(t)
	row := env.newSchedule(t, col.ID, nil)

	row.CronExpr = "30 6 * * *"
	require.NoError(t, env.svc.Update(context.Background(), row))
	require.NotNil(t, row.NextRunAt)
	assert.Equal(t, 30, row.NextRunAt.Minute())
	assert.Equal(t, 6, row.NextRunAt.Hour())
}

func TestSweepMaterializesDueSchedule(t *testing.T) {
	env := newTestEnv(t)
	col := env.newLocalCollection(t)

	due := time.Now().UTC().Add(-time.Minute)
	row := env.newSchedule(t, col.ID, func(s *db.Schedule) {
		s.NextRunAt = &due
		s.Priority = 4
	})

	env.svc.Sweep(context.Background())

	jobs := env.listJobs(t)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, string(types.JobStatusPending), job.Status,
		"a past fire time enqueues straight to pending")
	assert.Equal(t, string(types.ToolPhotostats), job.Tool)
	assert.Equal(t, string(types.JobTriggerScheduler), job.Origin)
	assert.Equal(t, 4, job.Priority)
	require.NotNil(t, job.ScheduleID)
	assert.Equal(t, row.ID, *job.ScheduleID)
	require.NotNil(t, job.BoundAgentID, "local collections bind scheduled jobs to their agent")

	stored, err := env.repos.Schedules.GetByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()), "next run advances past the tick")
	require.NotNil(t, stored.LastRunAt)
}

func TestSweepAdvancesPastTick(t *testing.T) {
	env := newTestEnv(t)
	col := env.newLocalCollection(t)

	due := time.Now().UTC().Add(-time.Minute)
	env.newSchedule(t, col.ID, func(s *db.Schedule) { s.NextRunAt = &due })

	env.svc.Sweep(context.Background())
	env.svc.Sweep(context.Background())

	assert.Len(t, env.listJobs(t), 1, "an advanced schedule does not fire again until due")
}

func TestSweepSkipsDisabledAndFutureSchedules(t *testing.T) {
	env := newTestEnv(t)
	col := env.newLocalCollection(t)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	env.newSchedule(t, col.ID, func(s *db.Schedule) {
		s.NextRunAt = &past
		s.Enabled = false
	})
	env.newSchedule(t, col.ID, func(s *db.Schedule) {
		s.Tool = string(types.ToolPhotoPairing)
		s.NextRunAt = &future
	})

	env.svc.Sweep(context.Background())
	assert.Empty(t, env.listJobs(t))
}

func TestSweepPromotesDueScheduledJobs(t *testing.T) {
	env := newTestEnv(t)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	dueJob := &db.Job{
		TeamID:       env.team.ID,
		Tool:         string(types.ToolPhotostats),
		Status:       string(types.JobStatusScheduled),
		ScheduledFor: &past,
		MaxRetries:   3,
	}
	require.NoError(t, env.repos.Jobs.Create(context.Background(), dueJob))
	waitingJob := &db.Job{
		TeamID:       env.team.ID,
		Tool:         string(types.ToolPhotostats),
		Status:       string(types.JobStatusScheduled),
		ScheduledFor: &future,
		MaxRetries:   3,
	}
	require.NoError(t, env.repos.Jobs.Create(context.Background(), waitingJob))

	env.svc.Sweep(context.Background())

	promoted, err := env.repos.Jobs.GetByID(context.Background(), dueJob.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusPending), promoted.Status)

	waiting, err := env.repos.Jobs.GetByID(context.Background(), waitingJob.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusScheduled), waiting.Status)
}
