package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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
	"github.com/fabrice-guiot/shuttersense-sub005/shared/canonical"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

type testEnv struct {
	repos    *repositories.Repositories
	secrets  *secrets.Cache
	ingestor *Ingestor
	team     *db.Team
	agent    *db.Agent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	repos := repositories.New(gdb)
	sc := secrets.NewCache(zap.NewNop())
	hub := events.NewHub()
	disp := dispatch.New(repos, sc, hub, zap.NewNop())
	ing := New(repos, sc, disp, hub, zap.NewNop())

	team := &db.Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, repos.Teams.Create(context.Background(), team))

	agent := &db.Agent{
		TeamID:     team.ID,
		UserID:     uuid.New(),
		Name:       "agent-" + uuid.NewString(),
		Status:     string(types.AgentStatusOnline),
		IsVerified: true,
		APIKeyHash: uuid.NewString(),
		Capabilities: db.EncodeStringList([]string{
			types.CapabilityLocalFilesystem, "tool:photostats:v1.0",
		}),
	}
	require.NoError(t, repos.Agents.Create(context.Background(), agent))

	return &testEnv{repos: repos, secrets: sc, ingestor: ing, team: team, agent: agent}
}

// assignedJob seeds one job assigned to the env agent with its signing
// secret in the cache, mirroring the state after a successful claim.
func (e *testEnv) assignedJob(t *testing.T, mutate func(*db.Job)) (*db.Job, []byte) {
	t.Helper()
	now := time.Now().UTC()
	secret := make([]byte, canonical.SecretLen)
	copy(secret, "0123456789abcdef0123456789abcdef")
	sum := sha256.Sum256(secret)

	job := &db.Job{
		TeamID:               e.team.ID,
		Tool:                 string(types.ToolPhotostats),
		Status:               string(types.JobStatusAssigned),
		AssignedAgentID:      &e.agent.ID,
		AssignedAt:           &now,
		SigningSecretHash:    hex.EncodeToString(sum[:]),
		RequiredCapabilities: db.EncodeStringList([]string{types.CapabilityLocalFilesystem}),
		MaxRetries:           3,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, e.repos.Jobs.Create(context.Background(), job))
	e.secrets.Put(job.ID, secret)
	return job, secret
}

func (e *testEnv) payloadFor(t *testing.T, job *db.Job, status types.ResultStatus, mutate func(*wire.ResultPayload)) []byte {
	t.Helper()
	now := time.Now().UTC()
	payload := wire.ResultPayload{
		JobGUID:      job.ID.String(),
		Tool:         types.ToolName(job.Tool),
		Status:       status,
		StartedAt:    now.Add(-time.Minute),
		CompletedAt:  now,
		Results:      map[string]any{"total_files": 12},
		AgentVersion: "1.0.0",
	}
	if mutate != nil {
		mutate(&payload)
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestCompleteAcceptsValidSignature(t *testing.T) {
	env := newTestEnv(t)
	job, secret := env.assignedJob(t, nil)
	raw := env.payloadFor(t, job, types.ResultStatusCompleted, nil)

	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	row, err := env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		Result:    raw,
		Signature: sig,
	})
	require.NoError(t, err)
	assert.Equal(t, string(types.ResultStatusCompleted), row.Status)
	assert.Equal(t, string(types.ResultSourceLive), row.Source)

	done, err := env.repos.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCompleted), done.Status)
	require.NotNil(t, done.ResultID)
	assert.Equal(t, row.ID, *done.ResultID)

	_, ok := env.secrets.Get(job.ID)
	assert.False(t, ok, "secret must be discarded after acceptance")
}

func TestCompleteRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.assignedJob(t, nil)
	raw := env.payloadFor(t, job, types.ResultStatusCompleted, nil)

	_, err := env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		Result:    raw,
		Signature: "deadbeef",
	})
	assert.ErrorIs(t, err, ErrBadSignature)

	// The assignment is rewound: pending again with one retry burned and
	// no result row.
	rewound, err := env.repos.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusPending), rewound.Status)
	assert.Equal(t, 1, rewound.RetryCount)
	assert.Nil(t, rewound.AssignedAgentID)

	results, total, err := env.repos.Results.List(context.Background(), env.team.ID,
		repositories.ResultFilter{}, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

func TestCompleteSecretLostRequeues(t *testing.T) {
	env := newTestEnv(t)
	job, secret := env.assignedJob(t, nil)
	env.secrets.Delete(job.ID) // simulate a server restart

	raw := env.payloadFor(t, job, types.ResultStatusCompleted, nil)
	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	_, err = env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		Result:    raw,
		Signature: sig,
	})
	assert.ErrorIs(t, err, ErrSecretLost)

	rewound, err := env.repos.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusPending), rewound.Status)
}

func TestCompleteRejectsWrongAgent(t *testing.T) {
	env := newTestEnv(t)
	job, secret := env.assignedJob(t, nil)

	intruder := &db.Agent{
		TeamID:     env.team.ID,
		UserID:     uuid.New(),
		Name:       "intruder",
		Status:     string(types.AgentStatusOnline),
		IsVerified: true,
		APIKeyHash: uuid.NewString(),
	}
	require.NoError(t, env.repos.Agents.Create(context.Background(), intruder))

	raw := env.payloadFor(t, job, types.ResultStatusCompleted, nil)
	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	_, err = env.ingestor.Complete(context.Background(), job.ID, intruder, wire.CompleteRequest{
		Result:    raw,
		Signature: sig,
	})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestCompleteFailedWithRetriesRequeues(t *testing.T) {
	env := newTestEnv(t)
	job, secret := env.assignedJob(t, nil)
	raw := env.payloadFor(t, job, types.ResultStatusFailed, func(p *wire.ResultPayload) {
		p.ErrorMessage = "tool blew up"
		p.Results = nil
	})
	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	row, err := env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		Result:    raw,
		Signature: sig,
	})
	require.NoError(t, err)
	assert.Equal(t, string(types.ResultStatusFailed), row.Status)

	// The failed attempt keeps its audit row but the work goes back on
	// the queue.
	rewound, err := env.repos.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusPending), rewound.Status)
	assert.Equal(t, 1, rewound.RetryCount)
}

func TestCompleteFailedAtRetryLimitFailsJob(t *testing.T) {
	env := newTestEnv(t)
	job, secret := env.assignedJob(t, func(j *db.Job) {
		j.RetryCount = 3
		j.MaxRetries = 3
	})
	raw := env.payloadFor(t, job, types.ResultStatusFailed, func(p *wire.ResultPayload) {
		p.ErrorMessage = "still broken"
		p.Results = nil
	})
	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	_, err = env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		Result:    raw,
		Signature: sig,
	})
	require.NoError(t, err)

	final, err := env.repos.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusFailed), final.Status)
	assert.NotNil(t, final.CompletedAt)
}

func TestCompleteNoChangeReferencesChainHead(t *testing.T) {
	env := newTestEnv(t)
	colID := uuid.New()

	head := &db.AnalysisResult{
		TeamID:         env.team.ID,
		CollectionID:   &colID,
		Tool:           string(types.ToolPhotostats),
		Status:         string(types.ResultStatusCompleted),
		Source:         string(types.ResultSourceLive),
		CompletedAt:    time.Now().UTC().Add(-time.Hour),
		InputStateHash: "abc123",
		ReportHTML:     "<html>report</html>",
	}
	require.NoError(t, env.repos.Results.Create(context.Background(), head))

	job, secret := env.assignedJob(t, func(j *db.Job) { j.CollectionID = &colID })
	raw := env.payloadFor(t, job, types.ResultStatusNoChange, func(p *wire.ResultPayload) {
		p.NoChangeCopy = true
		p.DownloadReportFrom = head.ID.String()
		p.Results = nil
	})
	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	row, err := env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		Result:    raw,
		Signature: sig,
	})
	require.NoError(t, err)
	assert.True(t, row.NoChangeCopy)
	require.NotNil(t, row.DownloadReportFromID)
	assert.Equal(t, head.ID, *row.DownloadReportFromID)
	assert.Equal(t, "abc123", row.InputStateHash, "copies inherit the head's input-state hash")
	assert.Empty(t, row.ReportHTML, "copies carry no report of their own")
}

func TestCompleteNoChangeRejectsUnknownReference(t *testing.T) {
	env := newTestEnv(t)
	job, secret := env.assignedJob(t, nil)
	raw := env.payloadFor(t, job, types.ResultStatusNoChange, func(p *wire.ResultPayload) {
		p.NoChangeCopy = true
		p.DownloadReportFrom = uuid.NewString()
		p.Results = nil
	})
	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	_, err = env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		Result:    raw,
		Signature: sig,
	})
	assert.ErrorIs(t, err, ErrBadReference)
}

func TestProgressFlipsAssignedToRunning(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.assignedJob(t, nil)

	pct := 40.0
	err := env.ingestor.Progress(context.Background(), job.ID, env.agent, wire.ProgressRequest{
		Stage:      "scanning",
		Percentage: &pct,
		Message:    "4000 of 10000 files",
	})
	require.NoError(t, err)

	running, err := env.repos.Jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusRunning), running.Status)
	assert.NotNil(t, running.StartedAt)
	assert.Contains(t, running.Progress, "scanning")

	// A second report is the steady-state running case.
	pct = 80.0
	err = env.ingestor.Progress(context.Background(), job.ID, env.agent, wire.ProgressRequest{
		Stage:      "scanning",
		Percentage: &pct,
	})
	require.NoError(t, err)
}

func TestProgressRejectsNonOwner(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.assignedJob(t, nil)

	other := &db.Agent{
		TeamID:     env.team.ID,
		UserID:     uuid.New(),
		Name:       "other",
		Status:     string(types.AgentStatusOnline),
		IsVerified: true,
		APIKeyHash: uuid.NewString(),
	}
	require.NoError(t, env.repos.Agents.Create(context.Background(), other))

	err := env.ingestor.Progress(context.Background(), job.ID, other, wire.ProgressRequest{Stage: "x"})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestInputStateMatchesChainHead(t *testing.T) {
	env := newTestEnv(t)
	colID := uuid.New()

	head := &db.AnalysisResult{
		TeamID:         env.team.ID,
		CollectionID:   &colID,
		Tool:           string(types.ToolPhotostats),
		Status:         string(types.ResultStatusCompleted),
		Source:         string(types.ResultSourceLive),
		CompletedAt:    time.Now().UTC().Add(-time.Hour),
		InputStateHash: "samehash",
	}
	require.NoError(t, env.repos.Results.Create(context.Background(), head))

	job, _ := env.assignedJob(t, func(j *db.Job) { j.CollectionID = &colID })

	resp, err := env.ingestor.InputState(context.Background(), job.ID, env.agent, "samehash")
	require.NoError(t, err)
	assert.True(t, resp.NoChange)
	assert.Equal(t, head.ID.String(), resp.ReferenceResultGUID)

	resp, err = env.ingestor.InputState(context.Background(), job.ID, env.agent, "differenthash")
	require.NoError(t, err)
	assert.False(t, resp.NoChange)
}

func TestInputStateNoHistoryMeansChange(t *testing.T) {
	env := newTestEnv(t)
	colID := uuid.New()
	job, _ := env.assignedJob(t, func(j *db.Job) { j.CollectionID = &colID })

	resp, err := env.ingestor.InputState(context.Background(), job.ID, env.agent, "anything")
	require.NoError(t, err)
	assert.False(t, resp.NoChange)
}

func TestChunkedUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("<html>a large report body</html>")
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	start, err := env.ingestor.StartUpload(env.agent, wire.ChunkStartRequest{
		Kind:      wire.UploadKindReport,
		TotalSize: int64(len(data)),
		SHA256:    digest,
	})
	require.NoError(t, err)

	// Two chunks, in order.
	_, err = env.ingestor.AppendChunk(env.agent, wire.ChunkAppendRequest{
		UploadGUID: start.UploadGUID, Seq: 0, Data: data[:10],
	})
	require.NoError(t, err)
	appended, err := env.ingestor.AppendChunk(env.agent, wire.ChunkAppendRequest{
		UploadGUID: start.UploadGUID, Seq: 1, Data: data[10:],
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), appended.ReceivedBytes)

	committed, err := env.ingestor.CommitUpload(env.agent, wire.ChunkCommitRequest{
		UploadGUID: start.UploadGUID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), committed.Size)
	assert.Equal(t, digest, committed.SHA256)
}

func TestChunkedUploadRejectsOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	start, err := env.ingestor.StartUpload(env.agent, wire.ChunkStartRequest{
		Kind:      wire.UploadKindReport,
		TotalSize: 100,
	})
	require.NoError(t, err)

	_, err = env.ingestor.AppendChunk(env.agent, wire.ChunkAppendRequest{
		UploadGUID: start.UploadGUID, Seq: 1, Data: []byte("skip"),
	})
	assert.ErrorIs(t, err, ErrUploadSequence)
}

func TestChunkedUploadRejectsDigestMismatch(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("payload")
	start, err := env.ingestor.StartUpload(env.agent, wire.ChunkStartRequest{
		Kind:      wire.UploadKindResult,
		TotalSize: int64(len(data)),
		SHA256:    "00000000000000000000000000000000000000000000000000000000deadbeef",
	})
	require.NoError(t, err)

	_, err = env.ingestor.AppendChunk(env.agent, wire.ChunkAppendRequest{
		UploadGUID: start.UploadGUID, Seq: 0, Data: data,
	})
	require.NoError(t, err)

	_, err = env.ingestor.CommitUpload(env.agent, wire.ChunkCommitRequest{
		UploadGUID: start.UploadGUID,
	})
	assert.ErrorIs(t, err, ErrUploadChecksum)
}

func TestCompleteWithChunkedResult(t *testing.T) {
	env := newTestEnv(t)
	job, secret := env.assignedJob(t, nil)
	raw := env.payloadFor(t, job, types.ResultStatusCompleted, nil)
	sum := sha256.Sum256(raw)

	start, err := env.ingestor.StartUpload(env.agent, wire.ChunkStartRequest{
		Kind:      wire.UploadKindResult,
		JobGUID:   job.ID.String(),
		TotalSize: int64(len(raw)),
		SHA256:    hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	_, err = env.ingestor.AppendChunk(env.agent, wire.ChunkAppendRequest{
		UploadGUID: start.UploadGUID, Seq: 0, Data: raw,
	})
	require.NoError(t, err)
	_, err = env.ingestor.CommitUpload(env.agent, wire.ChunkCommitRequest{
		UploadGUID: start.UploadGUID,
	})
	require.NoError(t, err)

	sig, err := canonical.Sign(secret, raw)
	require.NoError(t, err)

	row, err := env.ingestor.Complete(context.Background(), job.ID, env.agent, wire.CompleteRequest{
		ResultUploadGUID: start.UploadGUID,
		Signature:        sig,
	})
	require.NoError(t, err)
	assert.Equal(t, string(types.ResultStatusCompleted), row.Status)
}

func TestOfflineUploadInline(t *testing.T) {
	env := newTestEnv(t)

	col := &db.Collection{
		TeamID:       env.team.ID,
		Name:         "field-drive",
		Type:         string(types.CollectionTypeLocal),
		Location:     "/mnt/field",
		BoundAgentID: &env.agent.ID,
	}
	require.NoError(t, env.repos.Collections.Create(context.Background(), col))

	now := time.Now().UTC()
	payload := wire.ResultPayload{
		Tool:           types.ToolPhotostats,
		CollectionGUID: col.ID.String(),
		Status:         types.ResultStatusCompleted,
		StartedAt:      now.Add(-time.Minute),
		CompletedAt:    now,
		Results:        map[string]any{"total_files": 3},
		AgentVersion:   "1.0.0",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	row, err := env.ingestor.OfflineUpload(context.Background(), env.agent, wire.OfflineUploadRequest{
		Result: raw,
	})
	require.NoError(t, err)
	assert.Equal(t, string(types.ResultSourceOffline), row.Source)
	assert.Nil(t, row.JobID)
	require.NotNil(t, row.CollectionID)
	assert.Equal(t, col.ID, *row.CollectionID)
}

func TestOfflineUploadResolvesChunkedReport(t *testing.T) {
	env := newTestEnv(t)

	report := []byte("<html>spooled field report</html>")
	repSum := sha256.Sum256(report)
	repDigest := hex.EncodeToString(repSum[:])

	start, err := env.ingestor.StartUpload(env.agent, wire.ChunkStartRequest{
		Kind:      wire.UploadKindReport,
		TotalSize: int64(len(report)),
		SHA256:    repDigest,
	})
	require.NoError(t, err)
	_, err = env.ingestor.AppendChunk(env.agent, wire.ChunkAppendRequest{
		UploadGUID: start.UploadGUID, Seq: 0, Data: report,
	})
	require.NoError(t, err)
	_, err = env.ingestor.CommitUpload(env.agent, wire.ChunkCommitRequest{
		UploadGUID: start.UploadGUID,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	raw, err := json.Marshal(wire.ResultPayload{
		Tool:             types.ToolPhotostats,
		Status:           types.ResultStatusCompleted,
		StartedAt:        now.Add(-time.Minute),
		CompletedAt:      now,
		Results:          map[string]any{"total_files": 3},
		ReportUploadGUID: start.UploadGUID,
		ReportSHA256:     repDigest,
		AgentVersion:     "1.0.0",
	})
	require.NoError(t, err)

	row, err := env.ingestor.OfflineUpload(context.Background(), env.agent, wire.OfflineUploadRequest{
		Result: raw,
	})
	require.NoError(t, err)
	assert.Equal(t, string(report), row.ReportHTML, "the spooled report survives the sync")
	assert.Equal(t, repDigest, row.ReportSHA256)
}

func TestOfflineUploadRejectsForeignCollection(t *testing.T) {
	env := newTestEnv(t)

	otherTeam := &db.Team{Name: "other-team-" + uuid.NewString()}
	require.NoError(t, env.repos.Teams.Create(context.Background(), otherTeam))
	col := &db.Collection{
		TeamID:   otherTeam.ID,
		Name:     "foreign",
		Type:     string(types.CollectionTypeLocal),
		Location: "/mnt/foreign",
	}
	require.NoError(t, env.repos.Collections.Create(context.Background(), col))

	raw, err := json.Marshal(wire.ResultPayload{
		Tool:           types.ToolPhotostats,
		CollectionGUID: col.ID.String(),
		Status:         types.ResultStatusCompleted,
	})
	require.NoError(t, err)

	_, err = env.ingestor.OfflineUpload(context.Background(), env.agent, wire.OfflineUploadRequest{
		Result: raw,
	})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
