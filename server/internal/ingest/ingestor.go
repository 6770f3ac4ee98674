// Package ingest accepts what agents send back: progress reports,
// input-state prechecks, signed completions, chunked uploads, and
// offline result syncs.
//
// The completion path is the attestation boundary. The agent signs the
// canonical JSON of its result payload with the per-claim signing secret;
// the server recomputes the HMAC from its in-memory copy of that secret
// and compares in constant time before a single byte of the payload is
// parsed. A bad signature never produces a result row and never advances
// the job — the assignment is rewound to pending instead so another
// claim can redo the work under a fresh secret.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/dispatch"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/secrets"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/canonical"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

var (
	// ErrNotOwner is returned when an agent touches a job assigned to a
	// different agent. Mapped to 409 with no state change.
	ErrNotOwner = errors.New("ingest: job is not assigned to this agent")

	// ErrWrongState is returned when the job cannot accept the request in
	// its current state (completing a terminal job, progress on a
	// pending one).
	ErrWrongState = errors.New("ingest: job is not in an accepting state")

	// ErrBadSignature is returned when the submitted HMAC does not verify
	// against the cached signing secret. The job is rewound.
	ErrBadSignature = errors.New("ingest: result signature invalid")

	// ErrSecretLost is returned when the signing secret is no longer in
	// memory (server restarted since the claim). The job is rewound and
	// re-dispatched under a fresh secret.
	ErrSecretLost = errors.New("ingest: signing secret no longer available, job requeued")

	// ErrBadReference is returned when a NO_CHANGE completion references
	// a result that is missing or is itself a NO_CHANGE copy.
	ErrBadReference = errors.New("ingest: NO_CHANGE reference is not a chain head")
)

// Ingestor verifies and persists everything agents report back.
type Ingestor struct {
	repos      *repositories.Repositories
	secrets    *secrets.Cache
	dispatcher *dispatch.Dispatcher
	hub        *events.Hub
	uploads    *uploadStore
	logger     *zap.Logger
}

// New creates an Ingestor.
func New(repos *repositories.Repositories, sc *secrets.Cache, d *dispatch.Dispatcher, hub *events.Hub, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		repos:      repos,
		secrets:    sc,
		dispatcher: d,
		hub:        hub,
		uploads:    newUploadStore(),
		logger:     logger.Named("ingest"),
	}
}

// Progress records an advisory progress report. The first report for an
// assignment flips the job to running and stamps started_at. Progress is
// best-effort on the agent side, but ownership still gates it so one
// agent cannot scribble over another's job.
func (i *Ingestor) Progress(ctx context.Context, jobID uuid.UUID, agent *db.Agent, report wire.ProgressRequest) error {
	job, err := i.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedAgentID == nil || *job.AssignedAgentID != agent.ID {
		return ErrNotOwner
	}

	switch types.JobStatus(job.Status) {
	case types.JobStatusAssigned:
		now := time.Now().UTC()
		job.Status = string(types.JobStatusRunning)
		job.StartedAt = &now
		if err := i.repos.Jobs.Update(ctx, job); err != nil {
			return err
		}
		i.hub.PublishJob(job.TeamID.String(), job.ID.String(), events.MsgJobStatus, events.JobStatusPayload{
			GUID:      job.ID.String(),
			Tool:      job.Tool,
			Status:    job.Status,
			AgentGUID: agent.ID.String(),
		})
	case types.JobStatusRunning:
		// Normal case for every report after the first.
	default:
		return ErrWrongState
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("ingest: encode progress: %w", err)
	}
	if err := i.repos.Jobs.UpdateProgress(ctx, job.ID, string(raw)); err != nil {
		return err
	}

	i.hub.PublishJob(job.TeamID.String(), job.ID.String(), events.MsgJobProgress, events.JobProgressPayload{
		GUID:       job.ID.String(),
		Stage:      report.Stage,
		Percentage: report.Percentage,
		Message:    report.Message,
	})
	return nil
}

// InputState answers the dedup precheck: does the newest chain-head
// COMPLETED result for this job's (collection, tool) carry the same
// input-state hash? If so the agent skips the tool run and posts a
// NO_CHANGE completion referencing that result.
func (i *Ingestor) InputState(ctx context.Context, jobID uuid.UUID, agent *db.Agent, hash string) (wire.InputStateResponse, error) {
	job, err := i.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return wire.InputStateResponse{}, err
	}
	if job.AssignedAgentID == nil || *job.AssignedAgentID != agent.ID {
		return wire.InputStateResponse{}, ErrNotOwner
	}
	if job.CollectionID == nil || hash == "" || !types.ToolName(job.Tool).DedupEligible() {
		return wire.InputStateResponse{NoChange: false}, nil
	}

	head, err := i.repos.Results.LatestChainHead(ctx, *job.CollectionID, job.Tool)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return wire.InputStateResponse{NoChange: false}, nil
		}
		return wire.InputStateResponse{}, err
	}
	if head.InputStateHash == "" || head.InputStateHash != hash {
		return wire.InputStateResponse{NoChange: false}, nil
	}
	return wire.InputStateResponse{
		NoChange:            true,
		ReferenceResultGUID: head.ID.String(),
	}, nil
}

// Complete verifies and persists a job completion. On success the result
// row exists, the job is terminal, and follow-up work is enqueued. On a
// signature failure or a lost secret the job is rewound to pending with
// an incremented retry count and no result row is written.
func (i *Ingestor) Complete(ctx context.Context, jobID uuid.UUID, agent *db.Agent, req wire.CompleteRequest) (*db.AnalysisResult, error) {
	job, err := i.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AssignedAgentID == nil || *job.AssignedAgentID != agent.ID {
		return nil, ErrNotOwner
	}
	switch types.JobStatus(job.Status) {
	case types.JobStatusAssigned, types.JobStatusRunning:
		// Completion from assigned is allowed: progress is advisory and
		// may never have arrived.
	default:
		return nil, ErrWrongState
	}

	payload, err := i.resolveResultBytes(agent, req)
	if err != nil {
		return nil, err
	}

	secret, ok := i.secrets.Get(job.ID)
	if !ok {
		i.rewind(ctx, job, "secret_lost")
		return nil, ErrSecretLost
	}
	if !canonical.Verify(secret, payload, req.Signature) {
		metrics.SignatureFailures.Inc()
		i.rewind(ctx, job, "bad_signature")
		return nil, ErrBadSignature
	}

	var result wire.ResultPayload
	if err := json.Unmarshal(payload, &result); err != nil {
		i.rewind(ctx, job, "malformed_payload")
		return nil, fmt.Errorf("ingest: decode result payload: %w", err)
	}

	row, err := i.buildResultRow(ctx, job, agent, &result, payload)
	if err != nil {
		return nil, err
	}

	if types.ResultStatus(result.Status) == types.ResultStatusFailed && job.RetryCount < job.MaxRetries {
		// The attempt failed but retries remain: keep the result row for
		// the audit trail and put the work back on the queue.
		if err := i.repos.Results.Create(ctx, row); err != nil {
			return nil, fmt.Errorf("ingest: persist result: %w", err)
		}
		i.rewind(ctx, job, "tool_failure")
		metrics.JobsCompleted.WithLabelValues(string(result.Status)).Inc()
		return row, nil
	}

	now := time.Now().UTC()
	err = i.repos.WithTx(ctx, func(tx *repositories.Repositories) error {
		if err := tx.Results.Create(ctx, row); err != nil {
			return err
		}
		job.Status = string(jobStatusFor(result.Status))
		job.CompletedAt = &now
		job.ResultID = &row.ID
		if job.StartedAt == nil {
			job.StartedAt = &result.StartedAt
		}
		return tx.Jobs.Update(ctx, job)
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: persist completion: %w", err)
	}

	i.secrets.Delete(job.ID)
	metrics.JobsCompleted.WithLabelValues(string(result.Status)).Inc()

	i.hub.PublishJob(job.TeamID.String(), job.ID.String(), events.MsgJobStatus, events.JobStatusPayload{
		GUID:      job.ID.String(),
		Tool:      job.Tool,
		Status:    job.Status,
		AgentGUID: agent.ID.String(),
	})
	i.hub.Publish(events.TeamTopic(job.TeamID.String()), events.Message{
		Type:  events.MsgResultCreated,
		Topic: events.TeamTopic(job.TeamID.String()),
		Payload: events.ResultCreatedPayload{
			GUID:         row.ID.String(),
			JobGUID:      job.ID.String(),
			Tool:         row.Tool,
			Status:       row.Status,
			NoChangeCopy: row.NoChangeCopy,
		},
	})

	i.applySideEffects(ctx, job, row, &result)

	i.logger.Info("completion accepted",
		zap.String("job_id", job.ID.String()),
		zap.String("result_id", row.ID.String()),
		zap.String("status", row.Status),
		zap.Bool("no_change", row.NoChangeCopy),
	)
	return row, nil
}

// resolveResultBytes returns the exact bytes the signature covers:
// either the inline payload or the committed chunk-upload session it
// references.
func (i *Ingestor) resolveResultBytes(agent *db.Agent, req wire.CompleteRequest) ([]byte, error) {
	if req.ResultUploadGUID != "" {
		id, err := uuid.Parse(req.ResultUploadGUID)
		if err != nil {
			return nil, fmt.Errorf("ingest: parse upload guid: %w", err)
		}
		return i.uploads.Take(agent.ID, id)
	}
	if len(req.Result) == 0 {
		return nil, fmt.Errorf("ingest: completion carries neither inline result nor upload reference")
	}
	return req.Result, nil
}

// buildResultRow converts a verified payload into the persistent row,
// resolving the NO_CHANGE reference and any chunk-uploaded HTML report.
func (i *Ingestor) buildResultRow(ctx context.Context, job *db.Job, agent *db.Agent, result *wire.ResultPayload, raw []byte) (*db.AnalysisResult, error) {
	row := &db.AnalysisResult{
		TeamID:          job.TeamID,
		JobID:           &job.ID,
		AgentID:         &agent.ID,
		CollectionID:    job.CollectionID,
		PipelineID:      job.PipelineID,
		PipelineVersion: job.PipelineVersion,
		Tool:            job.Tool,
		Status:          string(result.Status),
		Source:          string(types.ResultSourceLive),
		StartedAt:       result.StartedAt,
		CompletedAt:     result.CompletedAt,
		DurationSeconds: result.DurationSeconds,
		InputStateHash:  result.InputStateHash,
		ErrorMessage:    result.ErrorMessage,
		AgentVersion:    result.AgentVersion,
	}

	if result.Results != nil {
		resJSON, err := json.Marshal(result.Results)
		if err != nil {
			return nil, fmt.Errorf("ingest: encode results: %w", err)
		}
		row.ResultsJSON = string(resJSON)
	} else {
		row.ResultsJSON = "{}"
	}

	if types.ResultStatus(result.Status) == types.ResultStatusNoChange {
		if !result.NoChangeCopy || result.DownloadReportFrom == "" {
			return nil, ErrBadReference
		}
		refID, err := uuid.Parse(result.DownloadReportFrom)
		if err != nil {
			return nil, ErrBadReference
		}
		ref, err := i.repos.Results.GetByID(ctx, refID)
		if err != nil || ref.NoChangeCopy || ref.TeamID != job.TeamID {
			return nil, ErrBadReference
		}
		row.NoChangeCopy = true
		row.DownloadReportFromID = &ref.ID
		// A copy inherits the hash so later prechecks can match against
		// either row's group head.
		if row.InputStateHash == "" {
			row.InputStateHash = ref.InputStateHash
		}
		return row, nil
	}

	if result.ReportUploadGUID != "" {
		upID, err := uuid.Parse(result.ReportUploadGUID)
		if err != nil {
			return nil, fmt.Errorf("ingest: parse report upload guid: %w", err)
		}
		report, err := i.uploads.Take(agent.ID, upID)
		if err != nil {
			return nil, err
		}
		row.ReportHTML = string(report)
		row.ReportSHA256 = result.ReportSHA256
	}
	return row, nil
}

// applySideEffects runs the post-acceptance bookkeeping that must not
// fail the completion: collection accessibility updates and follow-up
// job creation. Errors are logged and swallowed.
func (i *Ingestor) applySideEffects(ctx context.Context, job *db.Job, row *db.AnalysisResult, result *wire.ResultPayload) {
	if job.CollectionID == nil {
		return
	}

	switch types.ToolName(job.Tool) {
	case types.ToolCollectionTest:
		i.updateCollectionAccess(ctx, *job.CollectionID, result)
	case types.ToolInventoryImport:
		if types.ResultStatus(result.Status) != types.ResultStatusCompleted {
			return
		}
		// A fresh inventory changes what the collection looks like, so
		// queue an accessibility and counts refresh right behind it.
		_, err := i.dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
			TeamID:       job.TeamID,
			Tool:         types.ToolCollectionTest,
			CollectionID: job.CollectionID,
			Priority:     job.Priority,
			Origin:       types.JobTriggerFollowUp,
			ParentJobID:  &job.ID,
		})
		if err != nil {
			i.logger.Warn("follow-up enqueue failed",
				zap.String("parent_job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// updateCollectionAccess folds a collection_test result into the
// collection row: the accessibility verdict and the file snapshot.
func (i *Ingestor) updateCollectionAccess(ctx context.Context, collectionID uuid.UUID, result *wire.ResultPayload) {
	col, err := i.repos.Collections.GetByID(ctx, collectionID)
	if err != nil {
		i.logger.Warn("collection lookup for access update failed", zap.Error(err))
		return
	}

	if v, ok := result.Results["accessible"].(bool); ok {
		col.IsAccessible = &v
	}
	if fi, ok := result.Results["file_info"]; ok {
		if raw, err := json.Marshal(fi); err == nil {
			if col.FileInfo != "[]" && col.FileInfo != string(raw) {
				if delta, err := json.Marshal(map[string]any{
					"previous_updated_at": col.UpdatedAt,
				}); err == nil {
					col.FileInfoDelta = string(delta)
				}
			}
			col.FileInfo = string(raw)
		}
	}
	if err := i.repos.Collections.Update(ctx, col); err != nil {
		i.logger.Warn("collection access update failed",
			zap.String("collection_id", collectionID.String()),
			zap.Error(err),
		)
	}
}

// rewind puts an assignment back on the queue. The retry counter is
// monotonic; once it reaches the job's limit the job fails instead. The
// signing secret is always discarded — a rewound job mints a fresh one
// at its next assignment.
func (i *Ingestor) rewind(ctx context.Context, job *db.Job, cause string) {
	i.secrets.Delete(job.ID)

	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		now := time.Now().UTC()
		job.Status = string(types.JobStatusFailed)
		job.CompletedAt = &now
	} else {
		job.Status = string(types.JobStatusPending)
		job.AssignedAgentID = nil
		job.AssignedAt = nil
		job.StartedAt = nil
	}

	if err := i.repos.Jobs.Update(ctx, job); err != nil {
		i.logger.Error("job rewind failed",
			zap.String("job_id", job.ID.String()),
			zap.String("cause", cause),
			zap.Error(err),
		)
		return
	}

	metrics.JobsRewound.WithLabelValues(cause).Inc()
	i.hub.PublishJob(job.TeamID.String(), job.ID.String(), events.MsgJobStatus, events.JobStatusPayload{
		GUID:   job.ID.String(),
		Tool:   job.Tool,
		Status: job.Status,
		Retry:  job.RetryCount,
	})
	i.logger.Warn("job rewound",
		zap.String("job_id", job.ID.String()),
		zap.String("cause", cause),
		zap.Int("retry_count", job.RetryCount),
		zap.String("status", job.Status),
	)
}

// jobStatusFor maps a result status onto the job's terminal state.
func jobStatusFor(rs types.ResultStatus) types.JobStatus {
	switch rs {
	case types.ResultStatusCancelled:
		return types.JobStatusCancelled
	case types.ResultStatusFailed:
		return types.JobStatusFailed
	default:
		return types.JobStatusCompleted
	}
}

// StartUpload opens a chunked upload session for the agent.
func (i *Ingestor) StartUpload(agent *db.Agent, req wire.ChunkStartRequest) (wire.ChunkStartResponse, error) {
	id, err := i.uploads.Start(agent.ID, string(req.Kind), req.JobGUID, req.TotalSize, req.SHA256)
	if err != nil {
		return wire.ChunkStartResponse{}, err
	}
	return wire.ChunkStartResponse{UploadGUID: id.String()}, nil
}

// AppendChunk adds one chunk to an open session.
func (i *Ingestor) AppendChunk(agent *db.Agent, req wire.ChunkAppendRequest) (wire.ChunkAppendResponse, error) {
	id, err := uuid.Parse(req.UploadGUID)
	if err != nil {
		return wire.ChunkAppendResponse{}, ErrUploadNotFound
	}
	n, err := i.uploads.Append(agent.ID, id, req.Seq, req.Data)
	if err != nil {
		return wire.ChunkAppendResponse{}, err
	}
	return wire.ChunkAppendResponse{ReceivedBytes: n}, nil
}

// CommitUpload seals a session after verifying size and digest.
func (i *Ingestor) CommitUpload(agent *db.Agent, req wire.ChunkCommitRequest) (wire.ChunkCommitResponse, error) {
	id, err := uuid.Parse(req.UploadGUID)
	if err != nil {
		return wire.ChunkCommitResponse{}, ErrUploadNotFound
	}
	size, sha, err := i.uploads.Commit(agent.ID, id)
	if err != nil {
		return wire.ChunkCommitResponse{}, err
	}
	return wire.ChunkCommitResponse{Size: size, SHA256: sha}, nil
}

// SweepUploads reclaims idle upload sessions. Wired to the background
// scheduler.
func (i *Ingestor) SweepUploads() {
	if n := i.uploads.Sweep(time.Now()); n > 0 {
		i.logger.Info("reclaimed idle upload sessions", zap.Int("count", n))
	}
}

// OfflineUpload accepts a result produced without a live claim. There is
// no per-job signing secret in that flow, so authenticity rests on the
// agent's API key; the payload must name a collection the team owns.
func (i *Ingestor) OfflineUpload(ctx context.Context, agent *db.Agent, req wire.OfflineUploadRequest) (*db.AnalysisResult, error) {
	var raw []byte
	if req.ResultUploadGUID != "" {
		id, err := uuid.Parse(req.ResultUploadGUID)
		if err != nil {
			return nil, fmt.Errorf("ingest: parse upload guid: %w", err)
		}
		raw, err = i.uploads.Take(agent.ID, id)
		if err != nil {
			return nil, err
		}
	} else {
		raw = req.Result
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("ingest: offline upload carries no result")
	}

	var result wire.ResultPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("ingest: decode offline result: %w", err)
	}

	row := &db.AnalysisResult{
		TeamID:          agent.TeamID,
		AgentID:         &agent.ID,
		Tool:            string(result.Tool),
		Status:          string(result.Status),
		Source:          string(types.ResultSourceOffline),
		StartedAt:       result.StartedAt,
		CompletedAt:     result.CompletedAt,
		DurationSeconds: result.DurationSeconds,
		InputStateHash:  result.InputStateHash,
		ErrorMessage:    result.ErrorMessage,
		AgentVersion:    result.AgentVersion,
		ResultsJSON:     "{}",
	}
	if result.Results != nil {
		resJSON, err := json.Marshal(result.Results)
		if err != nil {
			return nil, fmt.Errorf("ingest: encode offline results: %w", err)
		}
		row.ResultsJSON = string(resJSON)
	}

	// Spooled results reference their report through the same chunked
	// upload store as the live path; resolve it here or the HTML is lost
	// when the session is swept.
	if result.ReportUploadGUID != "" {
		upID, err := uuid.Parse(result.ReportUploadGUID)
		if err != nil {
			return nil, fmt.Errorf("ingest: parse report upload guid: %w", err)
		}
		report, err := i.uploads.Take(agent.ID, upID)
		if err != nil {
			return nil, err
		}
		row.ReportHTML = string(report)
		row.ReportSHA256 = result.ReportSHA256
	}

	if result.CollectionGUID != "" {
		colID, err := uuid.Parse(result.CollectionGUID)
		if err != nil {
			return nil, fmt.Errorf("ingest: parse collection guid: %w", err)
		}
		col, err := i.repos.Collections.GetByID(ctx, colID)
		if err != nil {
			return nil, err
		}
		if col.TeamID != agent.TeamID {
			return nil, repositories.ErrNotFound
		}
		row.CollectionID = &col.ID
	}

	if err := i.repos.Results.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("ingest: persist offline result: %w", err)
	}

	metrics.OfflineResultsSynced.Inc()
	i.hub.Publish(events.TeamTopic(agent.TeamID.String()), events.Message{
		Type:  events.MsgResultCreated,
		Topic: events.TeamTopic(agent.TeamID.String()),
		Payload: events.ResultCreatedPayload{
			GUID:   row.ID.String(),
			Tool:   row.Tool,
			Status: row.Status,
		},
	})
	i.logger.Info("offline result accepted",
		zap.String("result_id", row.ID.String()),
		zap.String("agent_id", agent.ID.String()),
		zap.String("tool", row.Tool),
	)
	return row, nil
}
