package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// ErrScheduledExists is returned when a scheduled job already exists for
// the same (collection, tool) pair. The queue keeps that set unique so a
// fast cron cannot pile up identical future work.
var ErrScheduledExists = errors.New("dispatch: a scheduled job for this collection and tool already exists")

// EnqueueRequest describes one job to put on the queue.
type EnqueueRequest struct {
	TeamID          uuid.UUID
	Tool            types.ToolName
	Mode            string
	CollectionID    *uuid.UUID
	PipelineID      *uuid.UUID
	PipelineVersion int
	Priority        int
	Origin          types.JobTrigger
	MaxRetries      int
	ScheduledFor    *time.Time
	ParentJobID     *uuid.UUID
	ScheduleID      *uuid.UUID
}

// Enqueue validates the request against the collection's binding rules,
// derives the job's agent binding and required capabilities, and persists
// it. Jobs with a future ScheduledFor enter as scheduled and are promoted
// to pending by the schedule sweep; everything else enters pending.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*db.Job, error) {
	status := types.JobStatusPending
	if req.ScheduledFor != nil && req.ScheduledFor.After(time.Now().UTC()) {
		status = types.JobStatusScheduled
	}

	var (
		boundAgent *uuid.UUID
		caps       = []string{types.CapabilityLocalFilesystem}
	)

	if req.CollectionID != nil {
		col, err := d.repos.Collections.GetByID(ctx, *req.CollectionID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: enqueue: %w", err)
		}
		if col.TeamID != req.TeamID {
			return nil, repositories.ErrNotFound
		}

		switch types.CollectionType(col.Type) {
		case types.CollectionTypeLocal:
			// Local collections are reachable from exactly one host, so
			// the job is hard-bound to that agent.
			if col.BoundAgentID == nil {
				return nil, fmt.Errorf("dispatch: enqueue: local collection %s has no bound agent", col.ID)
			}
			boundAgent = col.BoundAgentID
		default:
			if col.ConnectorID == nil {
				return nil, fmt.Errorf("dispatch: enqueue: remote collection %s has no connector", col.ID)
			}
			caps = append(caps, col.Type)

			conn, err := d.repos.Connectors.GetByID(ctx, *col.ConnectorID)
			if err != nil {
				return nil, fmt.Errorf("dispatch: enqueue: %w", err)
			}
			// Agent-held credentials restrict the job to agents whose
			// local store carries this connector's secret.
			if conn.CredentialLocation == string(types.CredentialLocationAgent) {
				caps = append(caps, "connector:"+conn.ID.String())
			}
		}

		if status == types.JobStatusScheduled {
			exists, err := d.repos.Jobs.ExistsScheduled(ctx, *req.CollectionID, string(req.Tool))
			if err != nil {
				return nil, fmt.Errorf("dispatch: enqueue: %w", err)
			}
			if exists {
				return nil, ErrScheduledExists
			}
		}
	}

	caps = append(caps, fmt.Sprintf("tool:%s:v1.0", req.Tool))

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	origin := req.Origin
	if origin == "" {
		origin = types.JobTriggerManual
	}

	job := &db.Job{
		TeamID:               req.TeamID,
		Tool:                 string(req.Tool),
		Mode:                 req.Mode,
		CollectionID:         req.CollectionID,
		PipelineID:           req.PipelineID,
		PipelineVersion:      req.PipelineVersion,
		Status:               string(status),
		Priority:             req.Priority,
		Origin:               string(origin),
		BoundAgentID:         boundAgent,
		RequiredCapabilities: db.EncodeStringList(caps),
		ScheduledFor:         req.ScheduledFor,
		MaxRetries:           maxRetries,
		ParentJobID:          req.ParentJobID,
		ScheduleID:           req.ScheduleID,
	}

	if err := d.repos.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("dispatch: enqueue: %w", err)
	}

	metrics.JobsEnqueued.WithLabelValues(string(origin)).Inc()
	d.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("tool", job.Tool),
		zap.String("status", job.Status),
		zap.String("origin", job.Origin),
	)
	return job, nil
}

// Cancel requests cancellation of a job. Terminal jobs are left alone.
// Jobs not yet handed to an agent flip straight to cancelled; jobs in
// flight get a cancel command queued for the assigned agent's next
// heartbeat and finalize when the agent posts its CANCELLED completion.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	job, err := d.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if types.JobStatus(job.Status).Terminal() {
		return job, nil
	}

	switch types.JobStatus(job.Status) {
	case types.JobStatusScheduled, types.JobStatusPending:
		now := time.Now().UTC()
		job.Status = string(types.JobStatusCancelled)
		job.CompletedAt = &now
		if err := d.repos.Jobs.Update(ctx, job); err != nil {
			return nil, err
		}
		d.secrets.Delete(job.ID)
		d.hub.PublishJob(job.TeamID.String(), job.ID.String(), events.MsgJobStatus, events.JobStatusPayload{
			GUID:   job.ID.String(),
			Tool:   job.Tool,
			Status: job.Status,
		})
	default:
		if job.AssignedAgentID == nil {
			return nil, fmt.Errorf("dispatch: cancel: job %s is %s but has no assigned agent", job.ID, job.Status)
		}
		cmd := wire.CancelJobCommand(job.ID.String())
		if err := d.repos.Agents.AppendPendingCommand(ctx, *job.AssignedAgentID, cmd); err != nil {
			return nil, fmt.Errorf("dispatch: cancel: %w", err)
		}
		d.logger.Info("cancel command queued",
			zap.String("job_id", job.ID.String()),
			zap.String("agent_id", job.AssignedAgentID.String()),
		)
	}
	return job, nil
}
