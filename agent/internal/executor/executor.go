// Package executor runs one claimed job to completion: fetch the
// job-scoped config, walk the collection through the right storage
// adapter, run the dedup precheck, invoke the tool, then sign and post
// the result (inline or chunked). The executor runs one job at a time;
// concurrency comes from running multiple agent processes, not multiple
// executors.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/progress"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/tools"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/canonical"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// Executor executes claimed jobs. Safe for use from the polling loop
// plus concurrent Cancel calls from the heartbeat runner.
type Executor struct {
	client          *client.Client
	store           *store.Store
	registry        *tools.Registry
	authorizedRoots []string
	version         string
	logger          *zap.Logger

	mu           sync.Mutex
	activeGUID   string
	activeCancel context.CancelFunc
}

// New creates an Executor.
func New(c *client.Client, st *store.Store, reg *tools.Registry, authorizedRoots []string, version string, logger *zap.Logger) *Executor {
	return &Executor{
		client:          c,
		store:           st,
		registry:        reg,
		authorizedRoots: authorizedRoots,
		version:         version,
		logger:          logger.Named("executor"),
	}
}

// ActiveJobGUID returns the GUID of the job currently executing, or "".
// Reported in heartbeats.
func (e *Executor) ActiveJobGUID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeGUID
}

// Cancel interrupts the named job if it is the one running. Cancel
// commands for unknown or already-finished jobs are silently dropped.
func (e *Executor) Cancel(jobGUID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeGUID != jobGUID || e.activeCancel == nil {
		return false
	}
	e.activeCancel()
	return true
}

func (e *Executor) setActive(guid string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.activeGUID = guid
	e.activeCancel = cancel
	e.mu.Unlock()
}

// Execute runs one claimed job end to end. Tool failures are posted as
// FAILED completions and returned as ToolExecutionError; transport and
// protocol failures are returned as-is for the polling loop to classify.
func (e *Executor) Execute(ctx context.Context, claim *wire.ClaimResponse) error {
	job := claim.Job
	secret, err := base64.StdEncoding.DecodeString(claim.SigningSecret)
	if err != nil {
		return fmt.Errorf("executor: decode signing secret: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.setActive(job.GUID, cancel)
	defer e.setActive("", nil)

	e.logger.Info("executing job",
		zap.String("job_guid", job.GUID),
		zap.String("tool", string(job.Tool)),
	)

	startedAt := time.Now().UTC()
	out, inputHash, runErr := e.runJob(jobCtx, job, secret, startedAt)
	if runErr != nil {
		// A completion already posted (NO_CHANGE) surfaces as errDone.
		if errors.Is(runErr, errDone) {
			return nil
		}
		// Cancelled jobs and tool failures still finalize with a signed
		// completion; anything else aborts without one.
		var toolErr *client.ToolExecutionError
		switch {
		case jobCtx.Err() != nil && ctx.Err() == nil:
			return e.finalize(ctx, job, secret, wire.ResultPayload{
				Status:       types.ResultStatusCancelled,
				ErrorMessage: "cancelled by operator",
			}, tools.Output{}, startedAt, "")
		case errors.As(runErr, &toolErr):
			if err := e.finalize(ctx, job, secret, wire.ResultPayload{
				Status:       types.ResultStatusFailed,
				ErrorMessage: toolErr.Error(),
			}, tools.Output{}, startedAt, inputHash); err != nil {
				e.logger.Warn("failed to post FAILED completion", zap.Error(err))
			}
			return runErr
		default:
			return runErr
		}
	}

	return e.finalize(ctx, job, secret, wire.ResultPayload{
		Status: types.ResultStatusCompleted,
	}, out, startedAt, inputHash)
}

// errDone short-circuits runJob when a completion was already posted.
var errDone = errors.New("executor: completion already posted")

// runJob performs config fetch, walk, precheck and the tool run. It
// returns the tool output and the input-state hash (empty for tools that
// are not dedup-eligible).
func (e *Executor) runJob(ctx context.Context, job wire.JobDescriptor, secret []byte, startedAt time.Time) (tools.Output, string, error) {
	cfg, err := e.client.JobConfig(ctx, job.GUID)
	if err != nil {
		return tools.Output{}, "", fmt.Errorf("executor: fetch job config: %w", err)
	}
	cfg.PipelineVersion = pickPipelineVersion(cfg, job)

	if cfg.CollectionType == types.CollectionTypeLocal || cfg.CollectionType == "" {
		if err := e.checkAuthorizedRoot(cfg.CollectionPath); err != nil {
			return tools.Output{}, "", err
		}
	}

	adapter, err := storage.New(cfg, e.store)
	if err != nil {
		return tools.Output{}, "", err
	}

	// inventory_import reads the bucket manifest instead of walking.
	var files []types.FileInfo
	if job.Tool != types.ToolInventoryImport {
		files, err = adapter.Walk(ctx)
		if err != nil {
			return tools.Output{}, "", fmt.Errorf("executor: walk collection: %w", err)
		}
	}

	var inputHash string
	if job.Tool.DedupEligible() {
		inputHash, err = InputStateHash(job.Tool, cfg, files)
		if err != nil {
			return tools.Output{}, "", err
		}
		resp, err := e.client.InputState(ctx, job.GUID, inputHash)
		if err != nil {
			// Precheck is an optimization; a failed one never fails the job.
			e.logger.Warn("input-state precheck failed, running tool anyway",
				zap.String("job_guid", job.GUID), zap.Error(err))
		} else if resp.NoChange {
			e.logger.Info("input state unchanged, emitting NO_CHANGE result",
				zap.String("job_guid", job.GUID),
				zap.String("reference", resp.ReferenceResultGUID),
			)
			err := e.finalize(ctx, job, secret, wire.ResultPayload{
				Status:             types.ResultStatusNoChange,
				NoChangeCopy:       true,
				DownloadReportFrom: resp.ReferenceResultGUID,
			}, tools.Output{}, startedAt, inputHash)
			if err != nil {
				return tools.Output{}, "", err
			}
			return tools.Output{}, "", errDone
		}
	}

	tool, err := e.registry.Get(job.Tool)
	if err != nil {
		return tools.Output{}, "", err
	}

	reporter := progress.New(e.client, job.GUID, e.logger)
	defer reporter.Close()

	out, err := tool.Run(ctx, tools.Input{
		Files:   files,
		Config:  cfg,
		Adapter: adapter,
		Store:   e.store,
	}, reporter)
	if err != nil {
		if ctx.Err() != nil {
			return tools.Output{}, inputHash, ctx.Err()
		}
		return tools.Output{}, inputHash, &client.ToolExecutionError{Tool: string(job.Tool), Err: err}
	}

	e.discoverCameras(ctx, out.Results)

	return out, inputHash, nil
}

// finalize signs and posts the completion. Results over the inline limit
// and every HTML report go through chunked upload first.
func (e *Executor) finalize(ctx context.Context, job wire.JobDescriptor, secret []byte, base wire.ResultPayload, out tools.Output, startedAt time.Time, inputHash string) error {
	completedAt := time.Now().UTC()

	payload := base
	payload.JobGUID = job.GUID
	payload.Tool = job.Tool
	payload.CollectionGUID = job.CollectionGUID
	payload.PipelineGUID = job.PipelineGUID
	payload.PipelineVersion = job.PipelineVersion
	payload.StartedAt = startedAt
	payload.CompletedAt = completedAt
	payload.DurationSeconds = completedAt.Sub(startedAt).Seconds()
	payload.Results = out.Results
	payload.InputStateHash = inputHash
	payload.AgentVersion = e.version

	if out.ReportHTML != "" {
		uploadGUID, digest, err := e.client.Upload(ctx, wire.UploadKindReport, job.GUID, []byte(out.ReportHTML))
		if err != nil {
			return fmt.Errorf("executor: upload report: %w", err)
		}
		payload.ReportUploadGUID = uploadGUID
		payload.ReportSHA256 = digest
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("executor: marshal result: %w", err)
	}
	signature, err := canonical.Sign(secret, raw)
	if err != nil {
		return fmt.Errorf("executor: sign result: %w", err)
	}

	req := wire.CompleteRequest{Signature: signature}
	if len(raw) > wire.InlineResultLimit {
		uploadGUID, _, err := e.client.Upload(ctx, wire.UploadKindResult, job.GUID, raw)
		if err != nil {
			return fmt.Errorf("executor: upload result: %w", err)
		}
		req.ResultUploadGUID = uploadGUID
	} else {
		req.Result = raw
	}

	resp, err := e.client.Complete(ctx, job.GUID, req)
	if err != nil {
		return fmt.Errorf("executor: complete job %s: %w", job.GUID, err)
	}

	e.logger.Info("job completed",
		zap.String("job_guid", job.GUID),
		zap.String("result_guid", resp.ResultGUID),
		zap.String("status", string(payload.Status)),
		zap.Float64("duration_seconds", payload.DurationSeconds),
	)
	return nil
}

// checkAuthorizedRoot rejects local collections outside the roots this
// agent registered with.
func (e *Executor) checkAuthorizedRoot(path string) error {
	if path == "" {
		return errors.New("executor: local collection without a path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("executor: resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	for _, root := range e.authorizedRoots {
		root = filepath.Clean(root)
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("executor: path %s is outside the agent's authorized roots", abs)
}

// discoverCameras posts camera ids surfaced by photostats in batches.
// Best effort: unknown ids get temporary records the operator can
// confirm later, and any failure is only logged.
func (e *Executor) discoverCameras(ctx context.Context, results map[string]any) {
	ids, ok := results["camera_ids"].([]string)
	if !ok || len(ids) == 0 {
		return
	}
	for start := 0; start < len(ids); start += wire.MaxCameraDiscoverBatch {
		end := start + wire.MaxCameraDiscoverBatch
		if end > len(ids) {
			end = len(ids)
		}
		if _, err := e.client.CamerasDiscover(ctx, ids[start:end]); err != nil {
			e.logger.Warn("camera discovery failed", zap.Error(err))
			return
		}
	}
}

// pickPipelineVersion prefers the version pinned on the job over the
// one in the config bundle.
func pickPipelineVersion(cfg wire.JobConfig, job wire.JobDescriptor) int {
	if job.PipelineVersion != 0 {
		return job.PipelineVersion
	}
	return cfg.PipelineVersion
}
