package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/teamconfig"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/tools"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// OfflineRunner executes a tool without a server round-trip, feeding on
// the local caches and writing the result into the spool for a later
// sync. There is no claim and no signing secret; authentication of the
// uploaded result rests on the API key at sync time.
type OfflineRunner struct {
	store    *store.Store
	registry *tools.Registry
	resolver *teamconfig.Resolver
	version  string
	logger   *zap.Logger
}

// NewOfflineRunner creates an OfflineRunner.
func NewOfflineRunner(st *store.Store, reg *tools.Registry, resolver *teamconfig.Resolver, version string, logger *zap.Logger) *OfflineRunner {
	return &OfflineRunner{
		store:    st,
		registry: reg,
		resolver: resolver,
		version:  version,
		logger:   logger.Named("offline"),
	}
}

// Run executes one tool against a cached collection and returns the
// spool entry GUID.
func (r *OfflineRunner) Run(ctx context.Context, toolName types.ToolName, collectionGUID string) (string, error) {
	tool, err := r.registry.Get(toolName)
	if err != nil {
		return "", err
	}

	teamCfg, source, ok := r.resolver.Resolve(ctx)
	if !ok {
		return "", fmt.Errorf("offline: no team config cached — run the agent online once first")
	}
	if source == teamconfig.SourceExpiredCache {
		r.logger.Warn("running with an expired team config cache")
	}

	collection, err := r.lookupCollection(collectionGUID)
	if err != nil {
		return "", err
	}

	cfg := wire.JobConfig{
		TeamConfig:     teamCfg.Config,
		TeamGUID:       teamCfg.TeamGUID,
		CollectionGUID: collection.GUID,
		CollectionPath: collection.Location,
		CollectionType: collection.Type,
	}
	if toolName == types.ToolPipelineValidation {
		cfg.Pipeline = teamCfg.DefaultPipeline
		if cfg.Pipeline != nil {
			cfg.PipelineVersion = cfg.Pipeline.Version
		}
	}

	adapter, err := storage.New(cfg, r.store)
	if err != nil {
		return "", err
	}

	var files []types.FileInfo
	if toolName != types.ToolInventoryImport {
		files, err = adapter.Walk(ctx)
		if err != nil {
			return "", fmt.Errorf("offline: walk collection: %w", err)
		}
	}

	startedAt := time.Now().UTC()
	out, runErr := tool.Run(ctx, tools.Input{
		Files:   files,
		Config:  cfg,
		Adapter: adapter,
		Store:   r.store,
	}, tools.NopReporter{})

	payload := wire.ResultPayload{
		JobGUID:        "", // offline runs have no job
		Tool:           toolName,
		CollectionGUID: collection.GUID,
		Status:         types.ResultStatusCompleted,
		StartedAt:      startedAt,
		CompletedAt:    time.Now().UTC(),
		AgentVersion:   r.version,
	}
	payload.DurationSeconds = payload.CompletedAt.Sub(startedAt).Seconds()
	if cfg.Pipeline != nil {
		payload.PipelineGUID = cfg.Pipeline.GUID
		payload.PipelineVersion = cfg.PipelineVersion
	}
	if runErr != nil {
		payload.Status = types.ResultStatusFailed
		payload.ErrorMessage = (&client.ToolExecutionError{Tool: string(toolName), Err: runErr}).Error()
	} else {
		payload.Results = out.Results
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("offline: marshal result: %w", err)
	}

	guid, err := r.store.Spool(raw, out.ReportHTML)
	if err != nil {
		return "", err
	}
	r.logger.Info("offline result spooled",
		zap.String("spool_guid", guid),
		zap.String("tool", string(toolName)),
		zap.String("collection_guid", collection.GUID),
		zap.String("status", string(payload.Status)),
	)
	return guid, nil
}

// lookupCollection finds a cached collection by GUID or name, warning
// when only a stale cache is available.
func (r *OfflineRunner) lookupCollection(ref string) (wire.CollectionRecord, error) {
	collections, ok := r.store.LoadValidCollections()
	if !ok {
		var age time.Duration
		collections, age, ok = r.store.LoadCollections()
		if !ok {
			return wire.CollectionRecord{}, fmt.Errorf("offline: no collection cache — run the agent online once first")
		}
		r.logger.Warn("using expired collection cache",
			zap.Duration("age", age.Truncate(time.Minute)),
		)
	}

	for _, c := range collections {
		if c.GUID == ref || c.Name == ref {
			return c, nil
		}
	}
	return wire.CollectionRecord{}, fmt.Errorf("offline: collection %q not in the local cache", ref)
}
