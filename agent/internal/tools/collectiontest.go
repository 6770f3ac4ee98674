package tools

import (
	"context"
	"errors"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// CollectionTest probes whether a collection is reachable and counts
// what it holds. The outcome is written to the local test cache so CLI
// status checks within 24h skip the walk.
type CollectionTest struct{}

// Name implements Tool.
func (t *CollectionTest) Name() types.ToolName { return types.ToolCollectionTest }

// Run implements Tool.
func (t *CollectionTest) Run(ctx context.Context, in Input, rep Reporter) (Output, error) {
	if in.Adapter == nil {
		return Output{}, errors.New("collection_test: no storage adapter")
	}

	rep.Report(wire.ProgressRequest{Stage: "testing"})

	entry := store.TestCacheEntry{Accessible: true}
	if err := in.Adapter.TestConnection(ctx); err != nil {
		entry.Accessible = false
		entry.Error = err.Error()
	}

	var totalBytes int64
	if entry.Accessible {
		rep.Report(wire.ProgressRequest{Stage: "counting", TotalFiles: intPtr(len(in.Files))})
		for _, f := range in.Files {
			totalBytes += f.Size
		}
		entry.FileCount = len(in.Files)
		entry.TotalBytes = totalBytes
	}

	if in.Store != nil && in.Config.CollectionPath != "" {
		// Cache write failures degrade the next status check, nothing more.
		_ = in.Store.SaveTestResult(in.Config.CollectionPath, entry)
	}

	rep.Report(wire.ProgressRequest{Stage: "done", Percentage: floatPtr(100)})

	results := map[string]any{
		"accessible":  entry.Accessible,
		"file_count":  entry.FileCount,
		"total_bytes": entry.TotalBytes,
	}
	if entry.Error != "" {
		results["error"] = entry.Error
	}
	return Output{Results: results}, nil
}
