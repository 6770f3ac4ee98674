package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// InventoryImport reads a bucket-held manifest instead of walking the
// collection: the manifest object (key from the connector's
// inventory_config) lists every file with size and mtime. The tool
// extracts the folder structure and file inventory from that document,
// so it works on buckets too large or too cold to list directly. Not
// dedup-eligible — its input is the manifest, not a walk.
type InventoryImport struct{}

// Name implements Tool.
func (t *InventoryImport) Name() types.ToolName { return types.ToolInventoryImport }

// manifestEntry is one file row in the inventory manifest document.
type manifestEntry struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// manifestDoc is the JSON object held in the bucket.
type manifestDoc struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Files       []manifestEntry `json:"files"`
}

// Run implements Tool.
func (t *InventoryImport) Run(ctx context.Context, in Input, rep Reporter) (Output, error) {
	if in.Adapter == nil {
		return Output{}, errors.New("inventory_import: no storage adapter")
	}
	conn := in.Config.Connector
	if conn == nil || conn.InventoryConfig == nil || conn.InventoryConfig.ManifestKey == "" {
		return Output{}, errors.New("inventory_import: connector has no inventory_config")
	}
	key := conn.InventoryConfig.ManifestKey

	rep.Report(wire.ProgressRequest{Stage: "fetching", CurrentFile: key})

	raw, err := in.Adapter.Fetch(ctx, key)
	if err != nil {
		return Output{}, fmt.Errorf("inventory_import: fetch manifest %s: %w", key, err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Output{}, fmt.Errorf("inventory_import: parse manifest %s: %w", key, err)
	}

	rep.Report(wire.ProgressRequest{Stage: "importing", TotalFiles: intPtr(len(doc.Files))})

	var (
		totalBytes int64
		byFolder   = map[string]int{}
		files      = make([]types.FileInfo, 0, len(doc.Files))
	)
	for i, e := range doc.Files {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		files = append(files, types.FileInfo{
			Path:         e.Path,
			Size:         e.Size,
			LastModified: e.LastModified.UTC().Truncate(time.Second),
		})
		totalBytes += e.Size
		byFolder[topFolder(e.Path)]++

		if i%1000 == 0 {
			rep.Report(wire.ProgressRequest{
				Stage:        "importing",
				FilesScanned: intPtr(i),
				TotalFiles:   intPtr(len(doc.Files)),
				Percentage:   floatPtr(percent(i, len(doc.Files))),
			})
		}
	}

	folders := make([]string, 0, len(byFolder))
	for f := range byFolder {
		folders = append(folders, f)
	}
	sort.Strings(folders)

	rep.Report(wire.ProgressRequest{Stage: "done", Percentage: floatPtr(100)})

	results := map[string]any{
		"manifest_key": key,
		"file_count":   len(files),
		"total_bytes":  totalBytes,
		"folders":      folders,
		"by_folder":    byFolder,
	}
	if !doc.GeneratedAt.IsZero() {
		results["manifest_generated_at"] = doc.GeneratedAt.UTC().Format(time.RFC3339)
	}

	return Output{Results: results}, nil
}
