package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

func file(p string, size int64) types.FileInfo {
	return types.FileInfo{
		Path:         p,
		Size:         size,
		LastModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func photoConfig() wire.JobConfig {
	var cfg wire.JobConfig
	cfg.PhotoExtensions = []string{".raf", ".CR3"}
	cfg.MetadataExtensions = []string{".xmp"}
	return cfg
}

func TestRegistryCapabilities(t *testing.T) {
	caps := NewRegistry().Capabilities()

	assert.Contains(t, caps, types.CapabilityLocalFilesystem)
	assert.Contains(t, caps, "tool:photostats:v1.0")
	assert.Contains(t, caps, "tool:photo_pairing:v1.0")
	assert.Contains(t, caps, "tool:pipeline_validation:v1.0")
	assert.Contains(t, caps, "tool:inventory_import:v1.0")
	assert.Contains(t, caps, "tool:collection_test:v1.0")
	assert.IsIncreasing(t, caps)
}

func TestRegistryUnknownTool(t *testing.T) {
	_, err := NewRegistry().Get("face_detect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestPhotostatsCounts(t *testing.T) {
	in := Input{
		Files: []types.FileInfo{
			file("2026/DSCF0001.RAF", 30_000_000),
			file("2026/DSCF0002.raf", 31_000_000),
			file("2026/DSCF0001.xmp", 4_000),
			file("2026/IMG_0001.cr3", 25_000_000),
			file("notes.txt", 100),
		},
		Config: photoConfig(),
	}
	in.Config.CameraMappings = map[string]string{"DSCF": "X-T5"}

	out, err := (&Photostats{}).Run(context.Background(), in, NopReporter{})
	require.NoError(t, err)

	assert.Equal(t, 5, out.Results["total_files"])
	assert.Equal(t, int64(86_004_100), out.Results["total_bytes"])
	assert.Equal(t, 3, out.Results["photo_files"])
	assert.Equal(t, 1, out.Results["metadata_files"])
	assert.Equal(t, 1, out.Results["other_files"])

	byExt := out.Results["by_extension"].(map[string]int)
	assert.Equal(t, 2, byExt[".raf"], "extension matching is case-insensitive")

	byCamera := out.Results["by_camera"].(map[string]int)
	assert.Equal(t, 2, byCamera["X-T5"], "mapped camera ids use the team label")
	assert.Equal(t, 1, byCamera["IMG"], "unmapped ids fall back to the raw prefix")
	assert.Equal(t, []string{"DSCF", "IMG"}, out.Results["camera_ids"])

	byFolder := out.Results["by_folder"].(map[string]int)
	assert.Equal(t, 4, byFolder["2026"])
	assert.Equal(t, 1, byFolder["."])

	assert.Equal(t, "2026-03-01T12:00:00Z", out.Results["earliest_file"])
	assert.Contains(t, out.ReportHTML, "<h1>Collection statistics</h1>")
}

func TestPhotostatsEmptyCollection(t *testing.T) {
	out, err := (&Photostats{}).Run(context.Background(), Input{Config: photoConfig()}, NopReporter{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Results["total_files"])
	assert.NotContains(t, out.Results, "earliest_file")
}

func TestPhotostatsHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := Input{Files: []types.FileInfo{file("a.raf", 1)}, Config: photoConfig()}
	_, err := (&Photostats{}).Run(ctx, in, NopReporter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPhotoPairing(t *testing.T) {
	in := Input{
		Files: []types.FileInfo{
			file("2026/DSCF0001.RAF", 1),
			file("2026/DSCF0001.xmp", 1),
			file("2026/DSCF0002.raf", 1), // no sidecar
			file("2026/DSCF0003.xmp", 1), // no photo
			file("2026/IMG_0001.cr3", 1), // no sidecar, cr3 requires one
		},
		Config: photoConfig(),
	}
	in.Config.RequireSidecar = []string{".cr3"}

	out, err := (&PhotoPairing{}).Run(context.Background(), in, NopReporter{})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Results["photo_files"])
	assert.Equal(t, 1, out.Results["paired"])
	assert.Equal(t, []string{"2026/DSCF0002.raf", "2026/IMG_0001.cr3"}, out.Results["unpaired"])
	assert.Equal(t, []string{"2026/DSCF0003.xmp"}, out.Results["orphan_sidecars"])
	assert.Equal(t, []string{"2026/IMG_0001.cr3"}, out.Results["sidecar_violations"],
		"only extensions in require_sidecar escalate to violations")
	assert.Contains(t, out.ReportHTML, "Missing required sidecars")
}

func TestPipelineValidation(t *testing.T) {
	var cfg wire.JobConfig
	cfg.Pipeline = &wire.PipelineSpec{
		GUID:    "pipe-1",
		Name:    "studio flow",
		Version: 3,
		Nodes: []wire.PipelineNode{
			{ID: "intake"},
			{ID: "edit", Config: map[string]string{"folder": "edited"}},
			{ID: "export"},
		},
		Edges: []wire.PipelineEdge{
			{From: "intake", To: "edit"},
			{From: "edit", To: "export"},
		},
	}

	in := Input{
		Files: []types.FileInfo{
			file("intake/DSCF0001.raf", 1),
			file("edited/DSCF0001.tif", 1),
			file("stray/notes.txt", 1),
		},
		Config: cfg,
	}

	out, err := (&PipelineValidation{}).Run(context.Background(), in, NopReporter{})
	require.NoError(t, err)

	assert.Equal(t, false, out.Results["valid"])
	nodeFiles := out.Results["node_files"].(map[string]int)
	assert.Equal(t, 1, nodeFiles["intake"])
	assert.Equal(t, 1, nodeFiles["edit"], "node folder overrides map files to the node id")
	assert.Equal(t, []string{"export"}, out.Results["empty_nodes"])
	assert.Equal(t, []string{"stray/notes.txt"}, out.Results["orphan_files"])
	assert.Equal(t, []string{"edit -> export"}, out.Results["incomplete_edges"])
	assert.Contains(t, out.ReportHTML, "INVALID")
}

func TestPipelineValidationCleanLayout(t *testing.T) {
	var cfg wire.JobConfig
	cfg.Pipeline = &wire.PipelineSpec{
		GUID:    "pipe-1",
		Version: 1,
		Nodes:   []wire.PipelineNode{{ID: "intake"}, {ID: "export"}},
		Edges:   []wire.PipelineEdge{{From: "intake", To: "export"}},
	}
	in := Input{
		Files: []types.FileInfo{
			file("intake/a.raf", 1),
			file("export/a.jpg", 1),
		},
		Config: cfg,
	}

	out, err := (&PipelineValidation{}).Run(context.Background(), in, NopReporter{})
	require.NoError(t, err)
	assert.Equal(t, true, out.Results["valid"])
	assert.Contains(t, out.ReportHTML, "VALID")
}

func TestPipelineValidationWithoutSpec(t *testing.T) {
	_, err := (&PipelineValidation{}).Run(context.Background(), Input{}, NopReporter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pipeline")
}

func TestNormalizeExts(t *testing.T) {
	set := normalizeExts([]string{".JPG", "raf", "  .xmp ", ""})
	assert.Contains(t, set, ".jpg")
	assert.Contains(t, set, ".raf")
	assert.Contains(t, set, ".xmp")
	assert.Len(t, set, 3)
}

func TestCameraID(t *testing.T) {
	assert.Equal(t, "DSCF", cameraID("2026/DSCF0123.RAF"))
	assert.Equal(t, "IMG", cameraID("IMG_0001.cr3"))
	assert.Equal(t, "", cameraID("2026/0123.raf"))
}
