package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

func hashConfig() wire.JobConfig {
	var cfg wire.JobConfig
	cfg.TeamGUID = "team-1"
	cfg.CollectionGUID = "col-1"
	cfg.PhotoExtensions = []string{".raf", ".cr3"}
	cfg.MetadataExtensions = []string{".xmp"}
	return cfg
}

func hashFiles() []types.FileInfo {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []types.FileInfo{
		{Path: "2026/DSCF0001.raf", Size: 100, LastModified: at},
		{Path: "2026/DSCF0002.raf", Size: 200, LastModified: at},
	}
}

func TestInputStateHashIsDeterministic(t *testing.T) {
	first, err := InputStateHash(types.ToolPhotostats, hashConfig(), hashFiles())
	require.NoError(t, err)
	second, err := InputStateHash(types.ToolPhotostats, hashConfig(), hashFiles())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestInputStateHashIgnoresFileOrder(t *testing.T) {
	files := hashFiles()
	reversed := []types.FileInfo{files[1], files[0]}

	a, err := InputStateHash(types.ToolPhotostats, hashConfig(), files)
	require.NoError(t, err)
	b, err := InputStateHash(types.ToolPhotostats, hashConfig(), reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b, "walk enumeration order must not affect the hash")
}

func TestInputStateHashIgnoresConfigCaseAndOrder(t *testing.T) {
	base, err := InputStateHash(types.ToolPhotostats, hashConfig(), hashFiles())
	require.NoError(t, err)

	shuffled := hashConfig()
	shuffled.PhotoExtensions = []string{".CR3", ".RAF"}
	got, err := InputStateHash(types.ToolPhotostats, shuffled, hashFiles())
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestInputStateHashChangesWithFiles(t *testing.T) {
	base, err := InputStateHash(types.ToolPhotostats, hashConfig(), hashFiles())
	require.NoError(t, err)

	touched := hashFiles()
	touched[0].LastModified = touched[0].LastModified.Add(time.Second)
	got, err := InputStateHash(types.ToolPhotostats, hashConfig(), touched)
	require.NoError(t, err)
	assert.NotEqual(t, base, got, "an mtime change invalidates the dedup hash")

	grown := hashFiles()
	grown[1].Size++
	got, err = InputStateHash(types.ToolPhotostats, hashConfig(), grown)
	require.NoError(t, err)
	assert.NotEqual(t, base, got)
}

func TestInputStateHashVariesByTeam(t *testing.T) {
	base, err := InputStateHash(types.ToolPhotostats, hashConfig(), hashFiles())
	require.NoError(t, err)

	other := hashConfig()
	other.TeamGUID = "team-2"
	got, err := InputStateHash(types.ToolPhotostats, other, hashFiles())
	require.NoError(t, err)
	assert.NotEqual(t, base, got, "tenants never share a dedup hash")
}

func TestInputStateHashVariesByTool(t *testing.T) {
	stats, err := InputStateHash(types.ToolPhotostats, hashConfig(), hashFiles())
	require.NoError(t, err)
	pairing, err := InputStateHash(types.ToolPhotoPairing, hashConfig(), hashFiles())
	require.NoError(t, err)
	assert.NotEqual(t, stats, pairing)
}

func TestInputStateHashPipelineValidation(t *testing.T) {
	cfg := hashConfig()
	cfg.Pipeline = &wire.PipelineSpec{
		GUID:    "pipe-1",
		Version: 2,
		Nodes:   []wire.PipelineNode{{ID: "intake"}, {ID: "export"}},
		Edges:   []wire.PipelineEdge{{From: "intake", To: "export"}},
	}
	cfg.PipelineVersion = 2

	base, err := InputStateHash(types.ToolPipelineValidation, cfg, hashFiles())
	require.NoError(t, err)

	edited := hashConfig()
	edited.Pipeline = &wire.PipelineSpec{
		GUID:    "pipe-1",
		Version: 3,
		Nodes:   []wire.PipelineNode{{ID: "intake"}, {ID: "edit"}, {ID: "export"}},
		Edges:   []wire.PipelineEdge{{From: "intake", To: "edit"}, {From: "edit", To: "export"}},
	}
	edited.PipelineVersion = 3

	got, err := InputStateHash(types.ToolPipelineValidation, edited, hashFiles())
	require.NoError(t, err)
	assert.NotEqual(t, base, got, "a pipeline revision changes the hash")
}

func TestInputStateHashPipelineValidationRequiresSpec(t *testing.T) {
	_, err := InputStateHash(types.ToolPipelineValidation, hashConfig(), hashFiles())
	assert.Error(t, err)
}

func TestInputStateHashRejectsNonDedupTools(t *testing.T) {
	for _, tool := range []types.ToolName{types.ToolInventoryImport, types.ToolCollectionTest} {
		_, err := InputStateHash(tool, hashConfig(), hashFiles())
		assert.Error(t, err, "tool %s", tool)
	}
}
