package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/canonical"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// inputState is the canonical tuple hashed for the dedup precheck. Two
// runs of the same tool over the same collection produce the same hash
// exactly when nothing that could change the result has changed: the
// tool-relevant config slice, the file fingerprint, and the pinned
// pipeline. The owning team is part of the tuple so identical runs in
// different tenants never share a hash.
type inputState struct {
	TeamGUID        string            `json:"team_guid"`
	CollectionGUID  string            `json:"collection_guid"`
	Tool            types.ToolName    `json:"tool"`
	Config          any               `json:"config"`
	Files           []fileFingerprint `json:"files"`
	PipelineGUID    string            `json:"pipeline_guid,omitempty"`
	PipelineVersion int               `json:"pipeline_version,omitempty"`
}

// fileFingerprint is one file's identity for hashing. The mtime is a
// Unix timestamp already truncated to seconds by the storage adapters.
type fileFingerprint struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"`
}

// pairingConfigSlice is the config photostats and photo_pairing hash:
// extension lists sorted and lowercased so order and case changes do not
// defeat dedup.
type pairingConfigSlice struct {
	PhotoExtensions    []string `json:"photo_extensions"`
	MetadataExtensions []string `json:"metadata_extensions"`
	RequireSidecar     []string `json:"require_sidecar"`
}

// InputStateHash computes the dedup hash for a dedup-eligible tool run.
func InputStateHash(tool types.ToolName, cfg wire.JobConfig, files []types.FileInfo) (string, error) {
	state := inputState{
		TeamGUID:        cfg.TeamGUID,
		CollectionGUID:  cfg.CollectionGUID,
		Tool:            tool,
		Files:           fingerprints(files),
		PipelineGUID:    pipelineGUID(cfg),
		PipelineVersion: cfg.PipelineVersion,
	}

	switch tool {
	case types.ToolPhotostats, types.ToolPhotoPairing:
		state.Config = pairingConfigSlice{
			PhotoExtensions:    normalizeList(cfg.PhotoExtensions),
			MetadataExtensions: normalizeList(cfg.MetadataExtensions),
			RequireSidecar:     normalizeList(cfg.RequireSidecar),
		}
	case types.ToolPipelineValidation:
		if cfg.Pipeline == nil {
			return "", fmt.Errorf("executor: pipeline_validation without pipeline spec")
		}
		state.Config = struct {
			Nodes []wire.PipelineNode `json:"nodes"`
			Edges []wire.PipelineEdge `json:"edges"`
		}{cfg.Pipeline.Nodes, cfg.Pipeline.Edges}
	default:
		return "", fmt.Errorf("executor: tool %s is not dedup-eligible", tool)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("executor: marshal input state: %w", err)
	}
	c, err := canonical.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("executor: canonicalize input state: %w", err)
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// fingerprints sorts the walk lexicographically by path so the hash is
// independent of enumeration order.
func fingerprints(files []types.FileInfo) []fileFingerprint {
	out := make([]fileFingerprint, len(files))
	for i, f := range files {
		out[i] = fileFingerprint{
			Path:         f.Path,
			Size:         f.Size,
			LastModified: f.LastModified.Unix(),
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func pipelineGUID(cfg wire.JobConfig) string {
	if cfg.Pipeline != nil {
		return cfg.Pipeline.GUID
	}
	return ""
}
