package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// PipelineValidation checks a collection's folder layout against its
// pinned pipeline graph. Each node maps to one top-level folder (the
// node's "folder" config, defaulting to the node id); files outside any
// node folder are orphans, and an edge whose source folder holds files
// while its target is empty marks an incomplete processing step.
type PipelineValidation struct{}

// Name implements Tool.
func (t *PipelineValidation) Name() types.ToolName { return types.ToolPipelineValidation }

// Run implements Tool.
func (t *PipelineValidation) Run(ctx context.Context, in Input, rep Reporter) (Output, error) {
	spec := in.Config.Pipeline
	if spec == nil {
		return Output{}, errors.New("pipeline_validation: job has no pipeline")
	}

	rep.Report(wire.ProgressRequest{Stage: "mapping", TotalFiles: intPtr(len(in.Files))})

	folderToNode := make(map[string]string, len(spec.Nodes))
	for _, n := range spec.Nodes {
		folder := n.Config["folder"]
		if folder == "" {
			folder = n.ID
		}
		folderToNode[folder] = n.ID
	}

	nodeFiles := make(map[string]int, len(spec.Nodes))
	var orphans []string
	for i, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		folder := topFolder(f.Path)
		if nodeID, ok := folderToNode[folder]; ok {
			nodeFiles[nodeID]++
		} else {
			orphans = append(orphans, f.Path)
		}

		if i%500 == 0 {
			rep.Report(wire.ProgressRequest{
				Stage:        "mapping",
				FilesScanned: intPtr(i),
				TotalFiles:   intPtr(len(in.Files)),
				Percentage:   floatPtr(percent(i, len(in.Files))),
			})
		}
	}

	rep.Report(wire.ProgressRequest{Stage: "validating"})

	var emptyNodes []string
	for _, n := range spec.Nodes {
		if nodeFiles[n.ID] == 0 {
			emptyNodes = append(emptyNodes, n.ID)
		}
	}
	sort.Strings(emptyNodes)

	var incompleteEdges []string
	for _, e := range spec.Edges {
		if nodeFiles[e.From] > 0 && nodeFiles[e.To] == 0 {
			incompleteEdges = append(incompleteEdges, e.From+" -> "+e.To)
		}
	}
	sort.Strings(incompleteEdges)
	sort.Strings(orphans)

	valid := len(orphans) == 0 && len(incompleteEdges) == 0

	rep.Report(wire.ProgressRequest{Stage: "done", Percentage: floatPtr(100)})

	results := map[string]any{
		"pipeline_guid":    spec.GUID,
		"pipeline_version": spec.Version,
		"valid":            valid,
		"node_files":       nodeFiles,
		"empty_nodes":      emptyNodes,
		"orphan_files":     orphans,
		"orphan_count":     len(orphans),
		"incomplete_edges": incompleteEdges,
	}

	return Output{
		Results:    results,
		ReportHTML: pipelineReport(spec, valid, nodeFiles, orphans, incompleteEdges),
	}, nil
}

func pipelineReport(spec *wire.PipelineSpec, valid bool, nodeFiles map[string]int, orphans, incomplete []string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Pipeline validation</title></head><body>")
	verdict := "INVALID"
	if valid {
		verdict = "VALID"
	}
	fmt.Fprintf(&b, "<h1>Pipeline %s v%d: %s</h1>", htmlEscape(spec.Name), spec.Version, verdict)

	b.WriteString("<h2>Files per node</h2><table>")
	for _, n := range spec.Nodes {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td></tr>", htmlEscape(n.ID), nodeFiles[n.ID])
	}
	b.WriteString("</table>")

	if len(incomplete) > 0 {
		fmt.Fprintf(&b, "<h2>Incomplete steps (%d)</h2><ul>", len(incomplete))
		for _, e := range incomplete {
			fmt.Fprintf(&b, "<li>%s</li>", htmlEscape(e))
		}
		b.WriteString("</ul>")
	}
	if len(orphans) > 0 {
		fmt.Fprintf(&b, "<h2>Orphan files (%d)</h2><ul>", len(orphans))
		for _, o := range orphans {
			fmt.Fprintf(&b, "<li>%s</li>", htmlEscape(o))
		}
		b.WriteString("</ul>")
	}

	b.WriteString("</body></html>")
	return b.String()
}
