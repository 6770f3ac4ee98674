// Package tools implements the analysis tools an agent can execute.
// Every tool consumes the single Walk the executor already performed and
// produces a results map plus an optional HTML report; tools never talk
// to the server directly except through the progress reporter they are
// handed.
package tools

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// capabilityVersion versions the tool protocol advertised to the server.
// Bump when a tool's results shape changes incompatibly.
const capabilityVersion = "v1.0"

// Reporter is the progress channel handed to a running tool.
// progress.Reporter implements it; offline runs use NopReporter.
type Reporter interface {
	Report(req wire.ProgressRequest)
}

// NopReporter discards all progress. Used for offline execution.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(wire.ProgressRequest) {}

// Input bundles everything a tool may need for one run.
type Input struct {
	Files   []types.FileInfo
	Config  wire.JobConfig
	Adapter storage.Adapter
	Store   *store.Store
}

// Output is a finished tool run.
type Output struct {
	Results    map[string]any
	ReportHTML string
}

// Tool is one analysis implementation.
type Tool interface {
	Name() types.ToolName
	Run(ctx context.Context, in Input, rep Reporter) (Output, error)
}

// Registry holds the tools compiled into this agent build.
type Registry struct {
	tools map[types.ToolName]Tool
}

// NewRegistry returns a registry with every built-in tool.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[types.ToolName]Tool)}
	for _, t := range []Tool{
		&Photostats{},
		&PhotoPairing{},
		&PipelineValidation{},
		&InventoryImport{},
		&CollectionTest{},
	} {
		r.tools[t.Name()] = t
	}
	return r
}

// Get returns the named tool.
func (r *Registry) Get(name types.ToolName) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}
	return t, nil
}

// Capabilities lists what this build advertises at registration and on
// every heartbeat: the mandatory local_filesystem capability plus one
// versioned entry per tool.
func (r *Registry) Capabilities() []string {
	caps := []string{types.CapabilityLocalFilesystem}
	for name := range r.tools {
		caps = append(caps, fmt.Sprintf("tool:%s:%s", name, capabilityVersion))
	}
	sort.Strings(caps)
	return caps
}

// ─── Shared helpers ──────────────────────────────────────────────────────────

// normalizeExts lowercases a config extension list and guarantees the
// leading dot, so ".JPG", "jpg" and ".jpg" all match the same files.
func normalizeExts(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out[e] = struct{}{}
	}
	return out
}

// fileExt returns the lowercase extension of a relative path.
func fileExt(p string) string {
	return strings.ToLower(path.Ext(p))
}

// stripExt removes the final extension, keeping the directory part.
func stripExt(p string) string {
	return strings.TrimSuffix(p, path.Ext(p))
}

// topFolder returns the first path segment, or "." for root-level files.
func topFolder(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return "."
}

// intPtr and floatPtr build the optional progress fields.
func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
