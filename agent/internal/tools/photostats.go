package tools

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// Photostats summarizes a collection: counts and bytes per extension,
// per folder, and per camera body. Camera ids are extracted from the
// leading alphabetic filename prefix (e.g. "DSCF0123.RAF" → "DSCF") and
// labeled through the team's camera_mappings.
type Photostats struct{}

// Name implements Tool.
func (t *Photostats) Name() types.ToolName { return types.ToolPhotostats }

// Run implements Tool.
func (t *Photostats) Run(ctx context.Context, in Input, rep Reporter) (Output, error) {
	photoExts := normalizeExts(in.Config.PhotoExtensions)
	metaExts := normalizeExts(in.Config.MetadataExtensions)

	rep.Report(wire.ProgressRequest{
		Stage:      "scanning",
		TotalFiles: intPtr(len(in.Files)),
	})

	var (
		totalBytes  int64
		photoCount  int
		metaCount   int
		otherCount  int
		earliest    time.Time
		latest      time.Time
		byExtension = map[string]int{}
		byFolder    = map[string]int{}
		byCamera    = map[string]int{}
		cameraIDs   = map[string]struct{}{}
	)

	for i, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}

		ext := fileExt(f.Path)
		totalBytes += f.Size
		byExtension[ext]++
		byFolder[topFolder(f.Path)]++

		switch {
		case contains(photoExts, ext):
			photoCount++
			if id := cameraID(f.Path); id != "" {
				cameraIDs[id] = struct{}{}
				byCamera[cameraLabel(id, in.Config.CameraMappings)]++
			}
		case contains(metaExts, ext):
			metaCount++
		default:
			otherCount++
		}

		if earliest.IsZero() || f.LastModified.Before(earliest) {
			earliest = f.LastModified
		}
		if f.LastModified.After(latest) {
			latest = f.LastModified
		}

		if i%500 == 0 {
			rep.Report(wire.ProgressRequest{
				Stage:        "scanning",
				FilesScanned: intPtr(i),
				TotalFiles:   intPtr(len(in.Files)),
				CurrentFile:  f.Path,
				Percentage:   floatPtr(percent(i, len(in.Files))),
			})
		}
	}

	rep.Report(wire.ProgressRequest{Stage: "summarizing", Percentage: floatPtr(100)})

	results := map[string]any{
		"total_files":    len(in.Files),
		"total_bytes":    totalBytes,
		"photo_files":    photoCount,
		"metadata_files": metaCount,
		"other_files":    otherCount,
		"by_extension":   byExtension,
		"by_folder":      byFolder,
		"by_camera":      byCamera,
		"camera_ids":     sortedKeys(cameraIDs),
	}
	if !earliest.IsZero() {
		results["earliest_file"] = earliest.UTC().Format(time.RFC3339)
		results["latest_file"] = latest.UTC().Format(time.RFC3339)
	}

	return Output{
		Results:    results,
		ReportHTML: photostatsReport(len(in.Files), totalBytes, byExtension, byCamera),
	}, nil
}

// cameraID extracts the leading letters of the base filename. Returns ""
// when the name does not start with a letter.
func cameraID(p string) string {
	base := path.Base(p)
	i := 0
	for i < len(base) {
		c := base[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			break
		}
		i++
	}
	if i == 0 {
		return ""
	}
	return strings.ToUpper(base[:i])
}

// cameraLabel resolves a raw camera id through the team mappings,
// falling back to the id itself.
func cameraLabel(id string, mappings map[string]string) string {
	if label, ok := mappings[id]; ok && label != "" {
		return label
	}
	return id
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func photostatsReport(total int, bytes int64, byExt, byCamera map[string]int) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Photostats</title></head><body>")
	fmt.Fprintf(&b, "<h1>Collection statistics</h1><p>%d files, %d bytes</p>", total, bytes)

	b.WriteString("<h2>By extension</h2><table>")
	for _, ext := range sortedCountKeys(byExt) {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td></tr>", htmlEscape(ext), byExt[ext])
	}
	b.WriteString("</table>")

	if len(byCamera) > 0 {
		b.WriteString("<h2>By camera</h2><table>")
		for _, cam := range sortedCountKeys(byCamera) {
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td></tr>", htmlEscape(cam), byCamera[cam])
		}
		b.WriteString("</table>")
	}

	b.WriteString("</body></html>")
	return b.String()
}

func sortedCountKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
