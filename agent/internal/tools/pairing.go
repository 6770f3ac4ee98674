package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// PhotoPairing matches photo files with their metadata sidecars by
// shared basename (IMG_0001.raf ↔ IMG_0001.xmp). Extensions listed in
// require_sidecar must have a sidecar; a missing one is reported as a
// violation rather than just an unpaired file.
type PhotoPairing struct{}

// Name implements Tool.
func (t *PhotoPairing) Name() types.ToolName { return types.ToolPhotoPairing }

// Run implements Tool.
func (t *PhotoPairing) Run(ctx context.Context, in Input, rep Reporter) (Output, error) {
	photoExts := normalizeExts(in.Config.PhotoExtensions)
	metaExts := normalizeExts(in.Config.MetadataExtensions)
	required := normalizeExts(in.Config.RequireSidecar)

	rep.Report(wire.ProgressRequest{Stage: "indexing", TotalFiles: intPtr(len(in.Files))})

	// Index sidecars by stripped path so lookup during the photo pass is
	// constant time.
	sidecars := make(map[string][]string)
	var photos []types.FileInfo
	for _, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		ext := fileExt(f.Path)
		switch {
		case contains(metaExts, ext):
			key := stripExt(f.Path)
			sidecars[key] = append(sidecars[key], f.Path)
		case contains(photoExts, ext):
			photos = append(photos, f)
		}
	}

	rep.Report(wire.ProgressRequest{Stage: "pairing", TotalFiles: intPtr(len(photos))})

	var (
		paired        int
		unpaired      []string
		violations    []string
		orphanSidecar []string
		usedSidecars  = map[string]struct{}{}
	)

	for i, f := range photos {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		key := stripExt(f.Path)
		if mates, ok := sidecars[key]; ok {
			paired++
			for _, m := range mates {
				usedSidecars[m] = struct{}{}
			}
		} else {
			unpaired = append(unpaired, f.Path)
			if contains(required, fileExt(f.Path)) {
				violations = append(violations, f.Path)
			}
		}

		if i%500 == 0 {
			rep.Report(wire.ProgressRequest{
				Stage:        "pairing",
				FilesScanned: intPtr(i),
				TotalFiles:   intPtr(len(photos)),
				Percentage:   floatPtr(percent(i, len(photos))),
			})
		}
	}

	for _, mates := range sidecars {
		for _, m := range mates {
			if _, ok := usedSidecars[m]; !ok {
				orphanSidecar = append(orphanSidecar, m)
			}
		}
	}
	sort.Strings(unpaired)
	sort.Strings(violations)
	sort.Strings(orphanSidecar)

	rep.Report(wire.ProgressRequest{Stage: "done", Percentage: floatPtr(100)})

	results := map[string]any{
		"photo_files":        len(photos),
		"paired":             paired,
		"unpaired":           unpaired,
		"unpaired_count":     len(unpaired),
		"orphan_sidecars":    orphanSidecar,
		"sidecar_violations": violations,
	}

	return Output{
		Results:    results,
		ReportHTML: pairingReport(len(photos), paired, unpaired, violations),
	}, nil
}

func pairingReport(total, paired int, unpaired, violations []string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Photo pairing</title></head><body>")
	fmt.Fprintf(&b, "<h1>Photo pairing</h1><p>%d photos, %d paired, %d unpaired</p>",
		total, paired, len(unpaired))

	if len(violations) > 0 {
		fmt.Fprintf(&b, "<h2>Missing required sidecars (%d)</h2><ul>", len(violations))
		for _, v := range violations {
			fmt.Fprintf(&b, "<li>%s</li>", htmlEscape(v))
		}
		b.WriteString("</ul>")
	}
	if len(unpaired) > 0 {
		fmt.Fprintf(&b, "<h2>Unpaired photos (%d)</h2><ul>", len(unpaired))
		for _, u := range unpaired {
			fmt.Fprintf(&b, "<li>%s</li>", htmlEscape(u))
		}
		b.WriteString("</ul>")
	}

	b.WriteString("</body></html>")
	return b.String()
}
