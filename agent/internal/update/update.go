// Package update handles agent self-update: download the latest release
// binary for this platform, verify its checksum, and swap it over the
// running executable with an atomic rename.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
)

// SelfChecksum returns the hex SHA-256 of the running binary. Sent with
// registration and every heartbeat so the server can verify it against
// the release manifest.
func SelfChecksum() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("update: locate executable: %w", err)
	}
	f, err := os.Open(exe)
	if err != nil {
		return "", fmt.Errorf("update: open %s: %w", exe, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("update: hash %s: %w", exe, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Apply downloads the latest release and replaces the current binary.
// It returns the version that was installed, or an error when the agent
// is already current or the swap fails. The new binary takes effect on
// the next start.
func Apply(ctx context.Context, c *client.Client, st *store.Store, currentVersion string, logger *zap.Logger) (string, error) {
	log := logger.Named("update")

	state, ok := st.LoadValidVersionState()
	if !ok {
		return "", fmt.Errorf("update: no fresh version state — run the agent so a heartbeat can fetch it")
	}
	if !state.IsOutdated || state.LatestVersion == "" {
		return "", fmt.Errorf("update: agent %s is already current", currentVersion)
	}

	body, checksum, err := c.DownloadRelease(ctx, state.LatestVersion, runtime.GOOS)
	if err != nil {
		return "", fmt.Errorf("update: download %s: %w", state.LatestVersion, err)
	}

	sum := sha256.Sum256(body)
	if got := hex.EncodeToString(sum[:]); got != checksum {
		return "", fmt.Errorf("update: checksum mismatch for %s: got %s, manifest says %s",
			state.LatestVersion, got, checksum)
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("update: locate executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("update: resolve executable path: %w", err)
	}

	// Stage next to the target so the rename stays on one filesystem.
	staged := exe + ".new"
	if err := os.WriteFile(staged, body, 0o755); err != nil {
		return "", fmt.Errorf("update: stage new binary: %w", err)
	}
	if err := os.Rename(staged, exe); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("update: replace binary: %w", err)
	}

	log.Info("binary updated",
		zap.String("from", currentVersion),
		zap.String("to", state.LatestVersion),
		zap.String("sha256", checksum),
	)
	return state.LatestVersion, nil
}
