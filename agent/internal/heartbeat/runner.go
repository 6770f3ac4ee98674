// Package heartbeat posts the agent's 30-second liveness beat: current
// capabilities, a resource snapshot, and the attestation triple. The
// response carries the drained pending commands — currently cancel
// requests — and the server's version verdict, which is cached locally
// so CLI warnings work without a round-trip.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/sysinfo"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// Interval between beats. The server marks an agent offline after three
// missed beats.
const Interval = 30 * time.Second

// JobController is the slice of the executor the heartbeat needs:
// reporting the active job and delivering cancel commands.
type JobController interface {
	ActiveJobGUID() string
	Cancel(jobGUID string) bool
}

// Runner posts heartbeats until the context ends or a fatal error
// occurs.
type Runner struct {
	client       *client.Client
	store        *store.Store
	jobs         JobController
	capabilities []string
	version      string
	platform     types.Platform
	checksum     string
	logger       *zap.Logger
}

// New creates a Runner. checksum is the SHA-256 of the running binary,
// computed once at startup.
func New(c *client.Client, st *store.Store, jobs JobController, capabilities []string, version string, platform types.Platform, checksum string, logger *zap.Logger) *Runner {
	return &Runner{
		client:       c,
		store:        st,
		jobs:         jobs,
		capabilities: capabilities,
		version:      version,
		platform:     platform,
		checksum:     checksum,
		logger:       logger.Named("heartbeat"),
	}
}

// Run beats until ctx is cancelled. It returns nil on cancellation and
// an error only for fatal conditions (revocation, bad key); connection
// failures are logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	// First beat immediately so the server sees the agent online without
	// waiting a full interval.
	if err := r.beat(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.beat(ctx); err != nil {
				return err
			}
		}
	}
}

// beat posts one heartbeat and applies the response.
func (r *Runner) beat(ctx context.Context) error {
	req := wire.HeartbeatRequest{
		Capabilities:   r.capabilities,
		Metrics:        sysinfo.Collect(ctx, r.store.DataDir()),
		Version:        r.version,
		Platform:       r.platform,
		BinaryChecksum: r.checksum,
		ActiveJobGUID:  r.jobs.ActiveJobGUID(),
	}

	resp, err := r.client.Heartbeat(ctx, req)
	if err != nil {
		var revoked *client.AgentRevokedError
		var authErr *client.AuthenticationError
		if errors.As(err, &revoked) || errors.As(err, &authErr) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("heartbeat failed", zap.Error(err))
		return nil
	}

	for _, cmd := range resp.PendingCommands {
		jobGUID, ok := wire.ParseCancelJob(cmd)
		if !ok {
			r.logger.Warn("ignoring unknown pending command", zap.String("command", cmd))
			continue
		}
		if r.jobs.Cancel(jobGUID) {
			r.logger.Info("cancelled running job on server command",
				zap.String("job_guid", jobGUID))
		}
		// Cancel commands for jobs that already ended are dropped.
	}

	if err := r.store.SaveVersionState(store.VersionState{
		IsOutdated:    resp.IsOutdated,
		LatestVersion: resp.LatestVersion,
	}); err != nil {
		r.logger.Warn("failed to cache version state", zap.Error(err))
	}
	if resp.IsOutdated {
		r.logger.Warn("agent binary is outdated",
			zap.String("current", r.version),
			zap.String("latest", resp.LatestVersion),
		)
	}
	return nil
}
