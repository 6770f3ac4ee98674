// Package dispatch implements the claim side of the job queue: handing
// the highest-priority due job to an eligible agent, exactly once.
//
// Claim flow:
//  1. Open one database transaction.
//  2. Load pending, due jobs for the agent's team in dispatch order
//     (priority DESC, created_at ASC, id ASC), locked with SKIP LOCKED
//     on PostgreSQL so concurrent claimants never double-select a row.
//  3. Keep bound jobs addressed to the caller; keep unbound jobs only
//     when the agent is verified, not outdated, and its capabilities
//     cover the job's required set.
//  4. Move the first survivor to assigned, mint a fresh 32-byte signing
//     secret, persist its SHA-256, cache the plaintext for the ingest
//     path, and return the job with the secret.
//
// An empty candidate set is not an error — the API layer answers 204.
package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/secrets"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/canonical"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// candidateBatch bounds how many locked rows one claim transaction
// examines. Capability filtering happens in Go, so a claimant may need
// to skip rows bound to other capability sets.
const candidateBatch = 50

// ErrAgentNotEligible is returned when the calling agent may not claim
// any job at all: it is unverified or revoked. The API layer maps it to
// 403.
var ErrAgentNotEligible = errors.New("dispatch: agent not eligible to claim jobs")

// Dispatcher selects and assigns jobs for claiming agents.
type Dispatcher struct {
	repos   *repositories.Repositories
	secrets *secrets.Cache
	hub     *events.Hub
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(repos *repositories.Repositories, sc *secrets.Cache, hub *events.Hub, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repos:   repos,
		secrets: sc,
		hub:     hub,
		logger:  logger.Named("dispatch"),
	}
}

// Claim hands the agent at most one job. The returned secret is the
// plaintext signing secret, minted inside the claim transaction; the
// caller must deliver it to the agent exactly once. A nil job with a nil
// error means no eligible work exists right now.
func (d *Dispatcher) Claim(ctx context.Context, agent *db.Agent) (*db.Job, []byte, error) {
	if agent.Status == string(types.AgentStatusRevoked) {
		return nil, nil, ErrAgentNotEligible
	}
	if !agent.IsVerified {
		return nil, nil, ErrAgentNotEligible
	}

	agentCaps := capabilitySet(db.DecodeStringList(agent.Capabilities))
	now := time.Now().UTC()

	var (
		claimed *db.Job
		secret  []byte
	)

	err := d.repos.WithTx(ctx, func(tx *repositories.Repositories) error {
		candidates, err := tx.Jobs.LockDueCandidates(ctx, agent.TeamID, agent.ID, now, candidateBatch)
		if err != nil {
			return err
		}

		for i := range candidates {
			job := &candidates[i]
			if !d.eligible(job, agent, agentCaps) {
				continue
			}

			s, hash, err := mintSecret()
			if err != nil {
				return err
			}

			if err := tx.Jobs.Assign(ctx, job.ID, agent.ID, hash, now); err != nil {
				if errors.Is(err, repositories.ErrConflict) {
					// Lost the row to a concurrent claimant; try the next one.
					continue
				}
				return err
			}

			job.Status = string(types.JobStatusAssigned)
			job.AssignedAgentID = &agent.ID
			job.AssignedAt = &now
			job.SigningSecretHash = hash
			claimed = job
			secret = s
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: claim: %w", err)
	}

	if claimed == nil {
		metrics.ClaimsEmpty.Inc()
		return nil, nil, nil
	}

	// Cache after the transaction commits so a rollback never leaves a
	// secret behind for an unassigned job.
	d.secrets.Put(claimed.ID, secret)
	metrics.JobsClaimed.Inc()

	d.hub.PublishJob(claimed.TeamID.String(), claimed.ID.String(), events.MsgJobStatus, events.JobStatusPayload{
		GUID:      claimed.ID.String(),
		Tool:      claimed.Tool,
		Status:    claimed.Status,
		AgentGUID: agent.ID.String(),
	})

	d.logger.Info("job claimed",
		zap.String("job_id", claimed.ID.String()),
		zap.String("agent_id", agent.ID.String()),
		zap.String("tool", claimed.Tool),
		zap.Int("priority", claimed.Priority),
	)
	return claimed, secret, nil
}

// eligible applies the per-job claim rules. Bound jobs dispatch to their
// agent even when it is outdated; unbound jobs additionally require an
// up-to-date binary and full capability coverage.
func (d *Dispatcher) eligible(job *db.Job, agent *db.Agent, agentCaps map[string]struct{}) bool {
	if job.BoundAgentID != nil {
		return *job.BoundAgentID == agent.ID
	}
	if agent.IsOutdated {
		return false
	}
	for _, required := range db.DecodeStringList(job.RequiredCapabilities) {
		if _, ok := agentCaps[required]; !ok {
			return false
		}
	}
	return true
}

// mintSecret generates a fresh signing secret and its stored hash.
func mintSecret() (secret []byte, hashHex string, err error) {
	secret = make([]byte, canonical.SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("minting signing secret: %w", err)
	}
	sum := sha256.Sum256(secret)
	return secret, hex.EncodeToString(sum[:]), nil
}

func capabilitySet(caps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}
