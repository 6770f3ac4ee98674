// Package registry manages the fleet of agents: enrollment through
// single-use tokens, API-key authentication, heartbeat processing with
// binary attestation, command draining, revocation, and the offline
// sweep.
//
// Enrollment contract: the agent presents a registration token plus its
// (version, platform, binary_checksum) triple. The token flips to used
// exactly once inside the registration transaction, the triple must
// match an artifact of an active release manifest, and the API key is
// returned exactly once — only its SHA-256 and a 16-character prefix
// label are stored.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

const (
	// apiKeyPrefix tags every agent API key so leaked keys are
	// recognizable in logs and secret scanners.
	apiKeyPrefix = "ssk_"

	// apiKeyBytes is the entropy of the random part of an API key.
	apiKeyBytes = 32

	// tokenBytes is the entropy of a registration token.
	tokenBytes = 32

	// tokenLifetime is the default validity of a registration token.
	tokenLifetime = 24 * time.Hour

	// HeartbeatInterval is the cadence agents are expected to beat at.
	HeartbeatInterval = 30 * time.Second

	// offlineAfter is how long without a heartbeat before the sweep
	// marks an agent offline (3 missed intervals).
	offlineAfter = 3 * HeartbeatInterval
)

var (
	// ErrTokenInvalid is returned for unknown or expired tokens.
	ErrTokenInvalid = errors.New("registry: registration token invalid or expired")

	// ErrTokenUsed is returned when the token was already consumed.
	ErrTokenUsed = errors.New("registry: registration token already used")

	// ErrChecksumUnknown is returned when the attestation triple matches
	// no artifact of any active release manifest.
	ErrChecksumUnknown = errors.New("registry: binary checksum not in release manifest")

	// ErrAgentRevoked is returned on any authenticated call from a
	// revoked agent. The agent must exit with code 2.
	ErrAgentRevoked = errors.New("registry: agent has been revoked")

	// ErrKeyInvalid is returned when no agent matches the presented key.
	ErrKeyInvalid = errors.New("registry: unknown API key")
)

// Service owns agent lifecycle operations.
type Service struct {
	repos  *repositories.Repositories
	hub    *events.Hub
	logger *zap.Logger
}

// New creates a registry Service.
func New(repos *repositories.Repositories, hub *events.Hub, logger *zap.Logger) *Service {
	return &Service{
		repos:  repos,
		hub:    hub,
		logger: logger.Named("registry"),
	}
}

// MintToken creates a single-use registration token for the team. The
// raw token is returned exactly once; only its hash is stored.
func (s *Service) MintToken(ctx context.Context, teamID, createdBy uuid.UUID) (string, *db.RegistrationToken, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("registry: mint token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	row := &db.RegistrationToken{
		TeamID:      teamID,
		CreatedByID: createdBy,
		TokenHash:   hashString(token),
		ExpiresAt:   time.Now().UTC().Add(tokenLifetime),
	}
	if err := s.repos.Tokens.Create(ctx, row); err != nil {
		return "", nil, fmt.Errorf("registry: mint token: %w", err)
	}
	return token, row, nil
}

// Register enrolls one agent. The whole operation — token consumption,
// SYSTEM user creation, agent creation — runs in a single transaction so
// two concurrent registrations with the same token produce exactly one
// agent.
func (s *Service) Register(ctx context.Context, req wire.RegisterRequest) (*db.Agent, string, error) {
	token, err := s.repos.Tokens.GetByHash(ctx, hashString(req.Token))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, "", ErrTokenInvalid
		}
		return nil, "", fmt.Errorf("registry: register: %w", err)
	}
	if time.Now().UTC().After(token.ExpiresAt) {
		return nil, "", ErrTokenInvalid
	}
	if token.IsUsed {
		return nil, "", ErrTokenUsed
	}

	match, err := s.repos.Releases.MatchActiveArtifact(ctx, req.Version, string(req.Platform), req.BinaryChecksum)
	if err != nil {
		return nil, "", fmt.Errorf("registry: register: %w", err)
	}
	if !match {
		return nil, "", ErrChecksumUnknown
	}

	caps := normalizeCapabilities(req.Capabilities)
	roots, err := normalizeRoots(req.AuthorizedRoots)
	if err != nil {
		return nil, "", err
	}

	rawKey, keyHash, keyLabel, err := mintAPIKey()
	if err != nil {
		return nil, "", err
	}

	var agent *db.Agent
	err = s.repos.WithTx(ctx, func(tx *repositories.Repositories) error {
		// A dedicated SYSTEM user gives the agent an identity in audit
		// trails without sharing any human account.
		sysUser := &db.User{
			TeamID:      token.TeamID,
			Email:       fmt.Sprintf("agent+%s@system.local", strings.ToLower(req.Name)),
			DisplayName: req.Name,
			Type:        string(types.UserTypeSystem),
			Role:        string(types.UserRoleOperator),
			IsActive:    true,
		}
		if err := tx.Users.Create(ctx, sysUser); err != nil {
			return err
		}

		agent = &db.Agent{
			TeamID:          token.TeamID,
			UserID:          sysUser.ID,
			Name:            req.Name,
			Hostname:        req.Hostname,
			Platform:        string(req.Platform),
			Version:         req.Version,
			BinaryChecksum:  req.BinaryChecksum,
			Status:          string(types.AgentStatusOffline),
			IsVerified:      true,
			APIKeyHash:      keyHash,
			APIKeyPrefix:    keyLabel,
			Capabilities:    db.EncodeStringList(caps),
			AuthorizedRoots: db.EncodeStringList(roots),
		}
		if err := tx.Agents.Create(ctx, agent); err != nil {
			return err
		}

		// Consume flips is_used exactly once; a concurrent registration
		// that lost the race gets ErrConflict here and rolls back.
		return tx.Tokens.Consume(ctx, token.ID, agent.ID)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, "", ErrTokenUsed
		}
		return nil, "", fmt.Errorf("registry: register: %w", err)
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("name", agent.Name),
		zap.String("platform", agent.Platform),
		zap.String("version", agent.Version),
	)
	return agent, rawKey, nil
}

// AuthenticateKey resolves an API key to its agent. Revoked agents
// authenticate — the caller needs the identity to answer with the
// dedicated revocation error — but every other path must check
// ErrAgentRevoked before doing work.
func (s *Service) AuthenticateKey(ctx context.Context, rawKey string) (*db.Agent, error) {
	if !strings.HasPrefix(rawKey, apiKeyPrefix) {
		return nil, ErrKeyInvalid
	}
	agent, err := s.repos.Agents.GetByAPIKeyHash(ctx, hashString(rawKey))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrKeyInvalid
		}
		return nil, fmt.Errorf("registry: authenticate: %w", err)
	}
	return agent, nil
}

// Heartbeat processes one liveness report: refresh status and metrics,
// re-verify the attestation triple, compute the version verdict, and
// drain pending commands.
func (s *Service) Heartbeat(ctx context.Context, agent *db.Agent, req wire.HeartbeatRequest) (wire.HeartbeatResponse, error) {
	if agent.Status == string(types.AgentStatusRevoked) {
		return wire.HeartbeatResponse{}, ErrAgentRevoked
	}

	now := time.Now().UTC()
	wasOnline := agent.Status == string(types.AgentStatusOnline)

	agent.Status = string(types.AgentStatusOnline)
	agent.LastHeartbeatAt = &now
	agent.Version = req.Version
	agent.Platform = string(req.Platform)
	agent.BinaryChecksum = req.BinaryChecksum
	if len(req.Capabilities) > 0 {
		agent.Capabilities = db.EncodeStringList(normalizeCapabilities(req.Capabilities))
	}
	if raw, err := json.Marshal(req.Metrics); err == nil {
		agent.Metrics = string(raw)
	}

	// Attestation re-check: a checksum that no longer matches any active
	// artifact un-verifies the agent. It may keep beating but will be
	// refused on claim and complete until a known build is presented.
	match, err := s.repos.Releases.MatchActiveArtifact(ctx, req.Version, string(req.Platform), req.BinaryChecksum)
	if err != nil {
		return wire.HeartbeatResponse{}, fmt.Errorf("registry: heartbeat: %w", err)
	}
	if agent.IsVerified && !match {
		s.logger.Warn("agent binary no longer matches release manifest",
			zap.String("agent_id", agent.ID.String()),
			zap.String("version", req.Version),
			zap.String("checksum", req.BinaryChecksum),
		)
	}
	agent.IsVerified = match

	latest, outdated, err := s.versionVerdict(ctx, string(req.Platform), req.Version)
	if err != nil {
		return wire.HeartbeatResponse{}, err
	}
	agent.IsOutdated = outdated

	var commands []string
	err = s.repos.WithTx(ctx, func(tx *repositories.Repositories) error {
		// Re-read inside the transaction, with the row locked on
		// postgres, so commands appended since our snapshot are not
		// lost by the drain.
		fresh, err := tx.Agents.GetByIDForUpdate(ctx, agent.ID)
		if err != nil {
			return err
		}
		commands = db.DecodeStringList(fresh.PendingCommands)
		agent.PendingCommands = db.EncodeStringList(nil)
		return tx.Agents.Update(ctx, agent)
	})
	if err != nil {
		return wire.HeartbeatResponse{}, fmt.Errorf("registry: heartbeat: %w", err)
	}

	metrics.HeartbeatsReceived.Inc()
	if !wasOnline {
		s.hub.PublishAgent(agent.TeamID.String(), agent.ID.String(), events.MsgAgentStatus, events.AgentStatusPayload{
			GUID:   agent.ID.String(),
			Name:   agent.Name,
			Status: agent.Status,
		})
	}
	s.hub.PublishAgent(agent.TeamID.String(), agent.ID.String(), events.MsgAgentMetrics, events.AgentMetricsPayload{
		GUID:          agent.ID.String(),
		CPUPercent:    req.Metrics.CPUPercent,
		MemoryPercent: req.Metrics.MemoryPercent,
		DiskPercent:   req.Metrics.DiskPercent,
	})

	resp := wire.HeartbeatResponse{
		PendingCommands: commands,
		IsOutdated:      outdated,
	}
	if outdated {
		resp.LatestVersion = latest
	}
	return resp, nil
}

// Revoke terminally disables an agent. Every subsequent authenticated
// request from it is answered with the revocation error.
func (s *Service) Revoke(ctx context.Context, agentID uuid.UUID, reason string) (*db.Agent, error) {
	agent, err := s.repos.Agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == string(types.AgentStatusRevoked) {
		return agent, nil
	}

	now := time.Now().UTC()
	agent.Status = string(types.AgentStatusRevoked)
	agent.RevokedAt = &now
	agent.RevocationReason = reason
	if err := s.repos.Agents.Update(ctx, agent); err != nil {
		return nil, err
	}

	s.hub.PublishAgent(agent.TeamID.String(), agent.ID.String(), events.MsgAgentStatus, events.AgentStatusPayload{
		GUID:   agent.ID.String(),
		Name:   agent.Name,
		Status: agent.Status,
	})
	s.logger.Info("agent revoked",
		zap.String("agent_id", agent.ID.String()),
		zap.String("reason", reason),
	)
	return agent, nil
}

// SweepOffline marks agents that missed three heartbeat intervals as
// offline and refreshes the status gauge. Wired to the background
// scheduler.
func (s *Service) SweepOffline(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-offlineAfter)
	n, err := s.repos.Agents.MarkOfflineStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("offline sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("agents marked offline", zap.Int64("count", n))
	}

	counts, err := s.repos.Agents.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("agent status count failed", zap.Error(err))
		return
	}
	for _, status := range []types.AgentStatus{
		types.AgentStatusOnline, types.AgentStatusOffline,
		types.AgentStatusError, types.AgentStatusRevoked,
	} {
		metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(counts[string(status)]))
	}
}

// SweepTokens purges expired registration tokens.
func (s *Service) SweepTokens(ctx context.Context) {
	n, err := s.repos.Tokens.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("token sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired registration tokens purged", zap.Int64("count", n))
	}
}

// versionVerdict compares the agent's version against the newest active
// manifest that ships an artifact for its platform.
func (s *Service) versionVerdict(ctx context.Context, platform, agentVersion string) (latest string, outdated bool, err error) {
	versions, err := s.repos.Releases.ListActiveVersions(ctx, platform)
	if err != nil {
		return "", false, fmt.Errorf("registry: version verdict: %w", err)
	}
	for _, v := range versions {
		if latest == "" || compareVersions(v, latest) > 0 {
			latest = v
		}
	}
	if latest == "" {
		return "", false, nil
	}
	return latest, compareVersions(latest, agentVersion) > 0, nil
}

// compareVersions compares dotted numeric versions ("1.2.3"), returning
// -1, 0, or 1. A leading "v" is tolerated; non-numeric segments compare
// as strings.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		default:
			if sa != sb {
				if sa < sb {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}

// normalizeCapabilities deduplicates the declared set and guarantees the
// baseline local_filesystem capability is present.
func normalizeCapabilities(caps []string) []string {
	seen := map[string]struct{}{types.CapabilityLocalFilesystem: {}}
	out := []string{types.CapabilityLocalFilesystem}
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// normalizeRoots validates that every authorized root is an absolute
// path and cleans it.
func normalizeRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if !filepath.IsAbs(r) {
			return nil, fmt.Errorf("registry: authorized root %q is not absolute", r)
		}
		out = append(out, filepath.Clean(r))
	}
	return out, nil
}

// hashString returns the SHA-256 hex digest of s.
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// mintAPIKey builds a fresh opaque API key plus the stored hash and the
// 16-character display prefix.
func mintAPIKey() (raw, hash, label string, err error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("registry: mint api key: %w", err)
	}
	raw = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	label = raw
	if len(label) > 16 {
		label = label[:16]
	}
	return raw, hashString(raw), label, nil
}
