package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// -----------------------------------------------------------------------------
// Agent
// -----------------------------------------------------------------------------

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Soft-deleted agents are excluded.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByIDForUpdate is GetByID with the row locked FOR UPDATE on
// PostgreSQL. Callers mutating the JSON command queue must read through
// this inside a transaction, or a concurrent append between the read and
// the write is silently overwritten. SQLite runs with a single write
// connection and rejects FOR UPDATE syntax, so no lock is emitted there.
func (r *gormAgentRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var agent db.Agent
	if err := q.First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id for update: %w", err)
	}
	return &agent, nil
}

// GetByAPIKeyHash resolves the agent behind a presented API key. The hash
// is globally unique, so no team scoping applies — authentication happens
// before the team is known.
func (r *gormAgentRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "api_key_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by api key hash: %w", err)
	}
	return &agent, nil
}

func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// AppendPendingCommand pushes one command onto the agent's queue inside
// its own transaction so concurrent appends never lose entries.
func (r *gormAgentRepository) AppendPendingCommand(ctx context.Context, id uuid.UUID, command string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			// Lock the row so a concurrent heartbeat drain cannot read
			// the queue before this append commits.
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var agent db.Agent
		if err := q.First(&agent, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("agents: append command load: %w", err)
		}

		commands := append(db.DecodeStringList(agent.PendingCommands), command)
		result := tx.Model(&db.Agent{}).
			Where("id = ?", id).
			Update("pending_commands", db.EncodeStringList(commands))
		if result.Error != nil {
			return fmt.Errorf("agents: append command: %w", result.Error)
		}
		return nil
	})
}

// MarkOfflineStale flips online agents whose heartbeat predates cutoff to
// offline. Revoked agents are never touched.
func (r *gormAgentRepository) MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("status = ?", string(types.AgentStatusOnline)).
		Where("last_heartbeat_at IS NULL OR last_heartbeat_at < ?", cutoff).
		Update("status", string(types.AgentStatusOffline))
	if result.Error != nil {
		return 0, fmt.Errorf("agents: mark offline stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormAgentRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("agents: count by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Status] = rw.N
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// RegistrationToken
// -----------------------------------------------------------------------------

// gormRegistrationTokenRepository is the GORM implementation of
// RegistrationTokenRepository.
type gormRegistrationTokenRepository struct {
	db *gorm.DB
}

// NewRegistrationTokenRepository returns a RegistrationTokenRepository
// backed by the provided *gorm.DB.
func NewRegistrationTokenRepository(db *gorm.DB) RegistrationTokenRepository {
	return &gormRegistrationTokenRepository{db: db}
}

func (r *gormRegistrationTokenRepository) Create(ctx context.Context, token *db.RegistrationToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("registration tokens: create: %w", err)
	}
	return nil
}

func (r *gormRegistrationTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RegistrationToken, error) {
	var token db.RegistrationToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registration tokens: get by hash: %w", err)
	}
	return &token, nil
}

// Consume marks a token used. The is_used guard in the WHERE clause makes
// the flip single-shot: the second of two concurrent registrations sees
// zero rows affected and gets ErrConflict.
func (r *gormRegistrationTokenRepository) Consume(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.RegistrationToken{}).
		Where("id = ? AND is_used = ?", id, false).
		Updates(map[string]interface{}{
			"is_used":          true,
			"used_by_agent_id": agentID,
		})
	if result.Error != nil {
		return fmt.Errorf("registration tokens: consume: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *gormRegistrationTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&db.RegistrationToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("registration tokens: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
