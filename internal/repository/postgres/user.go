package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
)

// UserRepository handles user data access
type UserRepository struct {
	db *sqlx.DB
}

var _ repository.UserRepository = (*UserRepository)(nil)

// NewUserRepository creates a new user repository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert inserts or updates a user by external ID. created_at is written
// only on insert and an empty name keeps the stored one.
func (r *UserRepository) Upsert(ctx context.Context, u models.UserUpsert) error {
	query := `
		INSERT INTO users (
			external_id, name, summary, total_input_tokens, total_output_tokens,
			last_seen_at, created_at, updated_at
		) VALUES (
			:external_id, COALESCE(NULLIF(:name, ''), 'Unknown'), :summary,
			:total_input_tokens, :total_output_tokens, :last_seen_at, :created_at, NOW()
		)
		ON CONFLICT (external_id) DO UPDATE SET
			name = CASE WHEN :name = '' THEN users.name ELSE EXCLUDED.name END,
			summary = EXCLUDED.summary,
			total_input_tokens = EXCLUDED.total_input_tokens,
			total_output_tokens = EXCLUDED.total_output_tokens,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = NOW()`

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.LastSeenAt.IsZero() {
		u.LastSeenAt = u.CreatedAt
	}
	if _, err := r.db.NamedExecContext(ctx, query, u); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ExternalID, err)
	}
	return nil
}

// SaveState writes the session-restorable state, creating the user row if
// needed.
func (r *UserRepository) SaveState(ctx context.Context, externalID string, state models.UserState) error {
	query := `
		INSERT INTO users (external_id, summary, total_input_tokens, total_output_tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			total_input_tokens = EXCLUDED.total_input_tokens,
			total_output_tokens = EXCLUDED.total_output_tokens,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		externalID, state.Summary, state.TotalInputTokens, state.TotalOutputTokens,
	)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", externalID, err)
	}
	return nil
}

// LoadState returns the stored state, or nil when the user is unknown.
func (r *UserRepository) LoadState(ctx context.Context, externalID string) (*models.UserState, error) {
	var state models.UserState
	query := `
		SELECT summary, total_input_tokens, total_output_tokens
		FROM users
		WHERE external_id = $1`

	err := r.db.GetContext(ctx, &state, query, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", externalID, err)
	}
	return &state, nil
}
