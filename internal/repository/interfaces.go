package repository

import (
	"context"

	"github.com/mirchat/mir-backend/internal/models"
)

// UserRepository defines durable user-state operations.
type UserRepository interface {
	// Upsert merges u into the row keyed by u.ExternalID. CreatedAt is set
	// only when the row is inserted.
	Upsert(ctx context.Context, u models.UserUpsert) error

	// SaveState writes a session's terminal summary and token totals.
	SaveState(ctx context.Context, externalID string, state models.UserState) error

	// LoadState returns the persisted state for externalID, or nil when no
	// user row exists.
	LoadState(ctx context.Context, externalID string) (*models.UserState, error)
}

// ChatLogRepository defines append-only chat log storage.
type ChatLogRepository interface {
	// Insert appends a single record.
	Insert(ctx context.Context, log models.ChatLog) error

	// InsertBatch appends records without ordering guarantees. A failing
	// record must not prevent the others from being stored; the returned
	// error describes the failures.
	InsertBatch(ctx context.Context, logs []models.ChatLog) error
}

// Sink bundles the repositories that make up the persistence boundary.
type Sink struct {
	Users    UserRepository
	ChatLogs ChatLogRepository
}
