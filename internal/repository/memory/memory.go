// Package memory provides in-process repositories for local development
// and tests. Data does not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
)

// UserRepository implements repository.UserRepository using an in-memory map.
type UserRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewUserRepository creates an empty in-memory user repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[string]*models.User)}
}

// Upsert implements repository.UserRepository.
func (r *UserRepository) Upsert(ctx context.Context, u models.UserUpsert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.users[u.ExternalID]
	if !ok {
		row = &models.User{
			ID:         uuid.New().String(),
			ExternalID: u.ExternalID,
			Name:       "Unknown",
			CreatedAt:  u.CreatedAt,
		}
		r.users[u.ExternalID] = row
	}
	if u.Name != "" {
		row.Name = u.Name
	}
	row.Summary = u.Summary
	row.TotalInputTokens = u.TotalInputTokens
	row.TotalOutputTokens = u.TotalOutputTokens
	row.LastSeenAt = u.LastSeenAt
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveState implements repository.UserRepository.
func (r *UserRepository) SaveState(ctx context.Context, externalID string, state models.UserState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	row, ok := r.users[externalID]
	if !ok {
		row = &models.User{
			ID:         uuid.New().String(),
			ExternalID: externalID,
			Name:       "Unknown",
			CreatedAt:  now,
			LastSeenAt: now,
		}
		r.users[externalID] = row
	}
	row.Summary = state.Summary
	row.TotalInputTokens = state.TotalInputTokens
	row.TotalOutputTokens = state.TotalOutputTokens
	row.UpdatedAt = now
	return nil
}

// LoadState implements repository.UserRepository.
func (r *UserRepository) LoadState(ctx context.Context, externalID string) (*models.UserState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.users[externalID]
	if !ok {
		return nil, nil
	}
	return &models.UserState{
		Summary:           row.Summary,
		TotalInputTokens:  row.TotalInputTokens,
		TotalOutputTokens: row.TotalOutputTokens,
	}, nil
}

// Get returns a copy of the stored row for externalID.
func (r *UserRepository) Get(externalID string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.users[externalID]
	if !ok {
		return models.User{}, false
	}
	return *row, true
}

// ChatLogRepository implements repository.ChatLogRepository using a slice.
type ChatLogRepository struct {
	mu   sync.RWMutex
	logs []models.ChatLog
}

// NewChatLogRepository creates an empty in-memory chat log repository.
func NewChatLogRepository() *ChatLogRepository {
	return &ChatLogRepository{}
}

// Insert implements repository.ChatLogRepository.
func (r *ChatLogRepository) Insert(ctx context.Context, log models.ChatLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

// InsertBatch implements repository.ChatLogRepository.
func (r *ChatLogRepository) InsertBatch(ctx context.Context, logs []models.ChatLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, logs...)
	return nil
}

// All returns a copy of every stored record in insertion order.
func (r *ChatLogRepository) All() []models.ChatLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ChatLog, len(r.logs))
	copy(out, r.logs)
	return out
}

var (
	_ repository.UserRepository    = (*UserRepository)(nil)
	_ repository.ChatLogRepository = (*ChatLogRepository)(nil)
)
