package writebehind

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
)

// UserFlusher returns a FlushFunc that coalesces a batch by external ID and
// upserts each resulting record independently.
func UserFlusher(repo repository.UserRepository) FlushFunc[models.UserUpsert] {
	return func(ctx context.Context, batch []models.UserUpsert) error {
		var result *multierror.Error
		for _, u := range CoalesceUsers(batch) {
			if err := repo.Upsert(ctx, u); err != nil {
				result = multierror.Append(result, fmt.Errorf("upsert user %s: %w", u.ExternalID, err))
			}
		}
		return result.ErrorOrNil()
	}
}

// ChatLogFlusher returns a FlushFunc that appends a batch of chat logs.
func ChatLogFlusher(repo repository.ChatLogRepository) FlushFunc[models.ChatLog] {
	return func(ctx context.Context, batch []models.ChatLog) error {
		return repo.InsertBatch(ctx, batch)
	}
}

// CoalesceUsers merges records that share an external ID. The latest
// record's fields win, a non-empty Name is kept if the latest has none, and
// the earliest CreatedAt is kept because it only matters on first insert.
// The order of first appearance is preserved.
func CoalesceUsers(batch []models.UserUpsert) []models.UserUpsert {
	index := make(map[string]int, len(batch))
	out := make([]models.UserUpsert, 0, len(batch))

	for _, u := range batch {
		i, seen := index[u.ExternalID]
		if !seen {
			index[u.ExternalID] = len(out)
			out = append(out, u)
			continue
		}

		prev := out[i]
		merged := u
		if merged.Name == "" {
			merged.Name = prev.Name
		}
		if !prev.CreatedAt.IsZero() && (merged.CreatedAt.IsZero() || prev.CreatedAt.Before(merged.CreatedAt)) {
			merged.CreatedAt = prev.CreatedAt
		}
		out[i] = merged
	}
	return out
}
