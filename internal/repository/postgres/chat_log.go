package postgres

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
)

var chatLogColumns = []string{
	"id", "user_external_id", "user_text", "assistant_text",
	"input_tokens", "output_tokens", "model", "created_at",
}

const insertChatLogQuery = `
	INSERT INTO chat_logs (
		id, user_external_id, user_text, assistant_text,
		input_tokens, output_tokens, model, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING`

// ChatLogRepository appends chat logs through a pgx pool.
type ChatLogRepository struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger
}

var _ repository.ChatLogRepository = (*ChatLogRepository)(nil)

// NewChatLogRepository creates a new chat log repository
func NewChatLogRepository(pool *pgxpool.Pool, logger logrus.FieldLogger) *ChatLogRepository {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatLogRepository{pool: pool, logger: logger.WithField("repository", "chat_logs")}
}

// Insert appends a single chat log. Re-inserting an existing ID is a no-op.
func (r *ChatLogRepository) Insert(ctx context.Context, log models.ChatLog) error {
	_, err := r.pool.Exec(ctx, insertChatLogQuery,
		log.ID, log.UserID, log.UserText, log.AssistantText,
		log.InputTokens, log.OutputTokens, log.Model, log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert chat log %s: %w", log.ID, err)
	}
	return nil
}

// InsertBatch appends logs with COPY. COPY is all-or-nothing, so when it
// fails the rows are retried one by one and only the failing rows are
// reported.
func (r *ChatLogRepository) InsertBatch(ctx context.Context, logs []models.ChatLog) error {
	if len(logs) == 0 {
		return nil
	}

	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"chat_logs"}, chatLogColumns, pgx.CopyFromSlice(len(logs), func(i int) ([]interface{}, error) {
		l := logs[i]
		return []interface{}{
			l.ID, l.UserID, l.UserText, l.AssistantText,
			l.InputTokens, l.OutputTokens, l.Model, l.Timestamp,
		}, nil
	}))
	if err == nil {
		return nil
	}
	r.logger.WithError(err).WithField("rows", len(logs)).Warn("COPY into chat_logs failed; inserting rows individually")

	var result *multierror.Error
	for _, l := range logs {
		if err := r.Insert(ctx, l); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
