// Package supabase persists users and chat logs through Supabase's
// PostgREST API.
package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/supabase-community/supabase-go"

	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
)

const (
	usersTable    = "users"
	chatLogsTable = "chat_logs"
)

// Config holds Supabase connection configuration
type Config struct {
	URL    string
	APIKey string
}

// Client implements the user and chat log repositories on Supabase.
type Client struct {
	client *supabase.Client
}

var (
	_ repository.UserRepository    = (*Client)(nil)
	_ repository.ChatLogRepository = (*Client)(nil)
)

// New creates a new Supabase client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &Client{client: client}, nil
}

// Upsert merges a user record by external ID. created_at is left to the
// column default so it is only set on insert, and an empty name is not
// sent so the stored name survives.
func (c *Client) Upsert(ctx context.Context, u models.UserUpsert) error {
	row := map[string]interface{}{
		"external_id":         u.ExternalID,
		"summary":             u.Summary,
		"total_input_tokens":  u.TotalInputTokens,
		"total_output_tokens": u.TotalOutputTokens,
		"last_seen_at":        u.LastSeenAt.UTC().Format(time.RFC3339Nano),
		"updated_at":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if u.Name != "" {
		row["name"] = u.Name
	}

	_, _, err := c.client.From(usersTable).
		Upsert(row, "external_id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ExternalID, err)
	}
	return nil
}

// SaveState writes the session-restorable state for a user.
func (c *Client) SaveState(ctx context.Context, externalID string, state models.UserState) error {
	row := map[string]interface{}{
		"external_id":         externalID,
		"summary":             state.Summary,
		"total_input_tokens":  state.TotalInputTokens,
		"total_output_tokens": state.TotalOutputTokens,
		"updated_at":          time.Now().UTC().Format(time.RFC3339Nano),
	}

	_, _, err := c.client.From(usersTable).
		Upsert(row, "external_id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", externalID, err)
	}
	return nil
}

// LoadState returns the stored state, or nil when the user is unknown.
func (c *Client) LoadState(ctx context.Context, externalID string) (*models.UserState, error) {
	var states []models.UserState
	_, err := c.client.From(usersTable).
		Select("summary,total_input_tokens,total_output_tokens", "", false).
		Eq("external_id", externalID).
		ExecuteTo(&states)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", externalID, err)
	}
	if len(states) == 0 {
		return nil, nil
	}
	return &states[0], nil
}

type chatLogRow struct {
	ID            string `json:"id"`
	UserID        string `json:"user_external_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`
	Model         string `json:"model"`
	CreatedAt     string `json:"created_at"`
}

func newChatLogRow(l models.ChatLog) chatLogRow {
	return chatLogRow{
		ID:            l.ID.String(),
		UserID:        l.UserID,
		UserText:      l.UserText,
		AssistantText: l.AssistantText,
		InputTokens:   l.InputTokens,
		OutputTokens:  l.OutputTokens,
		Model:         l.Model,
		CreatedAt:     l.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Insert appends one chat log.
func (c *Client) Insert(ctx context.Context, log models.ChatLog) error {
	_, _, err := c.client.From(chatLogsTable).
		Insert(newChatLogRow(log), false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to insert chat log %s: %w", log.ID, err)
	}
	return nil
}

// InsertBatch inserts rows individually so one rejected row does not
// block the rest.
func (c *Client) InsertBatch(ctx context.Context, logs []models.ChatLog) error {
	var result *multierror.Error
	for _, l := range logs {
		if err := c.Insert(ctx, l); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
