package models

import (
	"time"
)

// UserUpsert is a write-behind snapshot of a user's durable record. All
// fields except CreatedAt overwrite the stored row; CreatedAt is applied
// only when the row is first inserted. An empty Name keeps the stored name.
type UserUpsert struct {
	ExternalID        string    `json:"external_id" db:"external_id"`
	Name              string    `json:"name,omitempty" db:"name"`
	Summary           string    `json:"summary" db:"summary"`
	TotalInputTokens  int       `json:"total_input_tokens" db:"total_input_tokens"`
	TotalOutputTokens int       `json:"total_output_tokens" db:"total_output_tokens"`
	LastSeenAt        time.Time `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// State returns the session-restorable part of the record.
func (u UserUpsert) State() UserState {
	return UserState{
		Summary:           u.Summary,
		TotalInputTokens:  u.TotalInputTokens,
		TotalOutputTokens: u.TotalOutputTokens,
	}
}

// UserState is the persisted conversational state used to seed a session
// after a restart.
type UserState struct {
	Summary           string `json:"summary" db:"summary"`
	TotalInputTokens  int    `json:"total_input_tokens" db:"total_input_tokens"`
	TotalOutputTokens int    `json:"total_output_tokens" db:"total_output_tokens"`
}

// User is a stored user row.
type User struct {
	ID                string    `json:"id" db:"id"`
	ExternalID        string    `json:"external_id" db:"external_id"`
	Name              string    `json:"name" db:"name"`
	Summary           string    `json:"summary" db:"summary"`
	TotalInputTokens  int       `json:"total_input_tokens" db:"total_input_tokens"`
	TotalOutputTokens int       `json:"total_output_tokens" db:"total_output_tokens"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	LastSeenAt        time.Time `json:"last_seen_at" db:"last_seen_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}
