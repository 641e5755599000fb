package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatLog is one append-only exchange record. It is never updated after
// insertion.
type ChatLog struct {
	ID            uuid.UUID `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_external_id"`
	UserText      string    `json:"user_text" db:"user_text"`
	AssistantText string    `json:"assistant_text" db:"assistant_text"`
	InputTokens   int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int       `json:"output_tokens" db:"output_tokens"`
	Model         string    `json:"model,omitempty" db:"model"`
	Timestamp     time.Time `json:"timestamp" db:"created_at"`
}

// NewChatLog builds a chat log record with a fresh ID.
func NewChatLog(userID, userText, assistantText string, inputTokens, outputTokens int, model string, at time.Time) ChatLog {
	return ChatLog{
		ID:            uuid.New(),
		UserID:        userID,
		UserText:      userText,
		AssistantText: assistantText,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		Model:         model,
		Timestamp:     at,
	}
}
