// Package session holds the live, in-memory conversational state for each
// end-user and the rollup machinery that compacts detailed turn history into
// a running summary.
//
// Every operation on an absent key lazily creates a default session rather
// than failing; callers that need to seed a session from durable state must
// do so before the first touch (see Store.CreateExclusive).
package session

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is a single conversation message.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is a value copy of one user's conversational state. Copies are
// handed out by the Store; mutating a copy never affects the store.
type Session struct {
	Key                      string    `json:"key"`
	History                  []Turn    `json:"history"`
	Summary                  string    `json:"summary"`
	TotalInputTokens         int       `json:"total_input_tokens"`
	TotalOutputTokens        int       `json:"total_output_tokens"`
	UnsummarisedInputTokens  int       `json:"unsummarised_input_tokens"`
	UnsummarisedOutputTokens int       `json:"unsummarised_output_tokens"`
	CreatedAt                time.Time `json:"created_at"`
	LastActive               time.Time `json:"last_active"`

	// Generation increments on every touch. The idle pruner compares it
	// before eviction to detect concurrent activity.
	Generation uint64 `json:"generation"`

	// RollupFailures counts consecutive summarizer failures.
	RollupFailures int `json:"rollup_failures"`
}

// UnsummarisedTokens returns the token count accrued since the last rollup.
func (s Session) UnsummarisedTokens() int {
	return s.UnsummarisedInputTokens + s.UnsummarisedOutputTokens
}

// IdleFor returns how long the session has been inactive at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActive)
}

func (s Session) clone() Session {
	out := s
	if s.History != nil {
		out.History = make([]Turn, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

// Seed carries previously persisted state used to initialise a session.
// Restored sessions always start with zero unsummarised tokens.
type Seed struct {
	Summary           string
	TotalInputTokens  int
	TotalOutputTokens int
}

// FormatHistory flattens turns into a single text blob, one "role: content"
// line per turn, in chronological order.
func FormatHistory(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, t.Content)
	}
	return b.String()
}
