package session

import "errors"

// Common errors for session store operations.
var (
	ErrSessionExists  = errors.New("session already exists")
	ErrInvalidRole    = errors.New("invalid turn role")
	ErrNegativeTokens = errors.New("token counts must not be negative")
	ErrRollupFailed   = errors.New("session rollup failed")
	ErrEmptySummary   = errors.New("summarizer returned an empty summary")
)
