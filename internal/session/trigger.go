package session

import "time"

// DefaultMaxUnsummarisedTokens is the rollup threshold used when none is
// configured.
const DefaultMaxUnsummarisedTokens = 5000

// NeedsRollup decides whether s must be compacted. It is true when the
// unsummarised token sum reaches maxUnsummarisedTokens, or when idleTTL is
// positive and s has been inactive for longer than idleTTL at now. Lifetime
// totals never influence the decision. A non-positive threshold selects
// DefaultMaxUnsummarisedTokens.
func NeedsRollup(s Session, maxUnsummarisedTokens int, idleTTL time.Duration, now time.Time) bool {
	if maxUnsummarisedTokens <= 0 {
		maxUnsummarisedTokens = DefaultMaxUnsummarisedTokens
	}
	if s.UnsummarisedTokens() >= maxUnsummarisedTokens {
		return true
	}
	return idleTTL > 0 && now.Sub(s.LastActive) > idleTTL
}
