package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/metrics"
)

// Summary is the result of one summarizer invocation.
type Summary struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Summarizer folds recent history into an existing running summary. It
// must return an error rather than an empty summary on failure and be safe
// to retry.
type Summarizer interface {
	Summarize(ctx context.Context, existingSummary, historyText string) (Summary, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, existingSummary, historyText string) (Summary, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, existingSummary, historyText string) (Summary, error) {
	return f(ctx, existingSummary, historyText)
}

// RollupResult describes the outcome of Store.Rollup.
type RollupResult struct {
	// Found is false when no live session exists for the key.
	Found bool
	// Summarized is true when the summarizer ran and its output was applied.
	Summarized bool
	// Summary is the session's summary after the call.
	Summary string
	// InputTokens and OutputTokens are the summarizer's reported usage.
	InputTokens  int
	OutputTokens int
	// Session is a copy of the session after the call.
	Session Session
}

// Rollup compacts the history of the session for key into its running
// summary.
//
// With an empty history the summarizer is not called: the unsummarised
// counters are reset and the current summary is returned. Otherwise the
// history is flattened with FormatHistory and passed to summarizer together
// with the current summary. On success the summarised turns are dropped,
// the unsummarised counters are reduced by what was summarised and the
// summarizer's own usage is added to the lifetime totals only. On failure
// the session is left untouched apart from its failure counter; no retry is
// attempted here.
//
// Rollups for the same key are serialised. The summarizer runs without the
// session lock held, so turns appended meanwhile are kept for the next
// rollup.
func (st *Store) Rollup(ctx context.Context, key string, summarizer Summarizer) (RollupResult, error) {
	e := st.lookup(key)
	if e == nil {
		return RollupResult{}, nil
	}

	e.rollMu.Lock()
	defer e.rollMu.Unlock()

	e.mu.Lock()
	if len(e.s.History) == 0 {
		e.s.UnsummarisedInputTokens = 0
		e.s.UnsummarisedOutputTokens = 0
		res := RollupResult{Found: true, Summary: e.s.Summary, Session: e.s.clone()}
		e.mu.Unlock()
		st.metrics.Inc(metrics.RollupSkipped)
		return res, nil
	}
	pending := make([]Turn, len(e.s.History))
	copy(pending, e.s.History)
	prior := e.s.Summary
	pendingIn, pendingOut := e.s.UnsummarisedInputTokens, e.s.UnsummarisedOutputTokens
	e.mu.Unlock()

	callCtx := ctx
	if st.rollupTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, st.rollupTimeout)
		defer cancel()
	}

	started := time.Now()
	sum, err := summarizer.Summarize(callCtx, prior, FormatHistory(pending))
	if err == nil && strings.TrimSpace(sum.Text) == "" {
		err = ErrEmptySummary
	}
	if err != nil {
		e.mu.Lock()
		e.s.RollupFailures++
		failures := e.s.RollupFailures
		unsummarised := e.s.UnsummarisedTokens()
		snap := e.s.clone()
		e.mu.Unlock()

		st.metrics.Inc(metrics.RollupFailed)
		st.logger.WithError(err).WithFields(logrus.Fields{
			"session":              key,
			"consecutive_failures": failures,
			"unsummarised_tokens":  unsummarised,
			"pending_turns":        len(pending),
		}).Warn("Session rollup failed; history kept for next attempt")

		return RollupResult{Found: true, Summary: prior, Session: snap},
			fmt.Errorf("%w for %s: %w", ErrRollupFailed, key, err)
	}
	st.metrics.Inc(metrics.RollupSucceeded)
	st.metrics.ObserveLatency(metrics.RollupSucceeded, time.Since(started))

	e.mu.Lock()
	defer e.mu.Unlock()

	e.s.Summary = sum.Text
	if len(e.s.History) >= len(pending) {
		rest := e.s.History[len(pending):]
		e.s.History = make([]Turn, len(rest))
		copy(e.s.History, rest)
	} else {
		e.s.History = nil
	}
	e.s.UnsummarisedInputTokens = max(0, e.s.UnsummarisedInputTokens-pendingIn)
	e.s.UnsummarisedOutputTokens = max(0, e.s.UnsummarisedOutputTokens-pendingOut)
	e.s.TotalInputTokens += sum.InputTokens
	e.s.TotalOutputTokens += sum.OutputTokens
	e.s.RollupFailures = 0

	st.logger.WithFields(logrus.Fields{
		"session":       key,
		"turns":         len(pending),
		"input_tokens":  sum.InputTokens,
		"output_tokens": sum.OutputTokens,
	}).Debug("Session rolled up")

	return RollupResult{
		Found:        true,
		Summarized:   true,
		Summary:      sum.Text,
		InputTokens:  sum.InputTokens,
		OutputTokens: sum.OutputTokens,
		Session:      e.s.clone(),
	}, nil
}
