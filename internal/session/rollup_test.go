package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirchat/mir-backend/internal/metrics"
)

// stubSummarizer records calls and returns a fixed result.
type stubSummarizer struct {
	mu      sync.Mutex
	calls   int
	prior   []string
	history []string
	result  Summary
	err     error
}

func (s *stubSummarizer) Summarize(ctx context.Context, existing, history string) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prior = append(s.prior, existing)
	s.history = append(s.history, history)
	return s.result, s.err
}

func TestRollup_AbsentSession(t *testing.T) {
	st := NewStore()
	sum := &stubSummarizer{}

	res, err := st.Rollup(context.Background(), "nobody", sum)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Zero(t, sum.calls)
	assert.False(t, st.Exists("nobody"))
}

func TestRollup_EmptyHistoryIsNoop(t *testing.T) {
	st := NewStore()
	st.Create("U1", Seed{Summary: "earlier", TotalInputTokens: 10})
	require.NoError(t, st.AddTokens("U1", 40, 60, true))
	sum := &stubSummarizer{result: Summary{Text: "should not be used"}}

	res, err := st.Rollup(context.Background(), "U1", sum)
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.False(t, res.Summarized)
	assert.Equal(t, "earlier", res.Summary)
	assert.Zero(t, sum.calls)

	s, _ := st.Peek("U1")
	assert.Equal(t, "earlier", s.Summary)
	assert.Zero(t, s.UnsummarisedInputTokens)
	assert.Zero(t, s.UnsummarisedOutputTokens)
	assert.Equal(t, 50, s.TotalInputTokens)
}

func TestRollup_Success(t *testing.T) {
	st := NewStore()
	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))
	require.NoError(t, st.AppendTurn("U1", RoleAssistant, "b"))
	require.NoError(t, st.AddTokens("U1", 700, 300, true))
	sum := &stubSummarizer{result: Summary{Text: "user said a", InputTokens: 80, OutputTokens: 20}}

	res, err := st.Rollup(context.Background(), "U1", sum)
	require.NoError(t, err)

	assert.True(t, res.Summarized)
	assert.Equal(t, "user said a", res.Summary)
	assert.Equal(t, 1, sum.calls)
	assert.Equal(t, "", sum.prior[0])
	assert.Equal(t, "user: a\nassistant: b", sum.history[0])

	s, _ := st.Peek("U1")
	assert.Empty(t, s.History)
	assert.Equal(t, "user said a", s.Summary)
	assert.Zero(t, s.UnsummarisedInputTokens)
	assert.Zero(t, s.UnsummarisedOutputTokens)
	assert.Equal(t, 780, s.TotalInputTokens)
	assert.Equal(t, 320, s.TotalOutputTokens)
}

func TestRollup_PassesPriorSummary(t *testing.T) {
	st := NewStore()
	st.Create("U1", Seed{Summary: "old summary"})
	require.NoError(t, st.AppendTurn("U1", RoleUser, "new"))
	sum := &stubSummarizer{result: Summary{Text: "merged"}}

	_, err := st.Rollup(context.Background(), "U1", sum)
	require.NoError(t, err)
	assert.Equal(t, "old summary", sum.prior[0])
}

func TestRollup_FailureLeavesStateUntouched(t *testing.T) {
	collector := metrics.NewCollector()
	st := NewStore(WithMetrics(collector))
	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))
	require.NoError(t, st.AddTokens("U1", 100, 50, true))
	before, _ := st.Peek("U1")

	boom := errors.New("model unavailable")
	res, err := st.Rollup(context.Background(), "U1", &stubSummarizer{err: boom})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollupFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Summarized)

	after, _ := st.Peek("U1")
	assert.Equal(t, before.History, after.History)
	assert.Equal(t, before.Summary, after.Summary)
	assert.Equal(t, before.UnsummarisedInputTokens, after.UnsummarisedInputTokens)
	assert.Equal(t, before.TotalInputTokens, after.TotalInputTokens)
	assert.Equal(t, 1, after.RollupFailures)
	assert.Equal(t, int64(1), collector.Count(metrics.RollupFailed))
}

func TestRollup_EmptySummaryIsFailure(t *testing.T) {
	st := NewStore()
	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))

	_, err := st.Rollup(context.Background(), "U1", &stubSummarizer{result: Summary{Text: "  "}})
	assert.ErrorIs(t, err, ErrEmptySummary)

	s, _ := st.Peek("U1")
	assert.Len(t, s.History, 1)
}

func TestRollup_FailureCounterResetsOnSuccess(t *testing.T) {
	st := NewStore()
	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))

	_, err := st.Rollup(context.Background(), "U1", &stubSummarizer{err: errors.New("x")})
	require.Error(t, err)
	_, err = st.Rollup(context.Background(), "U1", &stubSummarizer{result: Summary{Text: "ok"}})
	require.NoError(t, err)

	s, _ := st.Peek("U1")
	assert.Zero(t, s.RollupFailures)
}

func TestRollup_TimeoutIsFailure(t *testing.T) {
	st := NewStore(WithRollupTimeout(10 * time.Millisecond))
	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))

	slow := SummarizerFunc(func(ctx context.Context, _, _ string) (Summary, error) {
		<-ctx.Done()
		return Summary{}, ctx.Err()
	})

	_, err := st.Rollup(context.Background(), "U1", slow)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s, _ := st.Peek("U1")
	assert.Len(t, s.History, 1)
}

func TestRollup_KeepsTurnsAppendedDuringSummarize(t *testing.T) {
	st := NewStore()
	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))
	require.NoError(t, st.AddTokens("U1", 10, 10, true))

	summarizer := SummarizerFunc(func(ctx context.Context, _, history string) (Summary, error) {
		// A concurrent request lands while the model is working.
		st.AppendExchange("U1", "late question", "late answer")
		_ = st.AddTokens("U1", 5, 7, true)
		return Summary{Text: "summary of a"}, nil
	})

	_, err := st.Rollup(context.Background(), "U1", summarizer)
	require.NoError(t, err)

	s, _ := st.Peek("U1")
	require.Len(t, s.History, 2)
	assert.Equal(t, "late question", s.History[0].Content)
	assert.Equal(t, 5, s.UnsummarisedInputTokens)
	assert.Equal(t, 7, s.UnsummarisedOutputTokens)
}

func TestRollup_SerializedPerKey(t *testing.T) {
	st := NewStore()
	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))

	var inFlight, maxInFlight, calls int32
	summarizer := SummarizerFunc(func(ctx context.Context, _, _ string) (Summary, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return Summary{Text: "s"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.Rollup(context.Background(), "U1", summarizer)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	// Only the first rollup had history; the rest short-circuit.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRollup_Scenario(t *testing.T) {
	st := NewStore()
	st.Create("U1", Seed{})

	require.NoError(t, st.AppendTurn("U1", RoleUser, "a"))
	require.NoError(t, st.AppendTurn("U1", RoleAssistant, "b"))
	require.NoError(t, st.AddTokens("U1", 100, 50, true))
	assert.False(t, st.NeedsRollup("U1", 1000, 0))

	require.NoError(t, st.AddTokens("U1", 500, 600, true))
	assert.True(t, st.NeedsRollup("U1", 1000, 0))

	sum := &stubSummarizer{result: Summary{Text: "summary", InputTokens: 40, OutputTokens: 15}}
	res, err := st.Rollup(context.Background(), "U1", sum)
	require.NoError(t, err)
	assert.Equal(t, "summary", res.Summary)

	s, _ := st.Peek("U1")
	assert.Empty(t, s.History)
	assert.Equal(t, "summary", s.Summary)
	assert.Equal(t, 100+500+40, s.TotalInputTokens)
	assert.Equal(t, 50+600+15, s.TotalOutputTokens)
	assert.Equal(t, 100+50+500+600+40+15, s.TotalInputTokens+s.TotalOutputTokens)
	assert.False(t, st.NeedsRollup("U1", 1000, 0))
}
