package pruner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository/memory"
	"github.com/mirchat/mir-backend/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func summarizeAs(text string, in, out int) session.SummarizerFunc {
	return func(ctx context.Context, existing, history string) (session.Summary, error) {
		return session.Summary{Text: text, InputTokens: in, OutputTokens: out}, nil
	}
}

func newPruner(t *testing.T, st *session.Store, sum session.Summarizer, users *memory.UserRepository) *Pruner {
	t.Helper()
	p, err := New(st, sum, users, Config{IdleTimeout: 30 * time.Minute}, nil, nil)
	require.NoError(t, err)
	return p
}

func TestPruner_RetiresIdleSessionAndKeepsActive(t *testing.T) {
	clk := &clock{now: start}
	st := session.NewStore(session.WithClock(clk.Now))
	users := memory.NewUserRepository()

	clk.Set(start.Add(-31 * time.Minute))
	st.AppendExchange("idle", "hello", "hi there")
	require.NoError(t, st.AddTokens("idle", 100, 40, true))

	clk.Set(start.Add(-29 * time.Minute))
	st.AppendExchange("active", "hey", "yo")

	clk.Set(start)
	p := newPruner(t, st, summarizeAs("greeted", 20, 10), users)
	report := p.RunOnce(context.Background(), start)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Idle)
	assert.Equal(t, 1, report.Evicted)

	assert.False(t, st.Exists("idle"))
	row, ok := users.Get("idle")
	require.True(t, ok)
	assert.Equal(t, "greeted", row.Summary)
	assert.Equal(t, 120, row.TotalInputTokens)
	assert.Equal(t, 50, row.TotalOutputTokens)

	active, ok := st.Peek("active")
	require.True(t, ok)
	assert.Len(t, active.History, 2)
	_, persisted := users.Get("active")
	assert.False(t, persisted)
}

func TestPruner_RollupFailureKeepsSession(t *testing.T) {
	clk := &clock{now: start.Add(-time.Hour)}
	st := session.NewStore(session.WithClock(clk.Now))
	users := memory.NewUserRepository()
	st.AppendExchange("U1", "q", "a")

	failing := session.SummarizerFunc(func(ctx context.Context, _, _ string) (session.Summary, error) {
		return session.Summary{}, errors.New("model down")
	})
	p := newPruner(t, st, failing, users)
	report := p.RunOnce(context.Background(), start)

	assert.Equal(t, 1, report.RollupFailed)
	assert.Zero(t, report.Evicted)
	assert.True(t, st.Exists("U1"))
	_, persisted := users.Get("U1")
	assert.False(t, persisted)
}

// failingUsers rejects every state write.
type failingUsers struct {
	*memory.UserRepository
}

func (failingUsers) SaveState(ctx context.Context, externalID string, state models.UserState) error {
	return errors.New("database unavailable")
}

func TestPruner_PersistFailureKeepsSession(t *testing.T) {
	clk := &clock{now: start.Add(-time.Hour)}
	st := session.NewStore(session.WithClock(clk.Now))
	st.AppendExchange("U1", "q", "a")

	p, err := New(st, summarizeAs("s", 0, 0), failingUsers{memory.NewUserRepository()}, Config{}, nil, nil)
	require.NoError(t, err)
	report := p.RunOnce(context.Background(), start)

	assert.Equal(t, 1, report.PersistFailed)
	assert.True(t, st.Exists("U1"))

	s, _ := st.Peek("U1")
	assert.Equal(t, "s", s.Summary)
	assert.Empty(t, s.History)
}

func TestPruner_TouchDuringSweepPreventsEviction(t *testing.T) {
	clk := &clock{now: start.Add(-time.Hour)}
	st := session.NewStore(session.WithClock(clk.Now))
	users := memory.NewUserRepository()
	st.AppendExchange("U1", "q", "a")
	clk.Set(start)

	// The user writes again while the final summary is being produced.
	touching := session.SummarizerFunc(func(ctx context.Context, _, _ string) (session.Summary, error) {
		st.AppendExchange("U1", "still here", "welcome back")
		return session.Summary{Text: "s"}, nil
	})
	p := newPruner(t, st, touching, users)
	report := p.RunOnce(context.Background(), start)

	assert.Equal(t, 1, report.Touched)
	assert.Zero(t, report.Evicted)

	s, ok := st.Peek("U1")
	require.True(t, ok)
	assert.Len(t, s.History, 2)
	assert.Equal(t, "still here", s.History[0].Content)
}

func TestPruner_EmptyHistoryStillPersists(t *testing.T) {
	clk := &clock{now: start.Add(-time.Hour)}
	st := session.NewStore(session.WithClock(clk.Now))
	users := memory.NewUserRepository()
	st.Create("U1", session.Seed{Summary: "restored", TotalInputTokens: 9})

	calls := 0
	counting := session.SummarizerFunc(func(ctx context.Context, _, _ string) (session.Summary, error) {
		calls++
		return session.Summary{Text: "x"}, nil
	})
	p := newPruner(t, st, counting, users)
	report := p.RunOnce(context.Background(), start)

	assert.Equal(t, 1, report.Evicted)
	assert.Zero(t, calls)
	row, ok := users.Get("U1")
	require.True(t, ok)
	assert.Equal(t, "restored", row.Summary)
	assert.Equal(t, 9, row.TotalInputTokens)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(session.NewStore(), summarizeAs("s", 0, 0), memory.NewUserRepository(), Config{Schedule: "not a schedule"}, nil, nil)
	assert.Error(t, err)
}

func TestPruner_RunStopsOnCancel(t *testing.T) {
	p := newPruner(t, session.NewStore(), summarizeAs("s", 0, 0), memory.NewUserRepository())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pruner did not stop")
	}
}
