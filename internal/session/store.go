package session

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/metrics"
)

// entry owns one live session. mu guards s and evicted; rollMu serialises
// rollups for the key and is never held while acquiring the store lock.
type entry struct {
	mu     sync.Mutex
	rollMu sync.Mutex
	s      Session

	// evicted is set when the entry leaves the map. Writers that raced the
	// eviction retry against the replacement entry.
	evicted bool
}

// Store is the in-memory mapping from session key to session state. It is
// the authoritative source of live conversational context. The map is
// guarded by mu; individual session fields by the entry's own mutex, so a
// slow operation on one session never blocks another.
//
// Lock order is Store.mu before entry.mu.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	now           func() time.Time
	logger        logrus.FieldLogger
	rollupTimeout time.Duration
	metrics       *metrics.Collector
}

// NewStore creates an empty session store.
func NewStore(opts ...StoreOption) *Store {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Store{
		sessions:      make(map[string]*entry),
		now:           func() time.Time { return time.Now().UTC() },
		logger:        discard,
		rollupTimeout: DefaultRollupTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Exists reports whether a live session exists for key. It does not touch
// the session.
func (st *Store) Exists(key string) bool {
	return st.lookup(key) != nil
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Create installs a fresh session for key seeded from seed, replacing any
// existing session. Callers that must not clobber a live session should use
// CreateExclusive.
func (st *Store) Create(key string, seed Seed) Session {
	e := st.newEntry(key, seed)

	st.mu.Lock()
	if old, ok := st.sessions[key]; ok {
		old.mu.Lock()
		old.evicted = true
		old.mu.Unlock()
	}
	st.sessions[key] = e
	st.mu.Unlock()

	return e.s.clone()
}

// CreateExclusive is Create that fails with ErrSessionExists when a session
// is already live for key.
func (st *Store) CreateExclusive(key string, seed Seed) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[key]; ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, key)
	}
	e := st.newEntry(key, seed)
	st.sessions[key] = e
	return e.s.clone(), nil
}

// Get returns a copy of the session for key, creating a default one if
// absent, and marks it active.
func (st *Store) Get(key string) Session {
	e := st.acquire(key)
	defer e.mu.Unlock()
	st.touch(e)
	return e.s.clone()
}

// Touch marks a live session active and returns a copy of it. Unlike Get
// it never creates one.
func (st *Store) Touch(key string) (Session, bool) {
	e := st.lookup(key)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, false
	}
	st.touch(e)
	return e.s.clone(), true
}

// Peek returns a copy of the session for key without creating or touching
// it.
func (st *Store) Peek(key string) (Session, bool) {
	e := st.lookup(key)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), true
}

// AppendTurn appends a turn to the session history.
func (st *Store) AppendTurn(key string, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	e := st.acquire(key)
	defer e.mu.Unlock()
	e.s.History = append(e.s.History, Turn{Role: role, Content: content})
	st.touch(e)
	return nil
}

// AppendExchange appends a user turn followed by the assistant's reply as
// one atomic step, so concurrent requests for the same key never interleave
// inside an exchange.
func (st *Store) AppendExchange(key, userText, assistantText string) {
	e := st.acquire(key)
	defer e.mu.Unlock()
	e.s.History = append(e.s.History,
		Turn{Role: RoleUser, Content: userText},
		Turn{Role: RoleAssistant, Content: assistantText},
	)
	st.touch(e)
}

// AddTokens adds usage to the lifetime totals and, when
// countTowardUnsummarised is set, to the unsummarised counters that drive
// the rollup trigger.
func (st *Store) AddTokens(key string, inputTokens, outputTokens int, countTowardUnsummarised bool) error {
	if inputTokens < 0 || outputTokens < 0 {
		return fmt.Errorf("%w: in=%d out=%d", ErrNegativeTokens, inputTokens, outputTokens)
	}
	e := st.acquire(key)
	defer e.mu.Unlock()
	e.s.TotalInputTokens += inputTokens
	e.s.TotalOutputTokens += outputTokens
	if countTowardUnsummarised {
		e.s.UnsummarisedInputTokens += inputTokens
		e.s.UnsummarisedOutputTokens += outputTokens
	}
	st.touch(e)
	return nil
}

// Delete removes the session for key. It is a no-op when absent.
func (st *Store) Delete(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.sessions[key]; ok {
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
		delete(st.sessions, key)
	}
}

// EvictIfIdle removes the session for key only if it has not been touched
// since generation was observed and it is still inactive as of cutoff. The
// check and the delete happen under the store's write lock, so a request
// that touches the session concurrently either lands before the check (and
// the session is kept) or after the delete (and a new session is created).
func (st *Store) EvictIfIdle(key string, generation uint64, cutoff time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.sessions[key]
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Generation != generation || e.s.LastActive.After(cutoff) {
		return false
	}
	e.evicted = true
	delete(st.sessions, key)
	return true
}

// Snapshot returns a copy of every live session, ordered by key. Each
// session is copied under its own lock so no copy observes a half-applied
// mutation.
func (st *Store) Snapshot() []Session {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// NeedsRollup evaluates the rollup trigger against the live session for
// key. It returns false for absent sessions and does not touch the session.
func (st *Store) NeedsRollup(key string, maxUnsummarisedTokens int, idleTTL time.Duration) bool {
	s, ok := st.Peek(key)
	if !ok {
		return false
	}
	return NeedsRollup(s, maxUnsummarisedTokens, idleTTL, st.now())
}

// Now returns the store's current time.
func (st *Store) Now() time.Time {
	return st.now()
}

func (st *Store) lookup(key string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[key]
}

func (st *Store) getOrCreate(key string) *entry {
	if e := st.lookup(key); e != nil {
		return e
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if e, ok := st.sessions[key]; ok {
		return e
	}
	e := st.newEntry(key, Seed{})
	st.sessions[key] = e
	return e
}

// acquire returns the live entry for key with its lock held, creating it
// if absent.
func (st *Store) acquire(key string) *entry {
	for {
		e := st.getOrCreate(key)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

func (st *Store) newEntry(key string, seed Seed) *entry {
	now := st.now()
	return &entry{
		s: Session{
			Key:               key,
			Summary:           seed.Summary,
			TotalInputTokens:  seed.TotalInputTokens,
			TotalOutputTokens: seed.TotalOutputTokens,
			CreatedAt:         now,
			LastActive:        now,
			Generation:        1,
		},
	}
}

// touch marks e active. Caller must hold e.mu.
func (st *Store) touch(e *entry) {
	e.s.LastActive = st.now()
	e.s.Generation++
}
