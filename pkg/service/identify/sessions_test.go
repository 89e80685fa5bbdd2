package identify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fgb-andu/melodia-api/pkg/domain"
	"github.com/fgb-andu/melodia-api/pkg/repository/kvstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestManager(store kvstore.Store) *Manager {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	return NewManager(store, clock, DefaultMaxRetries, zerolog.Nop())
}

func TestRetryScenario(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view, err := m.RecordAttempt(ctx, id, 0, false)
	require.NoError(t, err)
	assert.True(t, view.CanRetry)
	assert.Equal(t, 2, view.RemainingRetries)
	assert.False(t, view.ShouldOfferGiveUp)

	view, err = m.RecordAttempt(ctx, id, 0, true)
	require.NoError(t, err)
	assert.True(t, view.CanRetry)
	assert.Equal(t, 1, view.RemainingRetries)
	assert.True(t, view.ShouldOfferGiveUp)

	view, err = m.RecordAttempt(ctx, id, 1, true)
	require.NoError(t, err)
	assert.False(t, view.CanRetry)
	assert.Equal(t, 0, view.RemainingRetries)
	assert.True(t, view.ShouldOfferGiveUp)

	result := json.RawMessage(`{"song":"Clair de Lune"}`)
	require.NoError(t, m.End(ctx, id, domain.SessionSucceeded, result))

	// Same terminal outcome again is a no-op.
	require.NoError(t, m.End(ctx, id, domain.SessionSucceeded, nil))

	// A different terminal outcome is a caller bug.
	err = m.End(ctx, id, domain.SessionFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	session, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionSucceeded, session.State)
	assert.Len(t, session.Attempts, 3)
	assert.NotNil(t, session.EndedAt)
	assert.JSONEq(t, string(result), string(session.Result))
}

func TestAttemptBudgetNeverExceeded(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.RecordAttempt(ctx, id, 0, i > 0)
		require.NoError(t, err)
	}

	_, err = m.RecordAttempt(ctx, id, 0, true)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	session, err := m.Get(id)
	require.NoError(t, err)
	assert.Len(t, session.Attempts, DefaultMaxRetries+1)
}

func TestAttemptRecordsAreOrdered(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)

	_, err = m.RecordAttempt(ctx, id, 0, false)
	require.NoError(t, err)
	_, err = m.RecordAttempt(ctx, id, 2, true)
	require.NoError(t, err)

	session, err := m.Get(id)
	require.NoError(t, err)
	require.Len(t, session.Attempts, 2)

	first, second := session.Attempts[0], session.Attempts[1]
	assert.Equal(t, 1, first.Index)
	assert.False(t, first.IsRetry)
	assert.False(t, first.Succeeded)
	assert.Equal(t, 2, second.Index)
	assert.True(t, second.IsRetry)
	assert.True(t, second.Succeeded)
	assert.True(t, first.Timestamp.Before(second.Timestamp))
}

func TestRecordAttemptOnTerminalSession(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, id, domain.SessionAbandoned, nil))

	_, err = m.RecordAttempt(ctx, id, 0, false)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	_, err := m.RecordAttempt(ctx, "nope", 0, false)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = m.End(ctx, "nope", domain.SessionFailed, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndRequiresTerminalOutcome(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)

	err = m.End(ctx, id, domain.SessionActive, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAbandonAtAnyTime(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)
	_, err = m.RecordAttempt(ctx, id, 0, false)
	require.NoError(t, err)

	require.NoError(t, m.End(ctx, id, domain.SessionAbandoned, nil))

	session, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAbandoned, session.State)
}

func TestOldestSessionsEvicted(t *testing.T) {
	m := newTestManager(kvstore.NewMemory())
	ctx := context.Background()

	var ids []string
	for i := 0; i < maxStoredSessions+10; i++ {
		id, err := m.Start(ctx, "u1")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Len(t, m.sessions, maxStoredSessions)

	for _, id := range ids[:10] {
		_, err := m.Get(id)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	}
	for _, id := range ids[10:] {
		_, err := m.Get(id)
		assert.NoError(t, err)
	}
}

func TestSessionsSurviveRestart(t *testing.T) {
	store := kvstore.NewMemory()
	ctx := context.Background()

	m := newTestManager(store)
	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)
	_, err = m.RecordAttempt(ctx, id, 0, false)
	require.NoError(t, err)

	restarted := newTestManager(store)
	session, err := restarted.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, session.State)
	assert.Len(t, session.Attempts, 1)
}

func TestStorageFailureStartsEmptyButWorks(t *testing.T) {
	ctx := context.Background()

	m := NewManager(brokenStore{}, &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}, DefaultMaxRetries, zerolog.Nop())

	id, err := m.Start(ctx, "u1")
	require.NoError(t, err)

	view, err := m.RecordAttempt(ctx, id, 1, false)
	require.NoError(t, err)
	assert.True(t, view.CanRetry)
	require.NoError(t, m.End(ctx, id, domain.SessionSucceeded, nil))
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, error) {
	return "", context.DeadlineExceeded
}
func (brokenStore) Set(context.Context, string, string) error { return context.DeadlineExceeded }
func (brokenStore) Delete(context.Context, string) error      { return context.DeadlineExceeded }
func (brokenStore) List(context.Context, string) ([]string, error) {
	return nil, context.DeadlineExceeded
}
func (brokenStore) Close() error { return nil }
