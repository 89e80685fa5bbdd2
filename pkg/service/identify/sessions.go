package identify

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fgb-andu/melodia-api/pkg/domain"
	"github.com/fgb-andu/melodia-api/pkg/repository/kvstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sessionsKey = "identification_retry_sessions"

const (
	// DefaultMaxRetries allows 1 initial attempt plus 2 retries per session.
	DefaultMaxRetries = 2

	// maxStoredSessions bounds the persisted history; oldest sessions by
	// start time are evicted first.
	maxStoredSessions = 50
)

const defaultStorageTimeout = 2 * time.Second

var (
	// ErrSessionNotFound covers unknown ids and sessions already in a
	// terminal state.
	ErrSessionNotFound = errors.New("identification session not found")

	// ErrInvalidTransition is a caller bug: ending a session that already
	// ended with a different outcome.
	ErrInvalidTransition = errors.New("session already ended with a different outcome")

	// ErrRetriesExhausted is a caller bug: recording an attempt on a session
	// whose attempt budget is spent but which was never ended.
	ErrRetriesExhausted = errors.New("no identification attempts remaining")
)

// View is what the UI needs after each attempt: whether another retry is
// allowed and whether the give-up affordance should be shown. All fields
// derive from the accumulated attempt count alone.
type View struct {
	SessionID         string              `json:"session_id"`
	State             domain.SessionState `json:"state"`
	Attempts          int                 `json:"attempts"`
	CanRetry          bool                `json:"can_retry"`
	RemainingRetries  int                 `json:"remaining_retries"`
	ShouldOfferGiveUp bool                `json:"should_offer_give_up"`
}

// Manager runs the bounded-retry state machine for identification requests.
// The in-memory table is authoritative; the store carries a bounded copy so
// recent history survives restarts. Persistence is best effort and never
// blocks an operation from completing.
type Manager struct {
	store      kvstore.Store
	clock      domain.Clock
	maxRetries int
	timeout    time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*domain.RetrySession
}

func NewManager(store kvstore.Store, clock domain.Clock, maxRetries int, log zerolog.Logger) *Manager {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	m := &Manager{
		store:      store,
		clock:      clock,
		maxRetries: maxRetries,
		timeout:    defaultStorageTimeout,
		log:        log.With().Str("component", "identify").Logger(),
		sessions:   make(map[string]*domain.RetrySession),
	}
	m.restore()
	return m
}

// Start opens a new Active session and returns its id.
func (m *Manager) Start(ctx context.Context, userID string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session := &domain.RetrySession{
		ID:         id.String(),
		UserID:     userID,
		State:      domain.SessionActive,
		Attempts:   []domain.AttemptRecord{},
		MaxRetries: m.maxRetries,
		StartedAt:  m.clock.Now(),
	}
	m.sessions[session.ID] = session
	m.evictLocked()
	m.persistLocked(ctx)

	return session.ID, nil
}

// RecordAttempt appends an attempt to an Active session and reports the
// retry budget. The attempt count never exceeds maxRetries+1.
func (m *Manager) RecordAttempt(ctx context.Context, sessionID string, resultCount int, isRetry bool) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.State.Terminal() {
		return View{}, ErrSessionNotFound
	}
	if len(session.Attempts) > session.MaxRetries {
		return View{}, ErrRetriesExhausted
	}

	session.Attempts = append(session.Attempts, domain.AttemptRecord{
		Index:       len(session.Attempts) + 1,
		IsRetry:     isRetry,
		ResultCount: resultCount,
		Succeeded:   resultCount > 0,
		Timestamp:   m.clock.Now(),
	})
	m.persistLocked(ctx)

	return m.viewLocked(session), nil
}

// End moves a session to a terminal state. Ending with the outcome the
// session already has is a no-op; ending with a different terminal outcome
// is a logic error in the caller.
func (m *Manager) End(ctx context.Context, sessionID string, outcome domain.SessionState, result json.RawMessage) error {
	if !outcome.Terminal() {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.State == outcome {
		return nil
	}
	if session.State.Terminal() {
		return ErrInvalidTransition
	}

	session.State = outcome
	endedAt := m.clock.Now()
	session.EndedAt = &endedAt
	if result != nil {
		session.Result = result
	}
	m.persistLocked(ctx)

	return nil
}

// Get returns a snapshot of a session, known ids only.
func (m *Manager) Get(sessionID string) (domain.RetrySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return domain.RetrySession{}, ErrSessionNotFound
	}
	return *session, nil
}

func (m *Manager) viewLocked(session *domain.RetrySession) View {
	n := len(session.Attempts)
	remaining := session.MaxRetries - n + 1
	if remaining < 0 {
		remaining = 0
	}
	return View{
		SessionID:         session.ID,
		State:             session.State,
		Attempts:          n,
		CanRetry:          n <= session.MaxRetries,
		RemainingRetries:  remaining,
		ShouldOfferGiveUp: n >= session.MaxRetries,
	}
}

func (m *Manager) evictLocked() {
	if len(m.sessions) <= maxStoredSessions {
		return
	}
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.sessions[ids[i]].StartedAt.Before(m.sessions[ids[j]].StartedAt)
	})
	for _, id := range ids[:len(ids)-maxStoredSessions] {
		delete(m.sessions, id)
	}
}

func (m *Manager) persistLocked(ctx context.Context) {
	payload, err := json.Marshal(m.sessions)
	if err != nil {
		m.log.Warn().Err(err).Msg("session table marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.Set(ctx, sessionsKey, string(payload)); err != nil {
		m.log.Warn().Err(err).Msg("session table write failed, continuing in memory")
	}
}

// restore loads the persisted session table. Any failure degrades to an
// empty table.
func (m *Manager) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	raw, err := m.store.Get(ctx, sessionsKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("session table read failed, starting empty")
		return
	}
	var sessions map[string]*domain.RetrySession
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil || sessions == nil {
		m.log.Warn().Err(err).Msg("session table corrupt, starting empty")
		return
	}
	m.sessions = sessions
}
