package quota

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fgb-andu/melodia-api/internal/keymutex"
	"github.com/fgb-andu/melodia-api/pkg/domain"
	"github.com/fgb-andu/melodia-api/pkg/repository/kvstore"
	"github.com/rs/zerolog"
)

const usageKeyPrefix = "daily_usage_"

const defaultStorageTimeout = 2 * time.Second

// Decision is the outcome of an admission check. Denial is an expected
// state, not an error.
type Decision struct {
	Allowed bool `json:"allowed"`
	Used    int  `json:"used"`
	Limit   int  `json:"limit"`
}

type Status struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Ledger enforces the per-day identification quota for a tier. A day's
// record is created lazily on first use; rollover needs no migration
// because a new date key simply does not exist yet.
type Ledger struct {
	store   kvstore.Store
	clock   domain.Clock
	locks   *keymutex.Set
	timeout time.Duration
	log     zerolog.Logger
}

func NewLedger(store kvstore.Store, clock domain.Clock, locks *keymutex.Set, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		clock:   clock,
		locks:   locks,
		timeout: defaultStorageTimeout,
		log:     log.With().Str("component", "quota").Logger(),
	}
}

func (l *Ledger) todayKey() string {
	return usageKeyPrefix + domain.DateKey(l.clock.Now())
}

// CheckAndReserve admits an attempt and debits today's usage in one critical
// section. Splitting the check from the increment would let two rapid calls
// both pass the check, so the whole sequence holds the day key's lock.
//
// If the store cannot be read or written the attempt is denied: a storage
// outage must not turn into free identifications.
func (l *Ledger) CheckAndReserve(ctx context.Context, tier domain.Tier) Decision {
	cfg := domain.ConfigFor(tier)
	if cfg.Unlimited() {
		return Decision{Allowed: true, Used: 0, Limit: domain.UnlimitedDailyLimit}
	}

	key := l.todayKey()
	unlock := l.locks.Lock(key)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	used, err := l.readCount(ctx, key)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("usage read failed, denying attempt")
		return Decision{Allowed: false, Used: 0, Limit: cfg.DailyLimit}
	}
	if used >= cfg.DailyLimit {
		return Decision{Allowed: false, Used: used, Limit: cfg.DailyLimit}
	}
	if err := l.store.Set(ctx, key, strconv.Itoa(used+1)); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("usage write failed, denying attempt")
		return Decision{Allowed: false, Used: used, Limit: cfg.DailyLimit}
	}
	return Decision{Allowed: true, Used: used + 1, Limit: cfg.DailyLimit}
}

// Status is a read-only snapshot of today's usage. It never mutates state.
func (l *Ledger) Status(ctx context.Context, tier domain.Tier) Status {
	cfg := domain.ConfigFor(tier)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	used, err := l.readCount(ctx, l.todayKey())
	if err != nil {
		l.log.Warn().Err(err).Msg("usage read failed, reporting zero usage")
		used = 0
	}
	if cfg.Unlimited() {
		return Status{Used: used, Limit: domain.UnlimitedDailyLimit, Remaining: domain.UnlimitedDailyLimit}
	}
	remaining := cfg.DailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{Used: used, Limit: cfg.DailyLimit, Remaining: remaining}
}

// Reset deletes today's record. Administrative and test use only.
func (l *Ledger) Reset(ctx context.Context) error {
	key := l.todayKey()
	unlock := l.locks.Lock(key)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Delete(ctx, key)
}

// Prune deletes usage records older than keepDays. Hygiene only; stale
// records are never read, so correctness does not depend on this running.
func (l *Ledger) Prune(ctx context.Context, keepDays int) error {
	cutoff := domain.DateKey(l.clock.Now().AddDate(0, 0, -keepDays))
	return kvstore.PruneDated(ctx, l.store, usageKeyPrefix, domain.DateKeyLayout, cutoff)
}

func (l *Ledger) readCount(ctx context.Context, key string) (int, error) {
	raw, err := l.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		// A corrupt counter is treated as a fresh day rather than an outage.
		l.log.Warn().Str("key", key).Str("value", raw).Msg("corrupt usage counter, treating as zero")
		return 0, nil
	}
	return count, nil
}
