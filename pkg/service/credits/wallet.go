package credits

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

const (
	balanceKey      = "sharing_credits"
	sharesKeyPrefix = "daily_shares_"
)

const (
	DefaultCreditsPerShare = 1
	DefaultMaxDailyCredits = 3
)

const defaultStorageTimeout = 2 * time.Second

type Config struct {
	CreditsPerShare int
	MaxDailyCredits int
}

// ShareResult reports whether a share earned credits. Rejection once the
// daily cap is reached is an expected state, not an error.
type ShareResult struct {
	Accepted       bool `json:"accepted"`
	CreditsAwarded int  `json:"credits_awarded"`
	NewBalance     int  `json:"new_balance"`
}

// Wallet tracks bonus credits earned by sharing. The balance is a single
// running total; only the share cap is day-scoped.
type Wallet struct {
	store   kvstore.Store
	clock   domain.Clock
	locks   *keymutex.Set
	cfg     Config
	timeout time.Duration
	log     zerolog.Logger
}

func NewWallet(store kvstore.Store, clock domain.Clock, locks *keymutex.Set, cfg Config, log zerolog.Logger) *Wallet {
	if cfg.CreditsPerShare <= 0 {
		cfg.CreditsPerShare = DefaultCreditsPerShare
	}
	if cfg.MaxDailyCredits <= 0 {
		cfg.MaxDailyCredits = DefaultMaxDailyCredits
	}
	return &Wallet{
		store:   store,
		clock:   clock,
		locks:   locks,
		cfg:     cfg,
		timeout: defaultStorageTimeout,
		log:     log.With().Str("component", "credits").Logger(),
	}
}

// Balance returns the current credit total, degrading to zero when the
// store is unavailable.
func (w *Wallet) Balance(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	balance, err := w.readCount(ctx, balanceKey)
	if err != nil {
		w.log.Warn().Err(err).Msg("balance read failed, reporting zero")
		return 0
	}
	return balance
}

// RecordShare awards credits for a share unless today's earning cap has been
// reached. The share counter and the balance are updated under their locks
// in a fixed order, so a racing Consume cannot interleave a partial update.
func (w *Wallet) RecordShare(ctx context.Context) ShareResult {
	sharesKey := sharesKeyPrefix + domain.DateKey(w.clock.Now())
	unlockShares := w.locks.Lock(sharesKey)
	defer unlockShares()
	unlockBalance := w.locks.Lock(balanceKey)
	defer unlockBalance()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	balance, err := w.readCount(ctx, balanceKey)
	if err != nil {
		w.log.Warn().Err(err).Msg("balance read failed, rejecting share")
		return ShareResult{}
	}
	shares, err := w.readCount(ctx, sharesKey)
	if err != nil {
		w.log.Warn().Err(err).Str("key", sharesKey).Msg("share count read failed, rejecting share")
		return ShareResult{NewBalance: balance}
	}

	maxShares := w.cfg.MaxDailyCredits / w.cfg.CreditsPerShare
	if shares >= maxShares {
		return ShareResult{NewBalance: balance}
	}

	if err := w.store.Set(ctx, sharesKey, strconv.Itoa(shares+1)); err != nil {
		w.log.Warn().Err(err).Str("key", sharesKey).Msg("share count write failed, rejecting share")
		return ShareResult{NewBalance: balance}
	}
	newBalance := balance + w.cfg.CreditsPerShare
	if err := w.store.Set(ctx, balanceKey, strconv.Itoa(newBalance)); err != nil {
		w.log.Warn().Err(err).Msg("balance write failed after share count update")
		return ShareResult{NewBalance: balance}
	}
	return ShareResult{Accepted: true, CreditsAwarded: w.cfg.CreditsPerShare, NewBalance: newBalance}
}

// Consume debits amount from the balance. It mutates nothing and returns
// false when the balance is insufficient; the balance never goes negative.
func (w *Wallet) Consume(ctx context.Context, amount int) bool {
	if amount <= 0 {
		return false
	}

	unlock := w.locks.Lock(balanceKey)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	balance, err := w.readCount(ctx, balanceKey)
	if err != nil {
		w.log.Warn().Err(err).Msg("balance read failed, rejecting consume")
		return false
	}
	if balance < amount {
		return false
	}
	if err := w.store.Set(ctx, balanceKey, strconv.Itoa(balance-amount)); err != nil {
		w.log.Warn().Err(err).Msg("balance write failed, rejecting consume")
		return false
	}
	return true
}

// PruneShares deletes share counters older than keepDays. Hygiene only.
func (w *Wallet) PruneShares(ctx context.Context, keepDays int) error {
	cutoff := domain.DateKey(w.clock.Now().AddDate(0, 0, -keepDays))
	return kvstore.PruneDated(ctx, w.store, sharesKeyPrefix, domain.DateKeyLayout, cutoff)
}

func (w *Wallet) readCount(ctx context.Context, key string) (int, error) {
	raw, err := w.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		w.log.Warn().Str("key", key).Str("value", raw).Msg("corrupt counter, treating as zero")
		return 0, nil
	}
	return count, nil
}
