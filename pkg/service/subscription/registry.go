package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/fgb-andu/melodia-api/internal/keymutex"
	"github.com/fgb-andu/melodia-api/pkg/domain"
	"github.com/fgb-andu/melodia-api/pkg/repository/kvstore"
	"github.com/rs/zerolog"
)

const (
	tierKey      = "user_subscription_tier"
	startDateKey = "subscription_start_date"
)

const defaultStorageTimeout = 2 * time.Second

// Registry resolves and persists the installation's subscription tier.
// Reads never fail: if the store is unavailable the tier degrades to Free.
type Registry struct {
	store   kvstore.Store
	clock   domain.Clock
	locks   *keymutex.Set
	timeout time.Duration
	log     zerolog.Logger
}

func NewRegistry(store kvstore.Store, clock domain.Clock, locks *keymutex.Set, log zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		clock:   clock,
		locks:   locks,
		timeout: defaultStorageTimeout,
		log:     log.With().Str("component", "subscription").Logger(),
	}
}

// Tier returns the persisted tier, defaulting to Free when the assignment is
// absent, unreadable, or not a known tier.
func (r *Registry) Tier(ctx context.Context) domain.Tier {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.store.Get(ctx, tierKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return domain.TierFree
	}
	if err != nil {
		r.log.Warn().Err(err).Str("key", tierKey).Msg("tier read failed, defaulting to free")
		return domain.TierFree
	}
	tier, err := domain.ParseTier(raw)
	if err != nil {
		r.log.Warn().Err(err).Msg("stored tier invalid, defaulting to free")
		return domain.TierFree
	}
	return tier
}

// SetTier persists a tier change. Setting the current tier again is a no-op.
// Leaving Free stamps the subscription start date.
func (r *Registry) SetTier(ctx context.Context, tier domain.Tier) error {
	unlock := r.locks.Lock(tierKey)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	current := domain.TierFree
	raw, err := r.store.Get(ctx, tierKey)
	if err == nil {
		if parsed, perr := domain.ParseTier(raw); perr == nil {
			current = parsed
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	if current == tier {
		return nil
	}

	if err := r.store.Set(ctx, tierKey, string(tier)); err != nil {
		return err
	}
	if current == domain.TierFree && tier != domain.TierFree {
		stamp := r.clock.Now().Format(time.RFC3339)
		if err := r.store.Set(ctx, startDateKey, stamp); err != nil {
			return err
		}
	}

	r.log.Info().Str("from", string(current)).Str("to", string(tier)).Msg("subscription tier changed")
	return nil
}

// Assignment returns the tier together with the start date, when one exists.
func (r *Registry) Assignment(ctx context.Context) domain.TierAssignment {
	assignment := domain.TierAssignment{Tier: r.Tier(ctx)}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.store.Get(ctx, startDateKey)
	if err != nil {
		return assignment
	}
	if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
		assignment.AssignedAt = &ts
	}
	return assignment
}

// Config is a pure lookup over the tier enum.
func (r *Registry) Config(tier domain.Tier) domain.TierConfig {
	return domain.ConfigFor(tier)
}
