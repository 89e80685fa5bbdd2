package metering

import (
	"context"

	"github.com/fgb-andu/melodia-api/pkg/domain"
	"github.com/fgb-andu/melodia-api/pkg/service/credits"
	"github.com/fgb-andu/melodia-api/pkg/service/quota"
	"github.com/fgb-andu/melodia-api/pkg/service/subscription"
	"github.com/rs/zerolog"
)

// Source names what paid for an admitted attempt.
type Source string

const (
	SourceQuota    Source = "quota"
	SourceCredit   Source = "credit"
	SourceOverride Source = "override"
	SourceNone     Source = "none"
)

type Admission struct {
	Allowed       bool        `json:"allowed"`
	Source        Source      `json:"source"`
	Tier          domain.Tier `json:"tier"`
	Used          int         `json:"used"`
	Limit         int         `json:"limit"`
	CreditBalance int         `json:"credit_balance"`
}

// AdminOverride bypasses metering entirely. It lives here, at the policy
// layer, so the quota ledger itself has no bypass path.
type AdminOverride struct {
	Enabled bool
	Reason  string
}

// Gate owns the admission policy: quota first, then a credit as fallback.
// The ledger and wallet stay decoupled from each other and from this order.
type Gate struct {
	registry *subscription.Registry
	ledger   *quota.Ledger
	wallet   *credits.Wallet
	override AdminOverride
	log      zerolog.Logger
}

func NewGate(registry *subscription.Registry, ledger *quota.Ledger, wallet *credits.Wallet, override AdminOverride, log zerolog.Logger) *Gate {
	return &Gate{
		registry: registry,
		ledger:   ledger,
		wallet:   wallet,
		override: override,
		log:      log.With().Str("component", "metering").Logger(),
	}
}

// Admit decides whether an identification attempt may start and debits
// whichever source pays for it.
func (g *Gate) Admit(ctx context.Context) Admission {
	tier := g.registry.Tier(ctx)

	if g.override.Enabled {
		g.log.Info().Str("reason", g.override.Reason).Msg("admission via admin override")
		status := g.ledger.Status(ctx, tier)
		return Admission{
			Allowed:       true,
			Source:        SourceOverride,
			Tier:          tier,
			Used:          status.Used,
			Limit:         status.Limit,
			CreditBalance: g.wallet.Balance(ctx),
		}
	}

	decision := g.ledger.CheckAndReserve(ctx, tier)
	if decision.Allowed {
		return Admission{
			Allowed:       true,
			Source:        SourceQuota,
			Tier:          tier,
			Used:          decision.Used,
			Limit:         decision.Limit,
			CreditBalance: g.wallet.Balance(ctx),
		}
	}

	if g.wallet.Consume(ctx, 1) {
		return Admission{
			Allowed:       true,
			Source:        SourceCredit,
			Tier:          tier,
			Used:          decision.Used,
			Limit:         decision.Limit,
			CreditBalance: g.wallet.Balance(ctx),
		}
	}

	return Admission{
		Allowed: false,
		Source:  SourceNone,
		Tier:    tier,
		Used:    decision.Used,
		Limit:   decision.Limit,
	}
}
