package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// UnlimitedDailyLimit marks a tier with no daily identification cap.
const UnlimitedDailyLimit = -1

// ParseTier validates a tier string coming from outside the process.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierBasic, TierPremium:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown subscription tier %q", s)
}

type TierConfig struct {
	Tier        Tier   `json:"tier"`
	DisplayName string `json:"display_name"`
	DailyLimit  int    `json:"daily_limit"`
	AdFree      bool   `json:"ad_free"`
	ExportMIDI  bool   `json:"export_midi"`
}

var tierConfigs = map[Tier]TierConfig{
	TierFree: {
		Tier:        TierFree,
		DisplayName: "Free",
		DailyLimit:  3,
	},
	TierBasic: {
		Tier:        TierBasic,
		DisplayName: "Basic",
		DailyLimit:  25,
		AdFree:      true,
	},
	TierPremium: {
		Tier:        TierPremium,
		DisplayName: "Premium",
		DailyLimit:  UnlimitedDailyLimit,
		AdFree:      true,
		ExportMIDI:  true,
	},
}

// ConfigFor is total over the tier enum. Anything that is not a known tier
// (including the zero value) gets the Free configuration.
func ConfigFor(tier Tier) TierConfig {
	if cfg, ok := tierConfigs[tier]; ok {
		return cfg
	}
	return tierConfigs[TierFree]
}

// Unlimited reports whether the config has no daily cap.
func (c TierConfig) Unlimited() bool {
	return c.DailyLimit == UnlimitedDailyLimit
}

type TierAssignment struct {
	Tier       Tier       `json:"tier"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
}

type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionSucceeded SessionState = "succeeded"
	SessionFailed    SessionState = "failed"
	SessionAbandoned SessionState = "abandoned"
)

// ParseSessionState validates a state string coming from outside the process.
func ParseSessionState(s string) (SessionState, error) {
	switch SessionState(s) {
	case SessionActive, SessionSucceeded, SessionFailed, SessionAbandoned:
		return SessionState(s), nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionSucceeded, SessionFailed, SessionAbandoned:
		return true
	}
	return false
}

type AttemptRecord struct {
	Index       int       `json:"index"`
	IsRetry     bool      `json:"is_retry"`
	ResultCount int       `json:"result_count"`
	Succeeded   bool      `json:"succeeded"`
	Timestamp   time.Time `json:"timestamp"`
}

type RetrySession struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	State      SessionState    `json:"state"`
	Attempts   []AttemptRecord `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}
