// Package policy decides whether creating a business record is free or
// must be charged. It has no side effects.
package policy

import (
	"time"

	"fincore/internal/core"
)

const (
	DefaultMonthlyFreeLimit = 10
	DefaultOverageFeeCents  = 100
)

// Reasons reported on a Decision.
const (
	ReasonAdmin              = "admin"
	ReasonSubscriptionActive = "subscription_active"
	ReasonFreeQuota          = "free_quota"
	ReasonQuotaExceeded      = "quota_exceeded"
)

type Config struct {
	MonthlyFreeLimit int
	OverageFee       core.Money
}

func DefaultConfig() Config {
	return Config{
		MonthlyFreeLimit: DefaultMonthlyFreeLimit,
		OverageFee:       core.Cents(DefaultOverageFeeCents),
	}
}

// Decision is the outcome of Evaluate. Used and Limit describe the month
// before the record is created; RemainingFree is what is left after it.
type Decision struct {
	ChargeRequired bool
	ChargeAmount   core.Money
	Reason         string
	Unlimited      bool
	Used           int
	Limit          int
	RemainingFree  int
}

type Evaluator struct {
	cfg Config
}

func New(cfg Config) *Evaluator {
	if cfg.MonthlyFreeLimit < 0 {
		cfg.MonthlyFreeLimit = 0
	}
	return &Evaluator{cfg: cfg}
}

func (e *Evaluator) Config() Config {
	return e.cfg
}

// Evaluate prices the next record for profile given this month's counter.
// A nil profile is a free-tier user. A counter for another month counts
// as zero.
func (e *Evaluator) Evaluate(profile *core.UserProfile, quota core.QuotaCounter, now time.Time) Decision {
	if profile != nil && profile.IsAdmin {
		return Decision{Reason: ReasonAdmin, Unlimited: true}
	}
	if profile != nil && profile.HasActiveSubscription(now) {
		return Decision{Reason: ReasonSubscriptionActive, Unlimited: true}
	}

	used := quota.Count
	if quota.YearMonth != YearMonth(now) || used < 0 {
		used = 0
	}

	d := Decision{Used: used, Limit: e.cfg.MonthlyFreeLimit}
	if used < e.cfg.MonthlyFreeLimit {
		d.Reason = ReasonFreeQuota
		d.RemainingFree = e.cfg.MonthlyFreeLimit - used - 1
		return d
	}

	d.ChargeRequired = true
	d.ChargeAmount = e.cfg.OverageFee
	d.Reason = ReasonQuotaExceeded
	return d
}

// YearMonth returns the UTC "YYYY-MM" key quota counters are stored under.
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}
