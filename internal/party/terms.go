package party

import (
	"sync"

	"fincore/internal/core"
)

// DefaultTermDays applies to empty, unknown and incomplete payment terms.
const DefaultTermDays = 30

// TermStrategy computes how many days after the last transaction a party's
// next payment falls due. Each payment-terms value has its own strategy.
type TermStrategy interface {
	Days(account core.PartyAccount) int
}

// FixedTerm is a term of a set number of days.
type FixedTerm int

func (f FixedTerm) Days(core.PartyAccount) int { return int(f) }

// CustomTerm reads the account's own CustomTermDays, falling back to the
// default when none is set.
type CustomTerm struct{}

func (CustomTerm) Days(a core.PartyAccount) int {
	if a.CustomTermDays > 0 {
		return a.CustomTermDays
	}
	return DefaultTermDays
}

var (
	termsMu         sync.RWMutex
	termsStrategies = map[core.PaymentTerms]TermStrategy{
		core.Terms30Days: FixedTerm(30),
		core.Terms60Days: FixedTerm(60),
		core.Terms90Days: FixedTerm(90),
		core.TermsCustom: CustomTerm{},
	}
)

// TermFor returns the strategy registered for terms, or the 30-day default.
func TermFor(terms core.PaymentTerms) TermStrategy {
	termsMu.RLock()
	defer termsMu.RUnlock()
	if s, ok := termsStrategies[terms]; ok {
		return s
	}
	return FixedTerm(DefaultTermDays)
}

// RegisterTerm adds or replaces the strategy for terms.
func RegisterTerm(terms core.PaymentTerms, s TermStrategy) {
	termsMu.Lock()
	defer termsMu.Unlock()
	termsStrategies[terms] = s
}

// TermDays is the due offset in days for a.
func TermDays(a core.PartyAccount) int {
	return TermFor(a.PaymentTerms).Days(a)
}
