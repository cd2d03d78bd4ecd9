package party

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"fincore/internal/core"
)

var day0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func onDay(n int) time.Time { return day0.AddDate(0, 0, n) }

func tx(id string, kind core.PartyTxKind, cents int64, dayN int) core.PartyTransaction {
	return core.PartyTransaction{
		ID:              id,
		PartyAccountID:  "party_1",
		Kind:            kind,
		Amount:          core.Cents(cents),
		TransactionDate: onDay(dayN),
	}
}

func account(terms core.PaymentTerms) core.PartyAccount {
	return core.PartyAccount{
		ID:           "party_1",
		OwnerUserID:  "user-1",
		Kind:         core.Debtor,
		PartyName:    "Acme",
		PaymentTerms: terms,
		CreatedAt:    day0,
	}
}

func TestFoldDueStatusOverTime(t *testing.T) {
	txs := []core.PartyTransaction{
		tx("t1", core.TxIncrease, 1000, 0),
		tx("t2", core.TxPayment, 400, 5),
	}

	tests := []struct {
		name        string
		now         time.Time
		wantStatus  core.PartyStatus
		wantOverdue int
	}{
		{"day 20", onDay(20), core.PartyActive, 0},
		{"due day", onDay(35), core.PartyActive, 0},
		{"day 40", onDay(40), core.PartyOverdue, 5},
		{"day 40 afternoon", onDay(40).Add(15 * time.Hour), core.PartyOverdue, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fold(account(core.Terms30Days), txs, tt.now)
			if got.RemainingAmount.Cents != 600 || got.TotalAmount.Cents != 1000 || got.PaidAmount.Cents != 400 {
				t.Fatalf("sums = total %d paid %d remaining %d", got.TotalAmount.Cents, got.PaidAmount.Cents, got.RemainingAmount.Cents)
			}
			if got.NextPaymentDue == nil || !got.NextPaymentDue.Equal(onDay(35)) {
				t.Fatalf("NextPaymentDue = %v, want day 35", got.NextPaymentDue)
			}
			if got.Status != tt.wantStatus || got.OverdueDays != tt.wantOverdue {
				t.Errorf("status = %s/%d, want %s/%d", got.Status, got.OverdueDays, tt.wantStatus, tt.wantOverdue)
			}
			if got.LastPaymentDate == nil || !got.LastPaymentDate.Equal(onDay(5)) {
				t.Errorf("LastPaymentDate = %v, want day 5", got.LastPaymentDate)
			}
		})
	}
}

func TestFoldEmptyHistory(t *testing.T) {
	a := account(core.Terms30Days)
	a.TotalAmount = core.Cents(999) // stale values must be cleared
	got := Fold(a, nil, onDay(3))

	if got.Status != core.PartyPaid || !got.TotalAmount.IsZero() || !got.RemainingAmount.IsZero() {
		t.Fatalf("empty fold = %+v", got)
	}
	if got.NextPaymentDue != nil || got.LastTransactionDate != nil || got.LastPaymentDate != nil {
		t.Fatalf("empty fold must have no dates: %+v", got)
	}
	if got.AgeDays != 3 {
		t.Errorf("AgeDays = %d, want 3", got.AgeDays)
	}
}

func TestFoldStatusTransitions(t *testing.T) {
	a := account(core.Terms30Days)
	txs := []core.PartyTransaction{
		tx("t1", core.TxIncrease, 1000, 0),
		tx("t2", core.TxPayment, 1000, 1),
	}
	if got := Fold(a, txs, onDay(2)); got.Status != core.PartyPaid {
		t.Fatalf("fully paid: status = %s", got.Status)
	}

	txs = append(txs, tx("t3", core.TxIncrease, 200, 2))
	if got := Fold(a, txs, onDay(3)); got.Status != core.PartyActive || got.RemainingAmount.Cents != 200 {
		t.Fatalf("after increase: %s remaining %d", got.Status, got.RemainingAmount.Cents)
	}
	if got := Fold(a, txs, onDay(40)); got.Status != core.PartyOverdue || got.OverdueDays != 8 {
		t.Fatalf("after increase, late: %s overdue %d", got.Status, got.OverdueDays)
	}
}

func TestFoldAdjustments(t *testing.T) {
	txs := []core.PartyTransaction{
		tx("t1", core.TxIncrease, 1000, 0),
		tx("t2", core.TxAdjustment, -300, 1),
		tx("t3", core.TxPayment, 700, 2),
	}
	got := Fold(account(core.Terms30Days), txs, onDay(3))
	if got.TotalAmount.Cents != 700 || got.PaidAmount.Cents != 700 || got.Status != core.PartyPaid {
		t.Fatalf("fold = total %d paid %d %s", got.TotalAmount.Cents, got.PaidAmount.Cents, got.Status)
	}

	over := Fold(account(core.Terms30Days), []core.PartyTransaction{
		tx("t1", core.TxIncrease, 100, 0),
		tx("t2", core.TxPayment, 150, 0),
	}, onDay(1))
	if over.RemainingAmount.Cents != -50 || over.Status != core.PartyPaid {
		t.Fatalf("overpaid = remaining %d %s", over.RemainingAmount.Cents, over.Status)
	}
}

func TestTermDays(t *testing.T) {
	tests := []struct {
		terms  core.PaymentTerms
		custom int
		want   int
	}{
		{core.Terms30Days, 0, 30},
		{core.Terms60Days, 0, 60},
		{core.Terms90Days, 0, 90},
		{core.TermsCustom, 45, 45},
		{core.TermsCustom, 0, DefaultTermDays},
		{"", 0, DefaultTermDays},
		{"weekly", 0, DefaultTermDays},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.terms, tt.custom), func(t *testing.T) {
			a := account(tt.terms)
			a.CustomTermDays = tt.custom
			if got := TermDays(a); got != tt.want {
				t.Errorf("TermDays() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegisterTerm(t *testing.T) {
	const weekly core.PaymentTerms = "7_days_test"
	RegisterTerm(weekly, FixedTerm(7))

	got := Fold(account(weekly), []core.PartyTransaction{tx("t1", core.TxIncrease, 10, 0)}, onDay(1))
	if got.NextPaymentDue == nil || !got.NextPaymentDue.Equal(onDay(7)) {
		t.Fatalf("NextPaymentDue = %v, want day 7", got.NextPaymentDue)
	}
}

func TestFoldIsIdempotentAndOrderIndependent(t *testing.T) {
	txs := []core.PartyTransaction{
		tx("t1", core.TxIncrease, 1000, 0),
		tx("t2", core.TxPayment, 250, 9),
		tx("t3", core.TxAdjustment, 75, 4),
	}
	now := onDay(12)
	first := Fold(account(core.Terms60Days), txs, now)
	second := Fold(first, txs, now)
	if !Equal(first, second) {
		t.Fatalf("refold changed the aggregate:\n%+v\n%+v", first, second)
	}

	reversed := []core.PartyTransaction{txs[2], txs[1], txs[0]}
	if !Equal(first, Fold(account(core.Terms60Days), reversed, now)) {
		t.Fatalf("fold depends on transaction order")
	}
}

func TestIncrementalMatchesFold(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	kinds := []core.PartyTxKind{core.TxIncrease, core.TxPayment, core.TxAdjustment}

	for round := 0; round < 50; round++ {
		now := onDay(60)
		a := Fold(account(core.Terms30Days), nil, now)
		var history []core.PartyTransaction

		for i := 0; i < 12; i++ {
			kind := kinds[rng.IntN(len(kinds))]
			amount := int64(rng.IntN(500) + 1)
			if kind == core.TxAdjustment && rng.IntN(2) == 0 {
				amount = -amount
			}
			next := tx(fmt.Sprintf("r%d-%d", round, i), kind, amount, rng.IntN(45))
			history = append(history, next)
			a = AddTransaction(a, next, now)

			if want := Fold(a, history, now); !Equal(a, want) {
				t.Fatalf("round %d add %d: incremental %+v\nfold %+v", round, i, a, want)
			}
		}

		for len(history) > 0 {
			idx := rng.IntN(len(history))
			removed := history[idx]
			history = append(history[:idx:idx], history[idx+1:]...)

			updated, ok := RemoveTransaction(a, removed, now)
			if !ok {
				updated = Fold(a, history, now)
			}
			if want := Fold(a, history, now); !Equal(updated, want) {
				t.Fatalf("round %d remove %s (incremental=%v): got %+v\nwant %+v", round, removed.ID, ok, updated, want)
			}
			a = updated
		}
	}
}

func TestRemoveTransactionFallsBack(t *testing.T) {
	now := onDay(10)
	history := []core.PartyTransaction{
		tx("t1", core.TxIncrease, 1000, 0),
		tx("t2", core.TxPayment, 100, 2),
		tx("t3", core.TxIncrease, 50, 6),
	}
	a := Fold(account(core.Terms30Days), history, now)

	if _, ok := RemoveTransaction(a, history[2], now); ok {
		t.Errorf("removing the latest transaction must require a refold")
	}
	if _, ok := RemoveTransaction(a, history[1], now); ok {
		t.Errorf("removing the latest payment must require a refold")
	}
	got, ok := RemoveTransaction(a, history[0], now)
	if !ok || got.TotalAmount.Cents != 50 || got.TransactionCount != 2 {
		t.Errorf("removing an old increase = %+v, %v", got, ok)
	}

	single := Fold(account(core.Terms30Days), history[:1], now)
	if _, ok := RemoveTransaction(single, history[0], now); ok {
		t.Errorf("removing the only transaction must require a refold")
	}
}

func TestRefreshKeepsSums(t *testing.T) {
	a := Fold(account(core.Terms30Days), []core.PartyTransaction{tx("t1", core.TxIncrease, 500, 0)}, onDay(1))
	if a.Status != core.PartyActive {
		t.Fatalf("status = %s, want active", a.Status)
	}
	later := Refresh(a, onDay(45))
	if later.Status != core.PartyOverdue || later.OverdueDays != 15 || later.TotalAmount.Cents != 500 {
		t.Fatalf("refreshed = %+v", later)
	}
}
