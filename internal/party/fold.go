// Package party derives the receivable and payable aggregates of a party
// account from its transactions.
//
// Fold rebuilds everything from the full history. AddTransaction and
// RemoveTransaction adjust an aggregate in place and must always agree
// with Fold; RemoveTransaction reports when it cannot and a refold is
// required.
package party

import (
	"time"

	"fincore/internal/core"
)

const day = 24 * time.Hour

// Fold recomputes every derived field of a from txs. It is pure: the same
// inputs always give the same aggregate.
func Fold(a core.PartyAccount, txs []core.PartyTransaction, now time.Time) core.PartyAccount {
	a.TotalAmount = core.Money{}
	a.PaidAmount = core.Money{}
	a.LastTransactionDate = nil
	a.LastPaymentDate = nil
	a.TransactionCount = 0

	for _, tx := range txs {
		a = accumulate(a, tx)
	}
	return finalize(a, now)
}

// AddTransaction folds one more transaction into an existing aggregate.
func AddTransaction(a core.PartyAccount, tx core.PartyTransaction, now time.Time) core.PartyAccount {
	return finalize(accumulate(a, tx), now)
}

// RemoveTransaction takes tx out of an aggregate. It returns false, and a
// unchanged, when tx set one of the latest dates or was the last
// transaction; the caller must refold from the remaining history.
func RemoveTransaction(a core.PartyAccount, tx core.PartyTransaction, now time.Time) (core.PartyAccount, bool) {
	if a.TransactionCount <= 1 {
		return a, false
	}
	if a.LastTransactionDate == nil || !tx.TransactionDate.Before(*a.LastTransactionDate) {
		return a, false
	}
	if tx.Kind == core.TxPayment && (a.LastPaymentDate == nil || !tx.TransactionDate.Before(*a.LastPaymentDate)) {
		return a, false
	}

	switch tx.Kind {
	case core.TxIncrease, core.TxAdjustment:
		a.TotalAmount = a.TotalAmount.Sub(tx.Amount)
	case core.TxPayment:
		a.PaidAmount = a.PaidAmount.Sub(tx.Amount)
	}
	a.TransactionCount--
	return finalize(a, now), true
}

// Refresh re-derives the time-dependent fields (due date, overdue days,
// status, age) without touching the sums.
func Refresh(a core.PartyAccount, now time.Time) core.PartyAccount {
	return finalize(a, now)
}

func accumulate(a core.PartyAccount, tx core.PartyTransaction) core.PartyAccount {
	switch tx.Kind {
	case core.TxIncrease, core.TxAdjustment:
		// Adjustments are signed and only ever move the total.
		a.TotalAmount = a.TotalAmount.Add(tx.Amount)
	case core.TxPayment:
		a.PaidAmount = a.PaidAmount.Add(tx.Amount)
		a.LastPaymentDate = latest(a.LastPaymentDate, tx.TransactionDate)
	}
	a.LastTransactionDate = latest(a.LastTransactionDate, tx.TransactionDate)
	a.TransactionCount++
	return a
}

func finalize(a core.PartyAccount, now time.Time) core.PartyAccount {
	a.RemainingAmount = a.TotalAmount.Sub(a.PaidAmount)
	a.NextPaymentDue = nil
	a.OverdueDays = 0

	if a.LastTransactionDate != nil {
		due := a.LastTransactionDate.AddDate(0, 0, TermDays(a))
		a.NextPaymentDue = &due
		if now.After(due) {
			a.OverdueDays = int(now.Sub(due) / day)
		}
	}

	switch {
	case a.RemainingAmount.Cents <= 0:
		a.Status = core.PartyPaid
	case a.OverdueDays > 0:
		a.Status = core.PartyOverdue
	default:
		a.Status = core.PartyActive
	}

	a.AgeDays = 0
	if !a.CreatedAt.IsZero() && now.After(a.CreatedAt) {
		a.AgeDays = int(now.Sub(a.CreatedAt) / day)
	}
	a.UpdatedAt = now
	return a
}

func latest(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}

// Equal compares the derived fields of two aggregates.
func Equal(a, b core.PartyAccount) bool {
	return a.TotalAmount == b.TotalAmount &&
		a.PaidAmount == b.PaidAmount &&
		a.RemainingAmount == b.RemainingAmount &&
		a.Status == b.Status &&
		a.OverdueDays == b.OverdueDays &&
		a.TransactionCount == b.TransactionCount &&
		a.AgeDays == b.AgeDays &&
		timeEqual(a.LastPaymentDate, b.LastPaymentDate) &&
		timeEqual(a.NextPaymentDue, b.NextPaymentDue) &&
		timeEqual(a.LastTransactionDate, b.LastTransactionDate)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
