package ledger

import (
	"context"
	"errors"
	"time"

	"fincore/internal/core"
	"fincore/internal/log"
	"fincore/internal/metrics"
)

// AuditReport is the result of replaying an account's completed entries.
type AuditReport struct {
	AccountID      string
	AccountBalance core.Money
	LedgerBalance  core.Money
	Completed      int
	Pending        int
	Reversed       int
	// InFlight is set when a write from another process was caught half
	// done: the balance already holds a pending entry, or a reversal has
	// marked only its original. LedgerBalance excludes the pending entry.
	InFlight  bool
	CheckedAt time.Time
}

// Consistent reports whether the replay matched the stored balance, with
// an in-flight write counted as landed.
func (r AuditReport) Consistent() bool {
	return r.AccountBalance == r.LedgerBalance || r.InFlight
}

// Audit checks that completed credits minus completed debits equals the
// account balance. On mismatch it returns the report together with a
// *core.ReconciliationDriftError. Nothing is corrected.
//
// The key lock only excludes writers in this process. A pending entry the
// account's LastEntryID points at has already moved the balance, so a
// mismatch it explains exactly is reported as in flight, not as drift.
func (l *Ledger) Audit(ctx context.Context, accountID string) (*AuditReport, error) {
	unlock := l.locks.Lock(accountID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, core.Persistence("get account", err)
	}
	entries, err := l.store.ListEntries(ctx, accountID)
	if err != nil {
		return nil, core.Persistence("list ledger entries", err)
	}

	report := &AuditReport{
		AccountID:      accountID,
		AccountBalance: acct.Balance,
		CheckedAt:      l.now(),
	}
	status := make(map[string]core.EntryStatus, len(entries))
	for _, e := range entries {
		status[e.ID] = e.Status
	}

	var (
		landed       *core.LedgerEntry
		halfReversed bool
	)
	for i, e := range entries {
		switch e.Status {
		case core.EntryCompleted:
			report.Completed++
			if e.ReversalOf != "" && status[e.ReversalOf] == core.EntryReversed {
				// The pair nets to zero once the compensation is marked too.
				halfReversed = true
				continue
			}
			report.LedgerBalance = report.LedgerBalance.Apply(e.Direction, e.Amount)
		case core.EntryPending:
			report.Pending++
			if e.ID == acct.LastEntryID {
				landed = &entries[i]
			}
		case core.EntryReversed:
			report.Reversed++
		}
	}
	if halfReversed && report.AccountBalance == report.LedgerBalance {
		report.InFlight = true
	}
	if landed != nil && report.AccountBalance != report.LedgerBalance &&
		report.LedgerBalance.Apply(landed.Direction, landed.Amount) == report.AccountBalance {
		report.InFlight = true
		l.logger.InfoContext(ctx, "Audit caught an entry in flight",
			log.FieldAccountID, accountID,
			log.FieldEntryID, landed.ID,
			log.FieldOperation, log.OpAudit)
	}

	if !report.Consistent() {
		metrics.LedgerDriftDetected.Inc()
		drift := &core.ReconciliationDriftError{
			AccountID:      accountID,
			LedgerBalance:  report.LedgerBalance,
			AccountBalance: report.AccountBalance,
		}
		l.logger.ErrorContext(ctx, "Ledger drift detected",
			log.FieldAccountID, accountID,
			log.FieldOperation, log.OpAudit,
			log.FieldErrorType, log.ErrorTypeReconciliation,
			"ledger_balance_cents", report.LedgerBalance.Cents,
			"account_balance_cents", report.AccountBalance.Cents,
			"pending_entries", report.Pending)
		return report, drift
	}
	return report, nil
}

// AuditAll audits every account. Drift on one account does not stop the
// others; all drift errors are joined into the returned error. Any other
// failure aborts the run.
func (l *Ledger) AuditAll(ctx context.Context) ([]AuditReport, error) {
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, core.Persistence("list accounts", err)
	}

	var (
		reports []AuditReport
		drifts  []error
	)
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := l.Audit(ctx, a.ID)
		if err != nil && !core.IsDrift(err) {
			return reports, err
		}
		if err != nil {
			drifts = append(drifts, err)
		}
		reports = append(reports, *report)
	}
	return reports, errors.Join(drifts...)
}
