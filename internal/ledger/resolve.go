package ledger

import (
	"context"
	"errors"
	"time"

	"fincore/internal/core"
	"fincore/internal/log"
	"fincore/internal/metrics"
)

type resolution int

const (
	resolutionSettled resolution = iota // no longer pending, nothing to do
	resolutionCompleted
	resolutionDeleted
	resolutionAmbiguous
)

// ResolveStats counts what ResolvePending did.
type ResolveStats struct {
	Completed         int
	Deleted           int
	Ambiguous         int
	ReversalsFinished int
}

// ResolvePending settles entries left pending by a crash between insert,
// balance swap and completion, then finishes reversals whose compensation
// completed but whose status transitions did not. Only entries created
// before olderThan are considered so in-flight appends are left alone.
//
// An entry is completed when the account's version shows its swap landed,
// and deleted when it cannot have landed. When another pending entry
// claims the same version the outcome cannot be told apart; the entry is
// left for an operator and counted as ambiguous.
func (l *Ledger) ResolvePending(ctx context.Context, olderThan time.Time) (ResolveStats, error) {
	var stats ResolveStats

	pending, err := l.store.ListPendingEntries(ctx, olderThan)
	if err != nil {
		return stats, core.Persistence("list pending entries", err)
	}
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		unlock := l.locks.Lock(e.AccountID)
		res, err := l.resolveLocked(ctx, e.ID)
		unlock()
		if err != nil {
			l.logger.ErrorContext(ctx, "Failed to resolve pending entry",
				log.FieldEntryID, e.ID, log.FieldAccountID, e.AccountID, log.FieldError, err)
			continue
		}
		switch res {
		case resolutionCompleted:
			stats.Completed++
			metrics.SweeperResolutions.WithLabelValues("pending_entry", "completed").Inc()
		case resolutionDeleted:
			stats.Deleted++
			metrics.SweeperResolutions.WithLabelValues("pending_entry", "deleted").Inc()
		case resolutionAmbiguous:
			stats.Ambiguous++
			metrics.SweeperResolutions.WithLabelValues("pending_entry", "ambiguous").Inc()
		}
	}

	open, err := l.store.ListOpenReversals(ctx, olderThan)
	if err != nil {
		return stats, core.Persistence("list open reversals", err)
	}
	for i := range open {
		comp := open[i]
		unlock := l.locks.Lock(comp.AccountID)
		err := l.finishReversalLocked(ctx, &comp)
		unlock()
		if err != nil {
			l.logger.ErrorContext(ctx, "Failed to finish reversal",
				log.FieldEntryID, comp.ID, log.FieldAccountID, comp.AccountID, log.FieldError, err)
			continue
		}
		stats.ReversalsFinished++
		metrics.SweeperResolutions.WithLabelValues("reversal", "finished").Inc()
	}

	if stats != (ResolveStats{}) {
		l.logger.InfoContext(ctx, "Pending ledger entries resolved",
			"completed", stats.Completed,
			"deleted", stats.Deleted,
			"ambiguous", stats.Ambiguous,
			"reversals_finished", stats.ReversalsFinished)
	}
	return stats, nil
}

// resolveLocked decides the fate of one pending entry. The caller holds the
// account lock.
func (l *Ledger) resolveLocked(ctx context.Context, entryID string) (resolution, error) {
	e, err := l.store.GetEntry(ctx, entryID)
	if core.IsNotFound(err) {
		return resolutionSettled, nil
	}
	if err != nil {
		return 0, core.Persistence("get ledger entry", err)
	}
	if e.Status != core.EntryPending {
		return resolutionSettled, nil
	}

	acct, err := l.store.GetAccount(ctx, e.AccountID)
	if err != nil {
		return 0, core.Persistence("get account", err)
	}

	switch {
	case acct.LastEntryID == e.ID:
		return l.completePending(ctx, e)
	case acct.Version <= e.AccountVersion:
		// The swap to e.AccountVersion never happened, or someone else made it.
		return l.deletePending(ctx, e)
	}

	// The account moved past e's version. Find who claimed it.
	entries, err := l.store.ListEntries(ctx, e.AccountID)
	if err != nil {
		return 0, core.Persistence("list ledger entries", err)
	}
	for _, other := range entries {
		if other.ID == e.ID || other.AccountVersion != e.AccountVersion {
			continue
		}
		if other.Status != core.EntryPending {
			return l.deletePending(ctx, e)
		}
		l.logger.WarnContext(ctx, "Reconciliation candidate: two pending entries claim one account version",
			log.FieldAccountID, e.AccountID,
			log.FieldEntryID, e.ID,
			"other_entry_id", other.ID,
			log.FieldVersion, e.AccountVersion,
			log.FieldErrorType, log.ErrorTypeReconciliation)
		return resolutionAmbiguous, nil
	}
	return l.completePending(ctx, e)
}

func (l *Ledger) completePending(ctx context.Context, e *core.LedgerEntry) (resolution, error) {
	err := l.store.TransitionEntry(ctx, e.ID, core.EntryPending, core.EntryCompleted, "", l.now())
	if errors.Is(err, core.ErrVersionConflict) {
		return resolutionSettled, nil
	}
	if err != nil {
		return 0, core.Persistence("complete ledger entry", err)
	}
	l.logger.InfoContext(ctx, "Pending entry completed",
		log.NewFields().WithEntry(e.AccountID, e.ID, string(e.Direction), e.Amount.Cents).
			WithOperation(log.OpSweep).ToSlice()...)
	return resolutionCompleted, nil
}

func (l *Ledger) deletePending(ctx context.Context, e *core.LedgerEntry) (resolution, error) {
	err := l.store.DeleteEntry(ctx, e.ID)
	if errors.Is(err, core.ErrVersionConflict) || core.IsNotFound(err) {
		return resolutionSettled, nil
	}
	if err != nil {
		return 0, core.Persistence("delete ledger entry", err)
	}
	l.logger.InfoContext(ctx, "Pending entry discarded",
		log.FieldEntryID, e.ID, log.FieldAccountID, e.AccountID, log.FieldOperation, log.OpSweep)
	return resolutionDeleted, nil
}
