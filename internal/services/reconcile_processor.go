package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fincore/internal/amqp"
	"fincore/internal/core"
	"fincore/internal/ledger"
	"fincore/internal/log"
	"fincore/internal/metrics"
	"fincore/internal/storage"
)

// ReconcileConfig holds configuration for the reconcile processor
type ReconcileConfig struct {
	// Interval is how often a sweep runs (default: 1m)
	Interval time.Duration

	// OrphanThreshold is how old a pending entry or an open charge must be
	// before the sweep touches it (default: 5m). It must exceed the
	// longest a live coordinator call can take.
	OrphanThreshold time.Duration
}

// DefaultReconcileConfig returns sensible defaults
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Interval:        time.Minute,
		OrphanThreshold: 5 * time.Minute,
	}
}

// SweepStats counts what one sweep repaired.
type SweepStats struct {
	Ledger            ledger.ResolveStats
	ChargesCompleted  int
	RecordsDeleted    int
	ChargesSkipped    int
	IdempotencyPurged int64
}

// ReconcileProcessor repairs what crashed or failed coordinator calls
// leave behind: pending ledger entries, half-finished reversals and
// charged records still waiting for their charge.
type ReconcileProcessor struct {
	ledger  *ledger.Ledger
	records storage.RecordStore
	guard   *IdempotencyGuard
	sink    EventSink
	config  ReconcileConfig
	now     func() time.Time
	logger  *log.Logger

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewReconcileProcessor(l *ledger.Ledger, records storage.RecordStore, guard *IdempotencyGuard, sink EventSink, config ReconcileConfig, logger *log.Logger) *ReconcileProcessor {
	def := DefaultReconcileConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.OrphanThreshold <= 0 {
		config.OrphanThreshold = def.OrphanThreshold
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = log.Default(log.ComponentReconcile)
	}
	return &ReconcileProcessor{
		ledger:  l,
		records: records,
		guard:   guard,
		sink:    sink,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.WithComponent(log.ComponentReconcile),
	}
}

// Start begins the sweep loop. Returns an error if already running.
func (p *ReconcileProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("reconcile processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	p.logger.InfoContext(ctx, "Reconcile processor started",
		"interval", p.config.Interval,
		"orphan_threshold", p.config.OrphanThreshold)
	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *ReconcileProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		p.logger.InfoContext(ctx, "Reconcile processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Reconcile processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *ReconcileProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *ReconcileProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// Sweep immediately on startup to recover from a previous crash
	p.sweep(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *ReconcileProcessor) sweep(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Reconcile sweep failed",
			log.FieldOperation, log.OpSweep, log.FieldError, err)
	}
}

// RunOnce performs one sweep: pending entries first, so that a debit whose
// swap landed is completed before the charges that reference it are
// examined.
func (p *ReconcileProcessor) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cutoff := p.now().Add(-p.config.OrphanThreshold)

	ls, err := p.ledger.ResolvePending(ctx, cutoff)
	stats.Ledger = ls
	if err != nil {
		return stats, fmt.Errorf("resolve pending entries: %w", err)
	}

	open, err := p.records.ListOpenCharges(ctx, cutoff)
	if err != nil {
		return stats, core.Persistence("list open charges", err)
	}
	for i := range open {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		action, err := p.settleCharge(ctx, &open[i])
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to settle open charge",
				log.FieldRecordID, open[i].ID, log.FieldError, err)
			continue
		}
		switch action {
		case "completed":
			stats.ChargesCompleted++
		case "deleted":
			stats.RecordsDeleted++
		default:
			stats.ChargesSkipped++
		}
		if action != "skipped" {
			p.release(ctx, &open[i])
		}
		metrics.SweeperResolutions.WithLabelValues("open_charge", action).Inc()
	}

	if p.guard != nil {
		n, err := p.guard.Purge(ctx)
		if err != nil {
			return stats, err
		}
		stats.IdempotencyPurged = n
	}

	p.logger.InfoContext(ctx, "Reconcile sweep finished",
		log.FieldOperation, log.OpSweep,
		"charges_completed", stats.ChargesCompleted,
		"records_deleted", stats.RecordsDeleted,
		"charges_skipped", stats.ChargesSkipped,
		"idempotency_purged", stats.IdempotencyPurged)
	return stats, nil
}

// release frees the request token a failed coordinator call left claimed,
// so a retry is answered from the settled record.
func (p *ReconcileProcessor) release(ctx context.Context, r *core.BusinessRecord) {
	if p.guard == nil || r.RequestToken == "" {
		return
	}
	if err := p.guard.Release(ctx, r.UserID, r.RequestToken); err != nil {
		p.logger.WarnContext(ctx, "Failed to release request token",
			log.FieldRecordID, r.ID, log.FieldRequestKey, r.RequestToken, log.FieldError, err)
	}
}

// settleCharge finishes a charged record that never reached a terminal
// state. A completed debit for it means the charge happened and the
// record is completed forward. With no live debit the fee is charged now
// if the balance covers it; otherwise the record is removed.
func (p *ReconcileProcessor) settleCharge(ctx context.Context, r *core.BusinessRecord) (string, error) {
	entries, err := p.ledger.EntriesForRecord(ctx, r.ID)
	if err != nil {
		return "", err
	}

	var completed []core.LedgerEntry
	for _, e := range entries {
		if e.Direction != core.Debit || e.OperationTag != core.TagRecordFee || e.ReversalOf != "" {
			continue
		}
		switch e.Status {
		case core.EntryPending:
			// Left for ResolvePending; it may be ambiguous.
			return "skipped", nil
		case core.EntryCompleted:
			completed = append(completed, e)
		}
	}

	switch len(completed) {
	case 0:
		return p.chargeOrDelete(ctx, r)
	case 1:
		if err := p.records.CompleteRecordCharge(ctx, r.ID, completed[0].ID); err != nil {
			return "", core.Persistence("complete record charge", err)
		}
		p.logger.InfoContext(ctx, "Open charge completed forward",
			log.FieldRecordID, r.ID, log.FieldEntryID, completed[0].ID)
		return "completed", nil
	default:
		e := amqp.NewEvent(amqp.EventReconciliationCandidate)
		e.UserID = r.UserID
		e.AccountID = completed[0].AccountID
		e.RecordID = r.ID
		e.AmountCents = r.ChargeAmount.Cents
		e.Reason = fmt.Sprintf("%d completed debits for one record", len(completed))
		publish(ctx, p.sink, p.logger, e)
		p.logger.ErrorContext(ctx, "Reconciliation candidate",
			log.FieldRecordID, r.ID,
			log.FieldReason, e.Reason,
			log.FieldErrorType, log.ErrorTypeReconciliation)
		return "skipped", nil
	}
}

func (p *ReconcileProcessor) chargeOrDelete(ctx context.Context, r *core.BusinessRecord) (string, error) {
	acct, err := p.ledger.AccountForUser(ctx, r.UserID)
	if err != nil && !core.IsNotFound(err) {
		return "", err
	}
	if acct == nil || acct.Balance.LessThan(r.ChargeAmount) {
		return p.deleteUncharged(ctx, r)
	}

	debit, err := p.ledger.AppendEntry(ctx, ledger.AppendRequest{
		AccountID:       acct.ID,
		Direction:       core.Debit,
		Amount:          r.ChargeAmount,
		OperationTag:    core.TagRecordFee,
		LinkedRecordRef: r.ID,
	})
	switch {
	case core.IsInsufficientBalance(err) || core.IsValidation(err):
		// The balance moved since it was read, or the account is disabled.
		return p.deleteUncharged(ctx, r)
	case err != nil && debit != nil:
		// Pending; the next sweep resolves the entry and then the record.
		return "skipped", nil
	case err != nil:
		return "", err
	}

	if err := p.records.CompleteRecordCharge(ctx, r.ID, debit.ID); err != nil {
		// The debit is completed and linked, so the next sweep completes
		// the record forward.
		return "", core.Persistence("complete record charge", err)
	}

	e := amqp.NewEvent(amqp.EventChargeCompleted)
	e.UserID = r.UserID
	e.AccountID = acct.ID
	e.RecordID = r.ID
	e.EntryID = debit.ID
	e.AmountCents = r.ChargeAmount.Cents
	publish(ctx, p.sink, p.logger, e)

	p.logger.InfoContext(ctx, "Open charge debited by sweep",
		log.NewFields().WithCharge(r.UserID, r.ID, r.ChargeAmount.Cents).
			WithEntry(acct.ID, debit.ID, string(debit.Direction), debit.Amount.Cents).
			WithOperation(log.OpSweep).ToSlice()...)
	return "completed", nil
}

func (p *ReconcileProcessor) deleteUncharged(ctx context.Context, r *core.BusinessRecord) (string, error) {
	if err := p.records.DeleteRecord(ctx, r.ID); err != nil && !core.IsNotFound(err) {
		return "", core.Persistence("delete record", err)
	}
	p.logger.InfoContext(ctx, "Uncharged record removed",
		log.FieldRecordID, r.ID, log.FieldUserID, r.UserID)
	return "deleted", nil
}
