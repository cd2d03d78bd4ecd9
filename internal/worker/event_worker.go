package worker

import (
	"context"
	"errors"
	"fmt"

	"fincore/internal/amqp"
	"fincore/internal/core"
	"fincore/internal/ledger"
	"fincore/internal/log"
	"fincore/internal/services"
)

// Auditor is the part of the ledger the worker needs.
type Auditor interface {
	Audit(ctx context.Context, accountID string) (*ledger.AuditReport, error)
	AuditAll(ctx context.Context) ([]ledger.AuditReport, error)
}

var _ Auditor = (*ledger.Ledger)(nil)

// EventWorker reacts to coordinator events: every account touched by a
// rollback or left as a reconciliation candidate is audited, and drift is
// announced as its own event. It never corrects a balance.
type EventWorker struct {
	auditor Auditor
	sink    services.EventSink
	logger  *log.Logger
}

func NewEventWorker(auditor Auditor, sink services.EventSink, logger *log.Logger) *EventWorker {
	if sink == nil {
		sink = services.NopSink{}
	}
	if logger == nil {
		logger = log.Default(log.ComponentWorker)
	}
	return &EventWorker{
		auditor: auditor,
		sink:    sink,
		logger:  logger.WithComponent(log.ComponentWorker),
	}
}

// HandleEvent processes one event from the queue. A returned error asks
// for redelivery.
func (w *EventWorker) HandleEvent(ctx context.Context, e *amqp.Event) error {
	w.logger.DebugContext(ctx, "Processing event",
		"event_id", e.ID,
		"event_type", e.Type)

	switch e.Type {
	case amqp.EventChargeRolledBack, amqp.EventReconciliationCandidate:
		if e.AccountID == "" {
			// Refused before an account was known; nothing to audit.
			return nil
		}
		return w.auditAccount(ctx, e.AccountID, string(e.Type))

	case amqp.EventLedgerDrift:
		w.logger.ErrorContext(ctx, "Ledger drift reported",
			log.FieldAccountID, e.AccountID,
			log.FieldAmountCents, e.AmountCents,
			log.FieldReason, e.Reason,
			log.FieldErrorType, log.ErrorTypeReconciliation)
		return nil

	case amqp.EventRecordCreated, amqp.EventChargeCompleted, amqp.EventPartyRecomputed:
		return nil

	default:
		w.logger.WarnContext(ctx, "Ignoring unknown event type",
			"event_id", e.ID,
			"event_type", e.Type)
		return nil
	}
}

func (w *EventWorker) auditAccount(ctx context.Context, accountID, trigger string) error {
	report, err := w.auditor.Audit(ctx, accountID)
	var drift *core.ReconciliationDriftError
	if errors.As(err, &drift) {
		w.reportDrift(ctx, drift, trigger)
		return nil
	}
	if core.IsNotFound(err) {
		w.logger.WarnContext(ctx, "Audited account does not exist",
			log.FieldAccountID, accountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit account %s: %w", accountID, err)
	}

	w.logger.InfoContext(ctx, "Account audit clean",
		log.FieldAccountID, accountID,
		log.FieldOperation, log.OpAudit,
		"trigger", trigger,
		log.FieldBalance, report.AccountBalance.Cents,
		"pending_entries", report.Pending)
	return nil
}

// StartupAudit audits every account once, reporting each drift found.
func (w *EventWorker) StartupAudit(ctx context.Context) error {
	reports, err := w.auditor.AuditAll(ctx)
	if err != nil && !core.IsDrift(err) {
		return fmt.Errorf("audit all accounts: %w", err)
	}

	drifted := 0
	for _, r := range reports {
		if r.Consistent() {
			continue
		}
		drifted++
		w.reportDrift(ctx, &core.ReconciliationDriftError{
			AccountID:      r.AccountID,
			LedgerBalance:  r.LedgerBalance,
			AccountBalance: r.AccountBalance,
		}, "startup")
	}

	w.logger.InfoContext(ctx, "Startup audit completed",
		"accounts", len(reports),
		"drifted", drifted)
	return nil
}

func (w *EventWorker) reportDrift(ctx context.Context, drift *core.ReconciliationDriftError, trigger string) {
	e := amqp.NewEvent(amqp.EventLedgerDrift)
	e.AccountID = drift.AccountID
	e.AmountCents = drift.Drift().Cents
	e.Reason = trigger
	if err := w.sink.PublishEvent(ctx, e); err != nil {
		w.logger.WarnContext(ctx, "Failed to publish drift event",
			log.FieldAccountID, drift.AccountID,
			log.FieldOperation, log.OpPublish,
			log.FieldError, err)
	}
}
