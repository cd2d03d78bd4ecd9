package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"fincore/internal/amqp"
	"fincore/internal/core"
	"fincore/internal/ledger"
	"fincore/internal/log"
	"fincore/internal/services"
	"fincore/internal/storage/memory"
)

func setup(t *testing.T) (*memory.Store, *ledger.Ledger, *services.RecordingSink, *EventWorker) {
	t.Helper()
	store := memory.New()
	l := ledger.New(store, ledger.WithLogger(log.Nop()))
	sink := &services.RecordingSink{}
	return store, l, sink, NewEventWorker(l, sink, log.Nop())
}

func openAccount(t *testing.T, l *ledger.Ledger, userID string, grant int64) *core.CreditAccount {
	t.Helper()
	acct, err := l.OpenAccount(context.Background(), userID, core.Cents(grant))
	if err != nil {
		t.Fatalf("OpenAccount() error: %v", err)
	}
	return acct
}

// corrupt moves the stored balance without a ledger entry.
func corrupt(t *testing.T, store *memory.Store, acct *core.CreditAccount, cents int64) {
	t.Helper()
	current, err := store.GetAccount(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("GetAccount() error: %v", err)
	}
	if err := store.CompareAndSwapBalance(context.Background(), acct.ID, current.Version, core.Cents(cents), current.LastEntryID, time.Now()); err != nil {
		t.Fatalf("CompareAndSwapBalance() error: %v", err)
	}
}

func TestHandleEvent_CleanAudit(t *testing.T) {
	_, l, sink, w := setup(t)
	acct := openAccount(t, l, "user-1", 200)

	e := amqp.NewEvent(amqp.EventChargeRolledBack)
	e.AccountID = acct.ID
	if err := w.HandleEvent(context.Background(), e); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if got := len(sink.OfType(amqp.EventLedgerDrift)); got != 0 {
		t.Errorf("drift events = %d, want 0", got)
	}
}

func TestHandleEvent_DriftIsPublished(t *testing.T) {
	store, l, sink, w := setup(t)
	acct := openAccount(t, l, "user-1", 200)
	corrupt(t, store, acct, 250)

	e := amqp.NewEvent(amqp.EventReconciliationCandidate)
	e.AccountID = acct.ID
	if err := w.HandleEvent(context.Background(), e); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}

	drifts := sink.OfType(amqp.EventLedgerDrift)
	if len(drifts) != 1 {
		t.Fatalf("drift events = %d, want 1", len(drifts))
	}
	if drifts[0].AccountID != acct.ID || drifts[0].AmountCents != 50 {
		t.Errorf("drift event = %+v, want account %s drift 50", drifts[0], acct.ID)
	}
	if drifts[0].Reason != string(amqp.EventReconciliationCandidate) {
		t.Errorf("reason = %q", drifts[0].Reason)
	}
}

func TestHandleEvent_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name  string
		event *amqp.Event
	}{
		{"rollback without account", amqp.NewEvent(amqp.EventChargeRolledBack)},
		{"record created", amqp.NewEvent(amqp.EventRecordCreated)},
		{"drift", amqp.NewEvent(amqp.EventLedgerDrift)},
		{"unknown", amqp.NewEvent("something.else")},
		{"missing account", func() *amqp.Event {
			e := amqp.NewEvent(amqp.EventChargeRolledBack)
			e.AccountID = "acct_missing"
			return e
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, sink, w := setup(t)
			if err := w.HandleEvent(context.Background(), tt.event); err != nil {
				t.Errorf("HandleEvent() error: %v", err)
			}
			if got := len(sink.Events()); got != 0 {
				t.Errorf("published %d events, want 0", got)
			}
		})
	}
}

type failingAuditor struct{ err error }

func (f failingAuditor) Audit(context.Context, string) (*ledger.AuditReport, error) {
	return nil, f.err
}

func (f failingAuditor) AuditAll(context.Context) ([]ledger.AuditReport, error) {
	return nil, f.err
}

func TestHandleEvent_StoreFailureRequeues(t *testing.T) {
	boom := &core.PersistenceError{Op: "list ledger entries", Err: errors.New("disk gone")}
	w := NewEventWorker(failingAuditor{err: boom}, nil, log.Nop())

	e := amqp.NewEvent(amqp.EventChargeRolledBack)
	e.AccountID = "acct_1"
	if err := w.HandleEvent(context.Background(), e); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if err := w.StartupAudit(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestStartupAudit(t *testing.T) {
	store, l, sink, w := setup(t)
	openAccount(t, l, "user-1", 100)
	bad := openAccount(t, l, "user-2", 100)
	corrupt(t, store, bad, 40)

	if err := w.StartupAudit(context.Background()); err != nil {
		t.Fatalf("StartupAudit() error: %v", err)
	}
	drifts := sink.OfType(amqp.EventLedgerDrift)
	if len(drifts) != 1 || drifts[0].AccountID != bad.ID || drifts[0].AmountCents != -60 {
		t.Errorf("drift events = %+v, want one for %s of -60", drifts, bad.ID)
	}
}
