package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fincore/internal/core"
	"fincore/internal/log"
	"fincore/internal/storage/memory"
)

// clock hands out strictly increasing times so entry ordering is stable.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// faultStore wraps a Store and fails selected calls.
type faultStore struct {
	Store
	mu               sync.Mutex
	casConflicts     int  // CAS calls to fail with ErrVersionConflict
	alwaysConflict   bool // every CAS conflicts
	failCompleteOnce bool // next pending->completed transition fails
	failReverseOnce  bool // next completed->reversed transition fails
}

func (f *faultStore) CompareAndSwapBalance(ctx context.Context, accountID string, expected int64, balance core.Money, lastEntryID string, now time.Time) error {
	f.mu.Lock()
	conflict := f.alwaysConflict || f.casConflicts > 0
	if f.casConflicts > 0 {
		f.casConflicts--
	}
	f.mu.Unlock()
	if conflict {
		return core.ErrVersionConflict
	}
	return f.Store.CompareAndSwapBalance(ctx, accountID, expected, balance, lastEntryID, now)
}

func (f *faultStore) TransitionEntry(ctx context.Context, id string, from, to core.EntryStatus, reversedBy string, now time.Time) error {
	f.mu.Lock()
	fail := false
	if to == core.EntryCompleted && f.failCompleteOnce {
		f.failCompleteOnce, fail = false, true
	}
	if to == core.EntryReversed && f.failReverseOnce {
		f.failReverseOnce, fail = false, true
	}
	f.mu.Unlock()
	if fail {
		return errors.New("injected transition failure")
	}
	return f.Store.TransitionEntry(ctx, id, from, to, reversedBy, now)
}

func newTestLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	return New(store, WithClock(newClock().Now), WithLogger(log.Nop()))
}

func openAccount(t *testing.T, l *Ledger, grant int64) *core.CreditAccount {
	t.Helper()
	acct, err := l.OpenAccount(context.Background(), "user-1", core.Cents(grant))
	if err != nil {
		t.Fatalf("OpenAccount() error: %v", err)
	}
	return acct
}

func mustAudit(t *testing.T, l *Ledger, accountID string) *AuditReport {
	t.Helper()
	report, err := l.Audit(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Audit() error: %v", err)
	}
	return report
}

func TestOpenAccountBooksGrant(t *testing.T) {
	store := memory.New()
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 1000)

	if acct.Balance.Cents != 1000 || acct.Version != 1 {
		t.Fatalf("account = %+v, want balance 1000 at version 1", acct)
	}
	entries, _ := l.Entries(context.Background(), acct.ID)
	if len(entries) != 1 || entries[0].OperationTag != core.TagSignupBonus || entries[0].Status != core.EntryCompleted {
		t.Fatalf("entries = %+v, want one completed signup_bonus credit", entries)
	}

	_, err := l.OpenAccount(context.Background(), "user-1", core.Cents(1000))
	if !core.IsValidation(err) {
		t.Fatalf("second OpenAccount: got %v, want ValidationError", err)
	}

	empty, err := l.OpenAccount(context.Background(), "user-2", core.Money{})
	if err != nil || empty.Balance.Cents != 0 || empty.Version != 0 {
		t.Fatalf("zero grant account = %+v, %v", empty, err)
	}
}

func TestAppendEntry(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.New())
	acct := openAccount(t, l, 500)

	e, err := l.AppendEntry(ctx, AppendRequest{
		AccountID:       acct.ID,
		Direction:       core.Debit,
		Amount:          core.Cents(120),
		OperationTag:    core.TagRecordFee,
		LinkedRecordRef: "rec_1",
	})
	if err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	if e.Status != core.EntryCompleted {
		t.Errorf("Status = %s, want completed", e.Status)
	}
	if e.BalanceBefore.Cents != 500 || e.BalanceAfter.Cents != 380 {
		t.Errorf("snapshots = %d -> %d, want 500 -> 380", e.BalanceBefore.Cents, e.BalanceAfter.Cents)
	}
	if e.AccountVersion != 2 {
		t.Errorf("AccountVersion = %d, want 2", e.AccountVersion)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Balance.Cents != 380 || got.Version != 2 || got.LastEntryID != e.ID {
		t.Fatalf("account after debit = %+v", got)
	}
	mustAudit(t, l, acct.ID)
}

func TestAppendEntryValidation(t *testing.T) {
	l := newTestLedger(t, memory.New())
	acct := openAccount(t, l, 500)

	tests := []struct {
		name  string
		req   AppendRequest
		field string
	}{
		{"missing account", AppendRequest{Direction: core.Credit, Amount: core.Cents(1), OperationTag: "x"}, "account_id"},
		{"bad direction", AppendRequest{AccountID: acct.ID, Direction: "sideways", Amount: core.Cents(1), OperationTag: "x"}, "direction"},
		{"zero amount", AppendRequest{AccountID: acct.ID, Direction: core.Credit, OperationTag: "x"}, "amount"},
		{"negative amount", AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(-5), OperationTag: "x"}, "amount"},
		{"missing tag", AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(1)}, "operation_tag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.AppendEntry(context.Background(), tt.req)
			var verr *core.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("fields = %v, want %q", verr.Fields, tt.field)
			}
		})
	}
}

func TestAppendDebitInsufficientLeavesNothing(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.New())
	acct := openAccount(t, l, 50)

	_, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(100), OperationTag: core.TagRecordFee})
	var ierr *core.InsufficientBalanceError
	if !errors.As(err, &ierr) {
		t.Fatalf("got %v, want InsufficientBalanceError", err)
	}
	if ierr.Required.Cents != 100 || ierr.Available.Cents != 50 || ierr.Shortfall().Cents != 50 {
		t.Errorf("error = %+v", ierr)
	}

	entries, _ := l.Entries(ctx, acct.ID)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want only the grant", len(entries))
	}
}

func TestAppendRejectsDisabledAccount(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 50)
	if err := store.SetAccountDisabled(ctx, acct.ID, true, time.Now()); err != nil {
		t.Fatalf("SetAccountDisabled() error: %v", err)
	}

	_, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(1), OperationTag: core.TagTopUp})
	if !core.IsValidation(err) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestAppendRetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.New()}
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 500)

	store.casConflicts = 2
	e, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(10), OperationTag: core.TagTopUp})
	if err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	if e.Status != core.EntryCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}

	entries, _ := l.Entries(ctx, acct.ID)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (losing attempts must be dropped)", len(entries))
	}
	mustAudit(t, l, acct.ID)
}

func TestAppendGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.New()}
	l := New(store, WithClock(newClock().Now), WithLogger(log.Nop()), WithMaxRetries(3))
	acct := openAccount(t, l, 500)

	store.alwaysConflict = true
	_, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(10), OperationTag: core.TagTopUp})
	if !core.IsPersistence(err) || !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("got %v, want PersistenceError wrapping ErrVersionConflict", err)
	}
	entries, _ := l.Entries(ctx, acct.ID)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want only the grant", len(entries))
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(), WithLogger(log.Nop()))
	acct := openAccount(t, l, 1000)

	const workers = 40
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(100), OperationTag: core.TagRecordFee})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case core.IsInsufficientBalance(err):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || rejected != workers-10 {
		t.Fatalf("ok=%d rejected=%d, want 10 and %d", ok, rejected, workers-10)
	}
	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Balance.Cents != 0 {
		t.Fatalf("balance = %d, want 0", got.Balance.Cents)
	}
	mustAudit(t, l, acct.ID)
	if n := l.locks.Len(); n != 0 {
		t.Errorf("lock table holds %d keys after all unlocks", n)
	}
}

func TestReverseEntry(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.New())
	acct := openAccount(t, l, 1000)

	debit, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(100), OperationTag: core.TagRecordFee, LinkedRecordRef: "rec_1"})
	if err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	comp, err := l.ReverseEntry(ctx, debit.ID)
	if err != nil {
		t.Fatalf("ReverseEntry() error: %v", err)
	}
	if comp.Direction != core.Credit || comp.Amount.Cents != 100 || comp.ReversalOf != debit.ID {
		t.Fatalf("compensation = %+v", comp)
	}
	if comp.Status != core.EntryReversed || comp.LinkedRecordRef != "rec_1" {
		t.Fatalf("compensation = %+v, want reversed and linked to rec_1", comp)
	}

	orig, _ := l.store.GetEntry(ctx, debit.ID)
	if orig.Status != core.EntryReversed || orig.ReversedBy != comp.ID {
		t.Fatalf("original = %+v, want reversed by %s", orig, comp.ID)
	}
	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Balance.Cents != 1000 {
		t.Fatalf("balance = %d, want 1000", got.Balance.Cents)
	}
	report := mustAudit(t, l, acct.ID)
	if report.Reversed != 2 || report.Completed != 1 {
		t.Errorf("report = %+v, want 1 completed and 2 reversed", report)
	}

	again, err := l.ReverseEntry(ctx, debit.ID)
	if err != nil || again.ID != comp.ID {
		t.Fatalf("second ReverseEntry() = %+v, %v; want the same compensation", again, err)
	}
	entries, _ := l.Entries(ctx, acct.ID)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
}

func TestReverseEntryRejections(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.New()}
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 1000)

	debit, _ := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(100), OperationTag: core.TagRecordFee})
	comp, err := l.ReverseEntry(ctx, debit.ID)
	if err != nil {
		t.Fatalf("ReverseEntry() error: %v", err)
	}
	if _, err := l.ReverseEntry(ctx, comp.ID); !core.IsValidation(err) {
		t.Errorf("reversing a compensation: got %v, want ValidationError", err)
	}

	store.failCompleteOnce = true
	pending, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(5), OperationTag: core.TagTopUp})
	if err == nil || pending == nil || pending.Status != core.EntryPending {
		t.Fatalf("AppendEntry() = %+v, %v; want pending entry and error", pending, err)
	}
	if _, err := l.ReverseEntry(ctx, pending.ID); !core.IsValidation(err) {
		t.Errorf("reversing a pending entry: got %v, want ValidationError", err)
	}

	if _, err := l.ReverseEntry(ctx, "lent_missing"); !core.IsNotFound(err) {
		t.Errorf("reversing a missing entry: got %v, want NotFoundError", err)
	}
}

func TestReverseCreditNeedsBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.New())
	acct := openAccount(t, l, 1000)
	entries, _ := l.Entries(ctx, acct.ID)
	grant := entries[0]

	if _, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(800), OperationTag: core.TagRecordFee}); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	if _, err := l.ReverseEntry(ctx, grant.ID); !core.IsInsufficientBalance(err) {
		t.Fatalf("got %v, want InsufficientBalanceError", err)
	}
	mustAudit(t, l, acct.ID)
}

func TestReverseResumesAfterInterruption(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.New()}
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 1000)
	debit, _ := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(300), OperationTag: core.TagRecordFee})

	store.failReverseOnce = true
	if _, err := l.ReverseEntry(ctx, debit.ID); err == nil {
		t.Fatalf("ReverseEntry() should fail when the status transition fails")
	}
	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Balance.Cents != 1000 {
		t.Fatalf("balance = %d, want 1000 (compensation applied)", got.Balance.Cents)
	}

	t.Run("explicit retry", func(t *testing.T) {
		comp, err := l.ReverseEntry(ctx, debit.ID)
		if err != nil {
			t.Fatalf("ReverseEntry() retry error: %v", err)
		}
		entries, _ := l.Entries(ctx, acct.ID)
		if len(entries) != 3 {
			t.Fatalf("entries = %d, want 3 (no second compensation)", len(entries))
		}
		if comp.Status != core.EntryReversed {
			t.Fatalf("compensation status = %s", comp.Status)
		}
		mustAudit(t, l, acct.ID)
	})
}

func TestResolvePendingFinishesOpenReversal(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.New()}
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 1000)
	debit, _ := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(300), OperationTag: core.TagRecordFee})

	store.failReverseOnce = true
	_, _ = l.ReverseEntry(ctx, debit.ID)

	stats, err := l.ResolvePending(ctx, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ResolvePending() error: %v", err)
	}
	if stats.ReversalsFinished != 1 {
		t.Fatalf("stats = %+v, want one finished reversal", stats)
	}
	orig, _ := store.GetEntry(ctx, debit.ID)
	if orig.Status != core.EntryReversed {
		t.Fatalf("original status = %s, want reversed", orig.Status)
	}
	mustAudit(t, l, acct.ID)
}

func TestResolvePending(t *testing.T) {
	future := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	pendingEntry := func(id string, version int64) *core.LedgerEntry {
		return &core.LedgerEntry{
			ID: id, AccountID: "acct_1", Direction: core.Credit, Amount: core.Cents(100),
			BalanceBefore: core.Cents(0), BalanceAfter: core.Cents(100),
			AccountVersion: version, Status: core.EntryPending, OperationTag: core.TagTopUp,
			CreatedAt: at, UpdatedAt: at,
		}
	}

	tests := []struct {
		name        string
		version     int64
		lastEntryID string
		siblings    []core.LedgerEntry
		want        core.EntryStatus // "" means deleted
		wantStats   ResolveStats
	}{
		{
			name: "swap landed and is the latest", version: 1, lastEntryID: "lent_p",
			want: core.EntryCompleted, wantStats: ResolveStats{Completed: 1},
		},
		{
			name: "swap never happened", version: 0,
			want: "", wantStats: ResolveStats{Deleted: 1},
		},
		{
			name: "another entry won the same version", version: 1, lastEntryID: "lent_w",
			siblings: []core.LedgerEntry{{ID: "lent_w", AccountVersion: 1, Status: core.EntryCompleted}},
			want:     "", wantStats: ResolveStats{Deleted: 1},
		},
		{
			name: "account moved on and a completed sibling holds the version", version: 3, lastEntryID: "lent_z",
			siblings: []core.LedgerEntry{{ID: "lent_w", AccountVersion: 1, Status: core.EntryReversed}},
			want:     "", wantStats: ResolveStats{Deleted: 1},
		},
		{
			name: "account moved on and nobody else holds the version", version: 3, lastEntryID: "lent_z",
			want: core.EntryCompleted, wantStats: ResolveStats{Completed: 1},
		},
		{
			name: "two pending entries claim the version", version: 3, lastEntryID: "lent_z",
			siblings: []core.LedgerEntry{{ID: "lent_w", AccountVersion: 1, Status: core.EntryPending}},
			want:     core.EntryPending, wantStats: ResolveStats{Ambiguous: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			if err := store.CreateAccount(ctx, &core.CreditAccount{
				ID: "acct_1", UserID: "u", Balance: core.Cents(100), Version: tt.version,
				LastEntryID: tt.lastEntryID, CreatedAt: at,
			}); err != nil {
				t.Fatalf("CreateAccount() error: %v", err)
			}
			if err := store.InsertEntry(ctx, pendingEntry("lent_p", 1)); err != nil {
				t.Fatalf("InsertEntry() error: %v", err)
			}
			for _, s := range tt.siblings {
				e := pendingEntry(s.ID, s.AccountVersion)
				e.Status = s.Status
				if err := store.InsertEntry(ctx, e); err != nil {
					t.Fatalf("InsertEntry(sibling) error: %v", err)
				}
			}

			l := newTestLedger(t, store)
			stats, err := l.ResolvePending(ctx, future)
			if err != nil {
				t.Fatalf("ResolvePending() error: %v", err)
			}
			if stats != tt.wantStats {
				t.Errorf("stats = %+v, want %+v", stats, tt.wantStats)
			}

			got, err := store.GetEntry(ctx, "lent_p")
			if tt.want == "" {
				if !core.IsNotFound(err) {
					t.Fatalf("entry should be deleted, got %+v, %v", got, err)
				}
				return
			}
			if err != nil || got.Status != tt.want {
				t.Fatalf("entry = %+v, %v; want status %s", got, err, tt.want)
			}
		})
	}
}

func TestResolvePendingSkipsYoungEntries(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.New()}
	clk := newClock()
	l := New(store, WithClock(clk.Now), WithLogger(log.Nop()))
	acct := openAccount(t, l, 100)

	store.failCompleteOnce = true
	e, _ := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(5), OperationTag: core.TagTopUp})

	stats, err := l.ResolvePending(ctx, e.CreatedAt)
	if err != nil || stats != (ResolveStats{}) {
		t.Fatalf("ResolvePending(before entry) = %+v, %v; want nothing done", stats, err)
	}
	stats, err = l.ResolvePending(ctx, e.CreatedAt.Add(time.Minute))
	if err != nil || stats.Completed != 1 {
		t.Fatalf("ResolvePending(after entry) = %+v, %v; want one completed", stats, err)
	}
	mustAudit(t, l, acct.ID)
}

func TestAuditDetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 1000)
	other, err := l.OpenAccount(ctx, "user-2", core.Cents(200))
	if err != nil {
		t.Fatalf("OpenAccount() error: %v", err)
	}

	// Move the balance behind the ledger's back.
	cur, _ := store.GetAccount(ctx, acct.ID)
	if err := store.CompareAndSwapBalance(ctx, acct.ID, cur.Version, core.Cents(1250), cur.LastEntryID, time.Now()); err != nil {
		t.Fatalf("CompareAndSwapBalance() error: %v", err)
	}

	report, err := l.Audit(ctx, acct.ID)
	var drift *core.ReconciliationDriftError
	if !errors.As(err, &drift) {
		t.Fatalf("got %v, want ReconciliationDriftError", err)
	}
	if drift.Drift().Cents != 250 || report.LedgerBalance.Cents != 1000 || report.Consistent() {
		t.Errorf("drift = %+v, report = %+v", drift, report)
	}

	after, _ := store.GetAccount(ctx, acct.ID)
	if after.Balance.Cents != 1250 {
		t.Errorf("audit must not correct the balance, got %d", after.Balance.Cents)
	}

	reports, err := l.AuditAll(ctx)
	if !core.IsDrift(err) {
		t.Fatalf("AuditAll() error = %v, want drift", err)
	}
	if len(reports) != 2 {
		t.Fatalf("AuditAll() reports = %d, want 2", len(reports))
	}
	for _, r := range reports {
		if r.AccountID == other.ID && !r.Consistent() {
			t.Errorf("healthy account reported drift: %+v", r)
		}
	}
}

func TestAuditReportsLandedPendingAsInFlight(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.New()}
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 1000)

	store.failCompleteOnce = true
	e, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(300), OperationTag: core.TagRecordFee})
	if err == nil || e == nil || e.Status != core.EntryPending {
		t.Fatalf("AppendEntry() = %+v, %v; want a pending entry and an error", e, err)
	}

	report := mustAudit(t, l, acct.ID)
	if !report.InFlight || !report.Consistent() {
		t.Errorf("report = %+v, want in flight and consistent", report)
	}
	if report.LedgerBalance.Cents != 1000 || report.AccountBalance.Cents != 700 || report.Pending != 1 {
		t.Errorf("report = %+v, want ledger 1000 and balance 700 with one pending", report)
	}

	// Drift on top of the in-flight entry is still drift.
	cur, _ := store.GetAccount(ctx, acct.ID)
	if err := store.Store.CompareAndSwapBalance(ctx, acct.ID, cur.Version, core.Cents(650), cur.LastEntryID, time.Now()); err != nil {
		t.Fatalf("CompareAndSwapBalance() error: %v", err)
	}
	report, err = l.Audit(ctx, acct.ID)
	if !core.IsDrift(err) || report.InFlight || report.Consistent() {
		t.Errorf("Audit() = %+v, %v; want drift", report, err)
	}
}

func TestAuditHalfFinishedReversal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := newTestLedger(t, store)
	acct := openAccount(t, l, 1000)

	debit, err := l.AppendEntry(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Debit, Amount: core.Cents(100), OperationTag: core.TagRecordFee})
	if err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	comp, err := l.appendLocked(ctx, AppendRequest{AccountID: acct.ID, Direction: core.Credit, Amount: core.Cents(100), OperationTag: core.TagReversal}, debit.ID)
	if err != nil {
		t.Fatalf("append compensation error: %v", err)
	}
	// Another process marked the original and has not reached the compensation yet.
	if err := store.TransitionEntry(ctx, debit.ID, core.EntryCompleted, core.EntryReversed, comp.ID, time.Now()); err != nil {
		t.Fatalf("TransitionEntry() error: %v", err)
	}

	report := mustAudit(t, l, acct.ID)
	if !report.InFlight || report.LedgerBalance.Cents != 1000 || report.AccountBalance.Cents != 1000 {
		t.Errorf("report = %+v, want in flight at 1000", report)
	}
}
