// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"fincore/internal/core"
	"fincore/internal/id"
	"fincore/internal/storage"
)

// Run exercises newStore against the full storage contract. newStore must
// return an empty store; cleanup is the caller's job.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("entries", func(t *testing.T) { testEntries(t, newStore(t)) })
	t.Run("records", func(t *testing.T) { testRecords(t, newStore(t)) })
	t.Run("quota and profiles", func(t *testing.T) { testQuotaAndProfiles(t, newStore(t)) })
	t.Run("parties", func(t *testing.T) { testParties(t, newStore(t)) })
	t.Run("idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
}

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func testAccounts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acct := &core.CreditAccount{ID: id.NewAccountID(), UserID: "user-1", CreatedAt: base, UpdatedAt: base}
	if err := s.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	dup := &core.CreditAccount{ID: id.NewAccountID(), UserID: "user-1", CreatedAt: base, UpdatedAt: base}
	if err := s.CreateAccount(ctx, dup); !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("second account for user: got %v, want ErrAlreadyExists", err)
	}

	if err := s.CompareAndSwapBalance(ctx, acct.ID, 0, core.Cents(1000), "lent_a", base); err != nil {
		t.Fatalf("CompareAndSwapBalance() error: %v", err)
	}
	if err := s.CompareAndSwapBalance(ctx, acct.ID, 0, core.Cents(5), "lent_b", base); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("stale swap: got %v, want ErrVersionConflict", err)
	}
	if err := s.CompareAndSwapBalance(ctx, "acct_missing", 0, core.Cents(5), "x", base); !core.IsNotFound(err) {
		t.Fatalf("swap on missing account: got %v, want NotFoundError", err)
	}

	got, err := s.GetAccountByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAccountByUser() error: %v", err)
	}
	if got.Balance.Cents != 1000 || got.Version != 1 || got.LastEntryID != "lent_a" {
		t.Fatalf("unexpected account after swap: %+v", got)
	}

	if err := s.SetAccountDisabled(ctx, acct.ID, true, base); err != nil {
		t.Fatalf("SetAccountDisabled() error: %v", err)
	}
	got, _ = s.GetAccount(ctx, acct.ID)
	if !got.Disabled {
		t.Fatalf("account should be disabled")
	}

	if _, err := s.GetAccount(ctx, "acct_missing"); !core.IsNotFound(err) {
		t.Fatalf("GetAccount(missing): got %v, want NotFoundError", err)
	}
	list, err := s.ListAccounts(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListAccounts() = %d, %v", len(list), err)
	}
}

func entry(accountID string, status core.EntryStatus, at time.Time) *core.LedgerEntry {
	return &core.LedgerEntry{
		ID:             id.NewEntryID(),
		AccountID:      accountID,
		Direction:      core.Credit,
		Amount:         core.Cents(100),
		BalanceBefore:  core.Cents(0),
		BalanceAfter:   core.Cents(100),
		AccountVersion: 1,
		Status:         status,
		OperationTag:   core.TagTopUp,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func testEntries(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := entry("acct_1", core.EntryCompleted, base)
	second := entry("acct_1", core.EntryPending, base.Add(time.Minute))
	second.LinkedRecordRef = "rec_1"
	other := entry("acct_2", core.EntryPending, base)
	for _, e := range []*core.LedgerEntry{second, first, other} {
		if err := s.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry() error: %v", err)
		}
	}

	list, err := s.ListEntries(ctx, "acct_1")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListEntries() = %d, %v", len(list), err)
	}
	if list[0].ID != first.ID {
		t.Fatalf("entries not ordered by creation time")
	}

	pending, err := s.ListPendingEntries(ctx, base.Add(30*time.Second))
	if err != nil || len(pending) != 1 || pending[0].ID != other.ID {
		t.Fatalf("ListPendingEntries() = %+v, %v", pending, err)
	}

	byRecord, err := s.ListEntriesByRecord(ctx, "rec_1")
	if err != nil || len(byRecord) != 1 || byRecord[0].ID != second.ID {
		t.Fatalf("ListEntriesByRecord() = %+v, %v", byRecord, err)
	}

	if err := s.DeleteEntry(ctx, first.ID); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("deleting a completed entry: got %v, want ErrVersionConflict", err)
	}
	if err := s.DeleteEntry(ctx, other.ID); err != nil {
		t.Fatalf("DeleteEntry() error: %v", err)
	}

	if err := s.TransitionEntry(ctx, second.ID, core.EntryCompleted, core.EntryReversed, "", base); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("transition from wrong status: got %v", err)
	}
	if err := s.TransitionEntry(ctx, second.ID, core.EntryPending, core.EntryCompleted, "", base); err != nil {
		t.Fatalf("TransitionEntry() error: %v", err)
	}

	comp := entry("acct_1", core.EntryCompleted, base.Add(2*time.Minute))
	comp.Direction = core.Debit
	comp.ReversalOf = first.ID
	if err := s.InsertEntry(ctx, comp); err != nil {
		t.Fatalf("InsertEntry(compensation) error: %v", err)
	}
	found, err := s.FindReversal(ctx, first.ID)
	if err != nil || found.ID != comp.ID {
		t.Fatalf("FindReversal() = %+v, %v", found, err)
	}
	if _, err := s.FindReversal(ctx, second.ID); !core.IsNotFound(err) {
		t.Fatalf("FindReversal(none): got %v", err)
	}
	open, err := s.ListOpenReversals(ctx, base.Add(time.Hour))
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpenReversals() = %d, %v", len(open), err)
	}

	if err := s.TransitionEntry(ctx, first.ID, core.EntryCompleted, core.EntryReversed, comp.ID, base); err != nil {
		t.Fatalf("TransitionEntry(reverse) error: %v", err)
	}
	got, err := s.GetEntry(ctx, first.ID)
	if err != nil || got.Status != core.EntryReversed || got.ReversedBy != comp.ID {
		t.Fatalf("reversed entry = %+v, %v", got, err)
	}
	if got.Amount.Cents != 100 || got.Direction != core.Credit {
		t.Fatalf("reversal must not edit amount or direction: %+v", got)
	}
}

func testRecords(t *testing.T, s storage.Store) {
	ctx := context.Background()
	attempted := base.Add(-time.Hour)
	open := &core.BusinessRecord{
		ID:     id.NewRecordID(),
		UserID: "user-1",
		Kind:   core.RecordExpense,
		Payload: core.RecordPayload{
			Date:        core.NewDate(2025, 3, 1),
			Description: "groceries",
			Amount:      core.Cents(2599),
			Category:    "food",
		},
		ChargeRequired:    true,
		ChargeAmount:      core.Cents(100),
		ChargeAttemptedAt: &attempted,
		RequestToken:      "tok",
		CreatedAt:         attempted,
	}
	free := &core.BusinessRecord{
		ID:        id.NewRecordID(),
		UserID:    "user-1",
		Kind:      core.RecordIncome,
		Payload:   core.RecordPayload{Date: core.NewDate(2025, 3, 2), Description: "salary", Amount: core.Cents(100000)},
		CreatedAt: base,
	}
	for _, r := range []*core.BusinessRecord{open, free} {
		if err := s.InsertRecord(ctx, r); err != nil {
			t.Fatalf("InsertRecord() error: %v", err)
		}
	}

	got, err := s.GetRecord(ctx, open.ID)
	if err != nil {
		t.Fatalf("GetRecord() error: %v", err)
	}
	if got.Payload.Description != "groceries" || got.Payload.Amount.Cents != 2599 || !got.Payload.Date.Equal(open.Payload.Date.Time) {
		t.Fatalf("payload not round-tripped: %+v", got.Payload)
	}
	if got.ChargeAttemptedAt == nil || !got.ChargeAttemptedAt.Equal(attempted) {
		t.Fatalf("ChargeAttemptedAt not round-tripped: %v", got.ChargeAttemptedAt)
	}

	openList, err := s.ListOpenCharges(ctx, base)
	if err != nil || len(openList) != 1 || openList[0].ID != open.ID {
		t.Fatalf("ListOpenCharges() = %+v, %v", openList, err)
	}
	if young, _ := s.ListOpenCharges(ctx, attempted); len(young) != 0 {
		t.Fatalf("records newer than the cutoff must not be listed")
	}

	if err := s.CompleteRecordCharge(ctx, open.ID, "lent_x"); err != nil {
		t.Fatalf("CompleteRecordCharge() error: %v", err)
	}
	got, _ = s.GetRecord(ctx, open.ID)
	if !got.ChargeCompleted || got.ChargeEntryID != "lent_x" {
		t.Fatalf("record not completed: %+v", got)
	}
	if openList, _ := s.ListOpenCharges(ctx, base); len(openList) != 0 {
		t.Fatalf("completed record still listed as open")
	}

	byUser, err := s.ListRecordsByUser(ctx, "user-1")
	if err != nil || len(byUser) != 2 {
		t.Fatalf("ListRecordsByUser() = %d, %v", len(byUser), err)
	}

	if err := s.DeleteRecord(ctx, free.ID); err != nil {
		t.Fatalf("DeleteRecord() error: %v", err)
	}
	if _, err := s.GetRecord(ctx, free.ID); !core.IsNotFound(err) {
		t.Fatalf("deleted record: got %v", err)
	}
	if err := s.DeleteRecord(ctx, free.ID); !core.IsNotFound(err) {
		t.Fatalf("double delete: got %v", err)
	}

	byToken, err := s.GetRecordByToken(ctx, "user-1", "tok")
	if err != nil || byToken.ID != open.ID {
		t.Fatalf("GetRecordByToken() = %+v, %v", byToken, err)
	}
	if _, err := s.GetRecordByToken(ctx, "user-2", "tok"); !core.IsNotFound(err) {
		t.Fatalf("token of another user: got %v", err)
	}
	if _, err := s.GetRecordByToken(ctx, "user-1", ""); !core.IsNotFound(err) {
		t.Fatalf("empty token must never match: got %v", err)
	}

	dup := *open
	dup.ID = id.NewRecordID()
	if err := s.InsertRecord(ctx, &dup); !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("second record with the same token: got %v", err)
	}
	dup.UserID = "user-2"
	if err := s.InsertRecord(ctx, &dup); err != nil {
		t.Fatalf("same token for another user: %v", err)
	}
	untokened := *free
	untokened.ID = id.NewRecordID()
	if err := s.InsertRecord(ctx, &untokened); err != nil {
		t.Fatalf("records without a token never collide: %v", err)
	}
	untokened.ID = id.NewRecordID()
	if err := s.InsertRecord(ctx, &untokened); err != nil {
		t.Fatalf("records without a token never collide: %v", err)
	}
}

func testQuotaAndProfiles(t *testing.T, s storage.Store) {
	ctx := context.Background()
	q, err := s.GetQuota(ctx, "user-1", "2025-03")
	if err != nil || q.Count != 0 {
		t.Fatalf("GetQuota(empty) = %+v, %v", q, err)
	}
	for i := 1; i <= 3; i++ {
		q, err = s.IncrementQuota(ctx, "user-1", "2025-03")
		if err != nil || q.Count != i {
			t.Fatalf("IncrementQuota() #%d = %+v, %v", i, q, err)
		}
	}
	if other, _ := s.GetQuota(ctx, "user-1", "2025-04"); other.Count != 0 {
		t.Fatalf("months must be keyed separately, got %d", other.Count)
	}

	if _, err := s.GetProfile(ctx, "user-1"); !core.IsNotFound(err) {
		t.Fatalf("GetProfile(missing): got %v", err)
	}
	end := base.Add(24 * time.Hour)
	p := &core.UserProfile{UserID: "user-1", IsSubscribed: true, SubscriptionEnd: &end}
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile() error: %v", err)
	}
	p.IsAdmin = true
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile(update) error: %v", err)
	}
	got, err := s.GetProfile(ctx, "user-1")
	if err != nil || !got.IsAdmin || got.SubscriptionEnd == nil || !got.SubscriptionEnd.Equal(end) {
		t.Fatalf("GetProfile() = %+v, %v", got, err)
	}
}

func testParties(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := &core.PartyAccount{
		ID:           id.NewPartyID(),
		OwnerUserID:  "user-1",
		Kind:         core.Debtor,
		PartyName:    "Acme",
		PaymentTerms: core.Terms30Days,
		Status:       core.PartyPaid,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	if err := s.CreateParty(ctx, p); err != nil {
		t.Fatalf("CreateParty() error: %v", err)
	}

	day0 := base
	day5 := base.Add(5 * 24 * time.Hour)
	txs := []*core.PartyTransaction{
		{ID: id.NewPartyTxID(), PartyAccountID: p.ID, Kind: core.TxPayment, Amount: core.Cents(400), TransactionDate: day5, CreatedAt: day5},
		{ID: id.NewPartyTxID(), PartyAccountID: p.ID, Kind: core.TxIncrease, Amount: core.Cents(1000), TransactionDate: day0, CreatedAt: day0},
		{ID: id.NewPartyTxID(), PartyAccountID: p.ID, Kind: core.TxAdjustment, Amount: core.Cents(-50), TransactionDate: day0, CreatedAt: day0},
	}
	for _, tx := range txs {
		if err := s.InsertPartyTransaction(ctx, tx); err != nil {
			t.Fatalf("InsertPartyTransaction() error: %v", err)
		}
	}
	list, err := s.ListPartyTransactions(ctx, p.ID)
	if err != nil || len(list) != 3 {
		t.Fatalf("ListPartyTransactions() = %d, %v", len(list), err)
	}
	if !list[2].TransactionDate.Equal(day5) {
		t.Fatalf("transactions not ordered by date")
	}
	adj, err := s.GetPartyTransaction(ctx, txs[2].ID)
	if err != nil || adj.Amount.Cents != -50 {
		t.Fatalf("negative adjustment not round-tripped: %+v, %v", adj, err)
	}

	due := day5.Add(30 * 24 * time.Hour)
	p.TotalAmount = core.Cents(950)
	p.PaidAmount = core.Cents(400)
	p.RemainingAmount = core.Cents(550)
	p.Status = core.PartyActive
	p.NextPaymentDue = &due
	p.LastTransactionDate = &day5
	p.LastPaymentDate = &day5
	p.TransactionCount = 3
	if err := s.SaveParty(ctx, p); err != nil {
		t.Fatalf("SaveParty() error: %v", err)
	}
	got, err := s.GetParty(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetParty() error: %v", err)
	}
	if got.RemainingAmount.Cents != 550 || got.Status != core.PartyActive || got.NextPaymentDue == nil || !got.NextPaymentDue.Equal(due) {
		t.Fatalf("aggregate not saved: %+v", got)
	}

	unpaid, err := s.ListUnpaidParties(ctx)
	if err != nil || len(unpaid) != 1 {
		t.Fatalf("ListUnpaidParties() = %d, %v", len(unpaid), err)
	}
	owned, err := s.ListParties(ctx, "user-1")
	if err != nil || len(owned) != 1 {
		t.Fatalf("ListParties() = %d, %v", len(owned), err)
	}

	if err := s.DeletePartyTransaction(ctx, txs[0].ID); err != nil {
		t.Fatalf("DeletePartyTransaction() error: %v", err)
	}
	if _, err := s.GetPartyTransaction(ctx, txs[0].ID); !core.IsNotFound(err) {
		t.Fatalf("deleted transaction: got %v", err)
	}
	missing := *p
	missing.ID = "party_missing"
	if err := s.SaveParty(ctx, &missing); !core.IsNotFound(err) {
		t.Fatalf("SaveParty(missing): got %v", err)
	}
}

func testIdempotency(t *testing.T, s storage.Store) {
	ctx := context.Background()
	r := &core.IdempotencyRecord{
		UserID:      "user-1",
		Key:         "5f0c7a4e-0d4b-4d8e-9a53-3f8f9f1f2b11",
		Scope:       "create_record",
		RequestHash: "abc",
		Response:    []byte(`{"ok":true}`),
		CreatedAt:   base,
		ExpiresAt:   base.Add(24 * time.Hour),
	}
	if err := s.SaveIdempotency(ctx, r); err != nil {
		t.Fatalf("SaveIdempotency() error: %v", err)
	}
	if err := s.SaveIdempotency(ctx, r); !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("duplicate save: got %v, want ErrAlreadyExists", err)
	}
	got, err := s.GetIdempotency(ctx, "user-1", r.Key, base.Add(time.Hour))
	if err != nil || string(got.Response) != `{"ok":true}` || got.RequestHash != "abc" {
		t.Fatalf("GetIdempotency() = %+v, %v", got, err)
	}
	if _, err := s.GetIdempotency(ctx, "user-2", r.Key, base); !core.IsNotFound(err) {
		t.Fatalf("keys are per user, got %v", err)
	}
	if _, err := s.GetIdempotency(ctx, "user-1", r.Key, base.Add(25*time.Hour)); !core.IsNotFound(err) {
		t.Fatalf("expired key should not be returned, got %v", err)
	}
	n, err := s.PurgeIdempotency(ctx, base.Add(25*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeIdempotency() = %d, %v", n, err)
	}

	// Reserve, complete, delete.
	res := &core.IdempotencyRecord{
		UserID: "user-1", Key: "0b8e8d57-8b1a-4f4c-9d0e-51f0a1e0c9a2", Scope: "create_record",
		RequestHash: "def", Response: []byte{}, CreatedAt: base, ExpiresAt: base.Add(time.Minute),
	}
	if err := s.SaveIdempotency(ctx, res); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.CompleteIdempotency(ctx, "user-1", res.Key, []byte(`{"done":1}`), base.Add(24*time.Hour)); err != nil {
		t.Fatalf("CompleteIdempotency() error: %v", err)
	}
	got, err = s.GetIdempotency(ctx, "user-1", res.Key, base.Add(time.Hour))
	if err != nil || string(got.Response) != `{"done":1}` {
		t.Fatalf("completed key = %+v, %v", got, err)
	}
	if err := s.CompleteIdempotency(ctx, "user-9", res.Key, nil, base); !core.IsNotFound(err) {
		t.Fatalf("complete missing key: got %v, want NotFoundError", err)
	}
	if err := s.DeleteIdempotency(ctx, "user-1", res.Key); err != nil {
		t.Fatalf("DeleteIdempotency() error: %v", err)
	}
	if _, err := s.GetIdempotency(ctx, "user-1", res.Key, base); !core.IsNotFound(err) {
		t.Fatalf("deleted key still present: %v", err)
	}
}
