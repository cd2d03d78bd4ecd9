// Package memory is an in-process storage.Store guarded by one RWMutex.
// Each method is atomic on its own; like the durable backends it offers no
// multi-call transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fincore/internal/core"
	"fincore/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	accounts    map[string]*core.CreditAccount
	entries     map[string]*core.LedgerEntry
	records     map[string]*core.BusinessRecord
	quotas      map[string]*core.QuotaCounter
	profiles    map[string]*core.UserProfile
	parties     map[string]*core.PartyAccount
	partyTxs    map[string]*core.PartyTransaction
	idempotency map[string]*core.IdempotencyRecord
}

func New() *Store {
	return &Store{
		accounts:    make(map[string]*core.CreditAccount),
		entries:     make(map[string]*core.LedgerEntry),
		records:     make(map[string]*core.BusinessRecord),
		quotas:      make(map[string]*core.QuotaCounter),
		profiles:    make(map[string]*core.UserProfile),
		parties:     make(map[string]*core.PartyAccount),
		partyTxs:    make(map[string]*core.PartyTransaction),
		idempotency: make(map[string]*core.IdempotencyRecord),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// ==================== Accounts ====================

func (s *Store) CreateAccount(_ context.Context, a *core.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return core.ErrAlreadyExists
	}
	for _, existing := range s.accounts {
		if existing.UserID == a.UserID {
			return core.ErrAlreadyExists
		}
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*core.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "account", ID: id}
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAccountByUser(_ context.Context, userID string) (*core.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.UserID == userID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &core.NotFoundError{Kind: "account", ID: userID}
}

func (s *Store) ListAccounts(context.Context) ([]core.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.CreditAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CompareAndSwapBalance(_ context.Context, accountID string, expectedVersion int64, balance core.Money, lastEntryID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return &core.NotFoundError{Kind: "account", ID: accountID}
	}
	if a.Version != expectedVersion {
		return core.ErrVersionConflict
	}
	a.Balance = balance
	a.Version = expectedVersion + 1
	a.LastEntryID = lastEntryID
	a.UpdatedAt = now
	return nil
}

func (s *Store) SetAccountDisabled(_ context.Context, accountID string, disabled bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return &core.NotFoundError{Kind: "account", ID: accountID}
	}
	a.Disabled = disabled
	a.UpdatedAt = now
	return nil
}

// ==================== Ledger entries ====================

func (s *Store) InsertEntry(_ context.Context, e *core.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return core.ErrAlreadyExists
	}
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *Store) GetEntry(_ context.Context, id string) (*core.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "ledger entry", ID: id}
	}
	cp := *e
	return &cp, nil
}

func (s *Store) TransitionEntry(_ context.Context, id string, from, to core.EntryStatus, reversedBy string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &core.NotFoundError{Kind: "ledger entry", ID: id}
	}
	if e.Status != from {
		return core.ErrVersionConflict
	}
	e.Status = to
	if reversedBy != "" {
		e.ReversedBy = reversedBy
	}
	e.UpdatedAt = now
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &core.NotFoundError{Kind: "ledger entry", ID: id}
	}
	if e.Status != core.EntryPending {
		return core.ErrVersionConflict
	}
	delete(s.entries, id)
	return nil
}

func (s *Store) ListEntries(_ context.Context, accountID string) ([]core.LedgerEntry, error) {
	return s.filterEntries(func(e *core.LedgerEntry) bool { return e.AccountID == accountID }), nil
}

func (s *Store) ListPendingEntries(_ context.Context, olderThan time.Time) ([]core.LedgerEntry, error) {
	return s.filterEntries(func(e *core.LedgerEntry) bool {
		return e.Status == core.EntryPending && e.CreatedAt.Before(olderThan)
	}), nil
}

func (s *Store) ListOpenReversals(_ context.Context, olderThan time.Time) ([]core.LedgerEntry, error) {
	return s.filterEntries(func(e *core.LedgerEntry) bool {
		return e.ReversalOf != "" && e.Status == core.EntryCompleted && e.CreatedAt.Before(olderThan)
	}), nil
}

func (s *Store) FindReversal(_ context.Context, originalID string) (*core.LedgerEntry, error) {
	found := s.filterEntries(func(e *core.LedgerEntry) bool { return e.ReversalOf == originalID })
	if len(found) == 0 {
		return nil, &core.NotFoundError{Kind: "reversal", ID: originalID}
	}
	return &found[0], nil
}

func (s *Store) ListEntriesByRecord(_ context.Context, recordRef string) ([]core.LedgerEntry, error) {
	return s.filterEntries(func(e *core.LedgerEntry) bool { return e.LinkedRecordRef == recordRef }), nil
}

func (s *Store) filterEntries(keep func(*core.LedgerEntry) bool) []core.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.LedgerEntry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ==================== Business records ====================

func (s *Store) InsertRecord(_ context.Context, r *core.BusinessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return core.ErrAlreadyExists
	}
	if r.RequestToken != "" {
		for _, existing := range s.records {
			if existing.UserID == r.UserID && existing.RequestToken == r.RequestToken {
				return core.ErrAlreadyExists
			}
		}
	}
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *Store) GetRecord(_ context.Context, id string) (*core.BusinessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "record", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetRecordByToken(_ context.Context, userID, token string) (*core.BusinessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if token != "" && r.UserID == userID && r.RequestToken == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &core.NotFoundError{Kind: "record", ID: token}
}

func (s *Store) CompleteRecordCharge(_ context.Context, id, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return &core.NotFoundError{Kind: "record", ID: id}
	}
	r.ChargeCompleted = true
	r.ChargeEntryID = entryID
	return nil
}

func (s *Store) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return &core.NotFoundError{Kind: "record", ID: id}
	}
	delete(s.records, id)
	return nil
}

func (s *Store) ListOpenCharges(_ context.Context, olderThan time.Time) ([]core.BusinessRecord, error) {
	return s.filterRecords(func(r *core.BusinessRecord) bool {
		if !r.IsOpen() {
			return false
		}
		attempted := r.CreatedAt
		if r.ChargeAttemptedAt != nil {
			attempted = *r.ChargeAttemptedAt
		}
		return attempted.Before(olderThan)
	}), nil
}

func (s *Store) ListRecordsByUser(_ context.Context, userID string) ([]core.BusinessRecord, error) {
	return s.filterRecords(func(r *core.BusinessRecord) bool { return r.UserID == userID }), nil
}

func (s *Store) filterRecords(keep func(*core.BusinessRecord) bool) []core.BusinessRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.BusinessRecord
	for _, r := range s.records {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ==================== Quotas and profiles ====================

func compositeKey(userID, yearMonth string) string { return userID + "|" + yearMonth }

func (s *Store) GetQuota(_ context.Context, userID, yearMonth string) (core.QuotaCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.quotas[compositeKey(userID, yearMonth)]; ok {
		return *q, nil
	}
	return core.QuotaCounter{UserID: userID, YearMonth: yearMonth}, nil
}

func (s *Store) IncrementQuota(_ context.Context, userID, yearMonth string) (core.QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := compositeKey(userID, yearMonth)
	q, ok := s.quotas[key]
	if !ok {
		q = &core.QuotaCounter{UserID: userID, YearMonth: yearMonth}
		s.quotas[key] = q
	}
	q.Count++
	return *q, nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (*core.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, &core.NotFoundError{Kind: "profile", ID: userID}
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpsertProfile(_ context.Context, p *core.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.UserID] = &cp
	return nil
}

// ==================== Parties ====================

func (s *Store) CreateParty(_ context.Context, p *core.PartyAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parties[p.ID]; ok {
		return core.ErrAlreadyExists
	}
	cp := *p
	s.parties[p.ID] = &cp
	return nil
}

func (s *Store) GetParty(_ context.Context, id string) (*core.PartyAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "party account", ID: id}
	}
	cp := *p
	return &cp, nil
}

func (s *Store) SaveParty(_ context.Context, p *core.PartyAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parties[p.ID]; !ok {
		return &core.NotFoundError{Kind: "party account", ID: p.ID}
	}
	cp := *p
	s.parties[p.ID] = &cp
	return nil
}

func (s *Store) ListParties(_ context.Context, ownerUserID string) ([]core.PartyAccount, error) {
	return s.filterParties(func(p *core.PartyAccount) bool { return p.OwnerUserID == ownerUserID }), nil
}

func (s *Store) ListUnpaidParties(context.Context) ([]core.PartyAccount, error) {
	return s.filterParties(func(p *core.PartyAccount) bool { return p.Status != core.PartyPaid }), nil
}

func (s *Store) filterParties(keep func(*core.PartyAccount) bool) []core.PartyAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.PartyAccount
	for _, p := range s.parties {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) InsertPartyTransaction(_ context.Context, tx *core.PartyTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partyTxs[tx.ID]; ok {
		return core.ErrAlreadyExists
	}
	cp := *tx
	s.partyTxs[tx.ID] = &cp
	return nil
}

func (s *Store) GetPartyTransaction(_ context.Context, id string) (*core.PartyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.partyTxs[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "party transaction", ID: id}
	}
	cp := *tx
	return &cp, nil
}

func (s *Store) DeletePartyTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partyTxs[id]; !ok {
		return &core.NotFoundError{Kind: "party transaction", ID: id}
	}
	delete(s.partyTxs, id)
	return nil
}

func (s *Store) ListPartyTransactions(_ context.Context, partyID string) ([]core.PartyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.PartyTransaction
	for _, tx := range s.partyTxs {
		if tx.PartyAccountID == partyID {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ==================== Idempotency ====================

func (s *Store) GetIdempotency(_ context.Context, userID, key string, now time.Time) (*core.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.idempotency[compositeKey(userID, key)]
	if !ok || !r.ExpiresAt.After(now) {
		return nil, &core.NotFoundError{Kind: "idempotency key", ID: key}
	}
	cp := *r
	cp.Response = append([]byte(nil), r.Response...)
	return &cp, nil
}

func (s *Store) SaveIdempotency(_ context.Context, r *core.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := compositeKey(r.UserID, r.Key)
	if existing, ok := s.idempotency[k]; ok && existing.ExpiresAt.After(r.CreatedAt) {
		return core.ErrAlreadyExists
	}
	cp := *r
	cp.Response = append([]byte(nil), r.Response...)
	s.idempotency[k] = &cp
	return nil
}

func (s *Store) CompleteIdempotency(_ context.Context, userID, key string, response []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idempotency[compositeKey(userID, key)]
	if !ok {
		return &core.NotFoundError{Kind: "idempotency key", ID: key}
	}
	r.Response = append([]byte(nil), response...)
	r.ExpiresAt = expiresAt
	return nil
}

func (s *Store) DeleteIdempotency(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, compositeKey(userID, key))
	return nil
}

func (s *Store) PurgeIdempotency(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.idempotency {
		if !r.ExpiresAt.After(before) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}
