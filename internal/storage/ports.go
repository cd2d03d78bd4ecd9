package storage

import (
	"context"
	"time"

	"fincore/internal/core"
)

// Small ports over the persistence layer. Implementations only promise
// per-document atomicity: every method touches one document/row, and none
// of them spans two.

type AccountStore interface {
	CreateAccount(ctx context.Context, a *core.CreditAccount) error
	GetAccount(ctx context.Context, id string) (*core.CreditAccount, error)
	GetAccountByUser(ctx context.Context, userID string) (*core.CreditAccount, error)
	ListAccounts(ctx context.Context) ([]core.CreditAccount, error)
	// CompareAndSwapBalance sets balance, version+1 and lastEntryID only if
	// the stored version equals expectedVersion; otherwise it returns
	// core.ErrVersionConflict.
	CompareAndSwapBalance(ctx context.Context, accountID string, expectedVersion int64, balance core.Money, lastEntryID string, now time.Time) error
	SetAccountDisabled(ctx context.Context, accountID string, disabled bool, now time.Time) error
}

type EntryStore interface {
	InsertEntry(ctx context.Context, e *core.LedgerEntry) error
	GetEntry(ctx context.Context, id string) (*core.LedgerEntry, error)
	// TransitionEntry moves an entry from one status to another, failing
	// with core.ErrVersionConflict when the current status is not from.
	// A non-empty reversedBy is recorded on the entry.
	TransitionEntry(ctx context.Context, id string, from, to core.EntryStatus, reversedBy string, now time.Time) error
	// DeleteEntry removes a pending entry. Completed entries are never deleted.
	DeleteEntry(ctx context.Context, id string) error
	// ListEntries returns an account's entries ordered by creation time.
	ListEntries(ctx context.Context, accountID string) ([]core.LedgerEntry, error)
	ListPendingEntries(ctx context.Context, olderThan time.Time) ([]core.LedgerEntry, error)
	// ListOpenReversals returns completed compensating entries, which exist
	// only while a reversal is half finished.
	ListOpenReversals(ctx context.Context, olderThan time.Time) ([]core.LedgerEntry, error)
	FindReversal(ctx context.Context, originalID string) (*core.LedgerEntry, error)
	ListEntriesByRecord(ctx context.Context, recordRef string) ([]core.LedgerEntry, error)
}

type RecordStore interface {
	InsertRecord(ctx context.Context, r *core.BusinessRecord) error
	GetRecord(ctx context.Context, id string) (*core.BusinessRecord, error)
	// GetRecordByToken finds the record a user created with a request
	// token. A token is unique per user; inserting a second record with it
	// returns core.ErrAlreadyExists.
	GetRecordByToken(ctx context.Context, userID, token string) (*core.BusinessRecord, error)
	CompleteRecordCharge(ctx context.Context, id, entryID string) error
	DeleteRecord(ctx context.Context, id string) error
	ListOpenCharges(ctx context.Context, olderThan time.Time) ([]core.BusinessRecord, error)
	ListRecordsByUser(ctx context.Context, userID string) ([]core.BusinessRecord, error)
}

type QuotaStore interface {
	// GetQuota returns a zero counter when none exists for the month.
	GetQuota(ctx context.Context, userID, yearMonth string) (core.QuotaCounter, error)
	IncrementQuota(ctx context.Context, userID, yearMonth string) (core.QuotaCounter, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*core.UserProfile, error)
	UpsertProfile(ctx context.Context, p *core.UserProfile) error
}

type PartyStore interface {
	CreateParty(ctx context.Context, p *core.PartyAccount) error
	GetParty(ctx context.Context, id string) (*core.PartyAccount, error)
	// SaveParty overwrites the derived aggregate fields of an existing party.
	SaveParty(ctx context.Context, p *core.PartyAccount) error
	ListParties(ctx context.Context, ownerUserID string) ([]core.PartyAccount, error)
	ListUnpaidParties(ctx context.Context) ([]core.PartyAccount, error)

	InsertPartyTransaction(ctx context.Context, tx *core.PartyTransaction) error
	GetPartyTransaction(ctx context.Context, id string) (*core.PartyTransaction, error)
	DeletePartyTransaction(ctx context.Context, id string) error
	ListPartyTransactions(ctx context.Context, partyID string) ([]core.PartyTransaction, error)
}

type IdempotencyStore interface {
	// GetIdempotency ignores records that expired before now.
	GetIdempotency(ctx context.Context, userID, key string, now time.Time) (*core.IdempotencyRecord, error)
	// SaveIdempotency inserts once; a second insert for the same user and
	// key returns core.ErrAlreadyExists.
	SaveIdempotency(ctx context.Context, r *core.IdempotencyRecord) error
	// CompleteIdempotency stores the response of a reserved key and moves
	// its expiry.
	CompleteIdempotency(ctx context.Context, userID, key string, response []byte, expiresAt time.Time) error
	DeleteIdempotency(ctx context.Context, userID, key string) error
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	AccountStore
	EntryStore
	RecordStore
	QuotaStore
	ProfileStore
	PartyStore
	IdempotencyStore

	Ping(ctx context.Context) error
	Close() error
}
