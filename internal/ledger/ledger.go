// Package ledger keeps each credit account as an append-only list of entries.
//
// A balance only moves through AppendEntry. Each entry is inserted as
// pending, then the account is swapped from version V to V+1, then the
// entry is completed. A per-account mutex serializes callers inside one
// process; the version check in the store serializes processes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fincore/internal/core"
	"fincore/internal/id"
	"fincore/internal/keylock"
	"fincore/internal/log"
	"fincore/internal/metrics"
	"fincore/internal/storage"
)

const DefaultMaxRetries = 5

// Store is the persistence the ledger needs.
type Store interface {
	storage.AccountStore
	storage.EntryStore
}

type Ledger struct {
	store      Store
	locks      *keylock.Map
	maxRetries int
	now        func() time.Time
	logger     *log.Logger
}

type Option func(*Ledger)

// WithMaxRetries bounds the attempts made when a balance swap loses a
// version race. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) { l.logger = logger.WithComponent(log.ComponentLedger) }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		locks:      keylock.New(),
		maxRetries: DefaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     log.Default(log.ComponentLedger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendRequest describes one balance movement.
type AppendRequest struct {
	AccountID       string
	Direction       core.Direction
	Amount          core.Money
	OperationTag    string
	LinkedRecordRef string
}

func (r AppendRequest) validate() error {
	v := &core.ValidationError{}
	if r.AccountID == "" {
		v.Add("account_id", "account id is required")
	}
	if !r.Direction.IsValid() {
		v.Add("direction", "direction must be credit or debit")
	}
	if r.Amount.Cents <= 0 {
		v.Add("amount", "amount must be positive")
	}
	if r.OperationTag == "" {
		v.Add("operation_tag", "operation tag is required")
	}
	if v.HasErrors() {
		return v
	}
	return nil
}

// AppendEntry records a movement and applies it to the account balance.
//
// A debit larger than the balance fails with *core.InsufficientBalanceError
// and leaves nothing behind. If the entry cannot be marked completed after
// the balance swap succeeded, the pending entry is returned together with
// the error; ResolvePending completes it later.
func (l *Ledger) AppendEntry(ctx context.Context, req AppendRequest) (*core.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(req.AccountID)
	defer unlock()

	return l.appendLocked(ctx, req, "")
}

func (l *Ledger) appendLocked(ctx context.Context, req AppendRequest, reversalOf string) (*core.LedgerEntry, error) {
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		acct, err := l.store.GetAccount(ctx, req.AccountID)
		if err != nil {
			return nil, core.Persistence("get account", err)
		}
		if acct.Disabled {
			return nil, core.NewValidationError("account_id", "account is disabled")
		}
		if req.Direction == core.Debit && acct.Balance.LessThan(req.Amount) {
			return nil, &core.InsufficientBalanceError{Required: req.Amount, Available: acct.Balance}
		}

		now := l.now()
		entry := &core.LedgerEntry{
			ID:              id.NewEntryID(),
			AccountID:       acct.ID,
			Direction:       req.Direction,
			Amount:          req.Amount,
			BalanceBefore:   acct.Balance,
			BalanceAfter:    acct.Balance.Apply(req.Direction, req.Amount),
			AccountVersion:  acct.Version + 1,
			Status:          core.EntryPending,
			OperationTag:    req.OperationTag,
			LinkedRecordRef: req.LinkedRecordRef,
			ReversalOf:      reversalOf,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := l.store.InsertEntry(ctx, entry); err != nil {
			return nil, core.Persistence("insert ledger entry", err)
		}

		err = l.store.CompareAndSwapBalance(ctx, acct.ID, acct.Version, entry.BalanceAfter, entry.ID, now)
		if errors.Is(err, core.ErrVersionConflict) {
			metrics.LedgerCASConflicts.Inc()
			l.logger.DebugContext(ctx, "Balance swap lost version race, retrying",
				log.FieldAccountID, acct.ID,
				log.FieldVersion, acct.Version,
				log.FieldAttempt, attempt)
			if derr := l.store.DeleteEntry(ctx, entry.ID); derr != nil {
				// The sweeper deletes it: the account version has moved past it.
				l.logger.WarnContext(ctx, "Failed to drop pending entry after version conflict",
					log.FieldEntryID, entry.ID, log.FieldError, derr)
			}
			continue
		}
		if err != nil {
			return nil, core.Persistence("swap balance", err)
		}

		if err := l.store.TransitionEntry(ctx, entry.ID, core.EntryPending, core.EntryCompleted, "", now); err != nil {
			l.logger.ErrorContext(ctx, "Balance swapped but entry left pending",
				log.NewFields().WithEntry(acct.ID, entry.ID, string(entry.Direction), entry.Amount.Cents).
					WithError(err, log.ErrorTypeDatabase).ToSlice()...)
			return entry, core.Persistence("complete ledger entry", err)
		}
		entry.Status = core.EntryCompleted

		metrics.LedgerAppends.WithLabelValues(string(entry.Direction), entry.OperationTag).Inc()
		l.logger.InfoContext(ctx, "Ledger entry appended",
			log.NewFields().WithEntry(acct.ID, entry.ID, string(entry.Direction), entry.Amount.Cents).
				WithOperation(log.OpAppend).ToSlice()...)
		return entry, nil
	}

	return nil, core.Persistence("append ledger entry",
		fmt.Errorf("account %s: %w after %d attempts", req.AccountID, core.ErrVersionConflict, l.maxRetries))
}

// ReverseEntry undoes a completed entry by appending an entry of the
// opposite direction, then marks both reversed so neither counts in an
// audit. Reversing an already reversed entry returns its compensation.
// A reversal interrupted earlier is finished rather than repeated.
func (l *Ledger) ReverseEntry(ctx context.Context, entryID string) (*core.LedgerEntry, error) {
	if entryID == "" {
		return nil, core.NewValidationError("entry_id", "entry id is required")
	}
	orig, err := l.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, core.Persistence("get ledger entry", err)
	}

	unlock := l.locks.Lock(orig.AccountID)
	defer unlock()

	// Re-read under the lock; another caller may have reversed it.
	if orig, err = l.store.GetEntry(ctx, entryID); err != nil {
		return nil, core.Persistence("get ledger entry", err)
	}
	if orig.ReversalOf != "" {
		return nil, core.NewValidationError("entry_id", "compensating entries cannot be reversed")
	}
	switch orig.Status {
	case core.EntryPending:
		return nil, core.NewValidationError("entry_id", "only completed entries can be reversed")
	case core.EntryReversed:
		comp, err := l.store.FindReversal(ctx, orig.ID)
		if err != nil {
			return nil, core.Persistence("find reversal", err)
		}
		return comp, nil
	}

	comp, err := l.existingReversal(ctx, orig.ID)
	if err != nil {
		return nil, err
	}
	if comp == nil {
		comp, err = l.appendLocked(ctx, AppendRequest{
			AccountID:       orig.AccountID,
			Direction:       orig.Direction.Opposite(),
			Amount:          orig.Amount,
			OperationTag:    core.TagReversal,
			LinkedRecordRef: orig.LinkedRecordRef,
		}, orig.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := l.finishReversalLocked(ctx, comp); err != nil {
		return nil, err
	}

	metrics.LedgerReversals.Inc()
	l.logger.InfoContext(ctx, "Ledger entry reversed",
		log.NewFields().WithEntry(orig.AccountID, orig.ID, string(orig.Direction), orig.Amount.Cents).
			WithOperation(log.OpReverse).ToSlice()...)
	return comp, nil
}

// existingReversal returns a completed compensation for originalID if one
// survives from an interrupted reversal. A pending one is resolved first;
// nil means a new compensation must be appended.
func (l *Ledger) existingReversal(ctx context.Context, originalID string) (*core.LedgerEntry, error) {
	comp, err := l.store.FindReversal(ctx, originalID)
	if core.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, core.Persistence("find reversal", err)
	}
	if comp.Status != core.EntryPending {
		return comp, nil
	}

	res, err := l.resolveLocked(ctx, comp.ID)
	if err != nil {
		return nil, err
	}
	switch res {
	case resolutionCompleted:
		comp.Status = core.EntryCompleted
		return comp, nil
	case resolutionDeleted:
		return nil, nil
	default:
		return nil, core.Persistence("resume reversal",
			fmt.Errorf("compensating entry %s is ambiguous: %w", comp.ID, core.ErrVersionConflict))
	}
}

// finishReversalLocked moves the original and then its compensation to
// reversed. The order matters: a completed entry with ReversalOf set is
// how ResolvePending finds reversals left half done.
func (l *Ledger) finishReversalLocked(ctx context.Context, comp *core.LedgerEntry) error {
	now := l.now()
	err := l.store.TransitionEntry(ctx, comp.ReversalOf, core.EntryCompleted, core.EntryReversed, comp.ID, now)
	if err != nil && !errors.Is(err, core.ErrVersionConflict) {
		return core.Persistence("mark entry reversed", err)
	}
	err = l.store.TransitionEntry(ctx, comp.ID, core.EntryCompleted, core.EntryReversed, "", now)
	if err != nil && !errors.Is(err, core.ErrVersionConflict) {
		return core.Persistence("mark compensation reversed", err)
	}
	comp.Status = core.EntryReversed
	comp.UpdatedAt = now
	return nil
}

// OpenAccount creates the credit account for userID and books grant as a
// signup_bonus credit. A zero grant opens an empty account.
func (l *Ledger) OpenAccount(ctx context.Context, userID string, grant core.Money) (*core.CreditAccount, error) {
	v := &core.ValidationError{}
	if userID == "" {
		v.Add("user_id", "user id is required")
	}
	if grant.IsNegative() {
		v.Add("grant", "grant cannot be negative")
	}
	if v.HasErrors() {
		return nil, v
	}

	now := l.now()
	acct := &core.CreditAccount{
		ID:        id.NewAccountID(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil, core.NewValidationError("user_id", "user already has a credit account")
		}
		return nil, core.Persistence("create account", err)
	}

	if !grant.IsZero() {
		if _, err := l.AppendEntry(ctx, AppendRequest{
			AccountID:    acct.ID,
			Direction:    core.Credit,
			Amount:       grant,
			OperationTag: core.TagSignupBonus,
		}); err != nil {
			return nil, err
		}
	}

	l.logger.InfoContext(ctx, "Credit account opened",
		log.FieldAccountID, acct.ID,
		log.FieldUserID, userID,
		log.FieldAmountCents, grant.Cents)
	return l.GetAccount(ctx, acct.ID)
}

func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*core.CreditAccount, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, core.Persistence("get account", err)
	}
	return acct, nil
}

func (l *Ledger) AccountForUser(ctx context.Context, userID string) (*core.CreditAccount, error) {
	acct, err := l.store.GetAccountByUser(ctx, userID)
	if err != nil {
		return nil, core.Persistence("get account by user", err)
	}
	return acct, nil
}

// Entries lists every entry of an account, oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]core.LedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, accountID)
	if err != nil {
		return nil, core.Persistence("list ledger entries", err)
	}
	return entries, nil
}

// EntriesForRecord lists the entries linked to a business record.
func (l *Ledger) EntriesForRecord(ctx context.Context, recordID string) ([]core.LedgerEntry, error) {
	entries, err := l.store.ListEntriesByRecord(ctx, recordID)
	if err != nil {
		return nil, core.Persistence("list entries by record", err)
	}
	return entries, nil
}
