package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fincore/internal/amqp"
	"fincore/internal/core"
	"fincore/internal/id"
	"fincore/internal/ledger"
	"fincore/internal/log"
	"fincore/internal/metrics"
	"fincore/internal/policy"
	"fincore/internal/storage"
)

// ScopeCreateRecord tags idempotency keys written by the coordinator.
const ScopeCreateRecord = "create_record"

// CoordinatorStore is the persistence the coordinator writes directly.
// Balance changes go through the ledger.
type CoordinatorStore interface {
	storage.RecordStore
	storage.QuotaStore
	storage.ProfileStore
}

type CreateRequest struct {
	UserID       string
	Kind         core.RecordKind
	Payload      core.RecordPayload
	RequestToken string
}

// Validate collects every field problem of the request.
func (r CreateRequest) Validate() error {
	v := &core.ValidationError{}
	if strings.TrimSpace(r.UserID) == "" {
		v.Add("user_id", "user id is required")
	}
	if !r.Kind.IsValid() {
		v.Add("kind", "must be income or expense")
	}
	if perr := r.Payload.Validate(); perr != nil {
		for field, msg := range perr.Fields {
			v.Add(field, msg)
		}
	}
	if r.RequestToken != "" {
		if _, err := uuid.Parse(r.RequestToken); err != nil {
			v.Add("request_token", "request token must be a UUID")
		}
	}
	if v.HasErrors() {
		return v
	}
	return nil
}

// CreateOutcome is what a successful call returns, and what a replay of
// the same request token returns again.
type CreateOutcome struct {
	Record       core.BusinessRecord
	ChargeAmount core.Money
	// NewBalance is the account balance after the charge; zero when the
	// record was free.
	NewBalance core.Money
	Decision   policy.Decision
	Replayed   bool
}

// Coordinator creates business records and charges for them when the
// pricing policy says so. Storage is only atomic per document, so the
// record and the debit are two writes with an explicit undo.
type Coordinator struct {
	store  CoordinatorStore
	ledger *ledger.Ledger
	policy *policy.Evaluator
	guard  *IdempotencyGuard
	sink   EventSink
	now    func() time.Time
	logger *log.Logger
}

type CoordinatorOption func(*Coordinator)

func WithIdempotencyGuard(g *IdempotencyGuard) CoordinatorOption {
	return func(c *Coordinator) { c.guard = g }
}

func WithEventSink(sink EventSink) CoordinatorOption {
	return func(c *Coordinator) { c.sink = sink }
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func WithCoordinatorLogger(logger *log.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger.WithComponent(log.ComponentCoordinator) }
}

func NewCoordinator(store CoordinatorStore, l *ledger.Ledger, eval *policy.Evaluator, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		ledger: l,
		policy: eval,
		sink:   NopSink{},
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.Default(log.ComponentCoordinator),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChargedRecord persists a record and, when the quota is used up,
// debits the overage fee from the user's credit account.
//
// Either the record ends up charged with exactly one completed debit, or
// it does not exist. Validation and insufficient-balance errors are
// returned as is; storage failures as *core.PersistenceError. One that
// wraps core.ErrUnsettled left the record to the reconcile processor, and
// its request token is refused as in progress until the record settles.
func (c *Coordinator) CreateChargedRecord(ctx context.Context, req CreateRequest) (*CreateOutcome, error) {
	if err := req.Validate(); err != nil {
		metrics.CoordinatorOutcomes.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if req.RequestToken == "" || c.guard == nil {
		return c.create(ctx, req)
	}

	hash, err := req.hash()
	if err != nil {
		return nil, core.Persistence("hash request", err)
	}

	executed := false
	resp, replayed, err := c.guard.Do(ctx, req.UserID, req.RequestToken, ScopeCreateRecord, hash,
		func(ctx context.Context) ([]byte, error) {
			executed = true
			out, err := c.create(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		})
	if err != nil {
		if !executed && core.IsValidation(err) {
			metrics.CoordinatorOutcomes.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	var out CreateOutcome
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, core.Persistence("decode stored outcome", err)
	}
	// Callers that shared another caller's in-flight execution also get a
	// replay. out.Replayed is already set when the stored record answered.
	fromGuard := replayed || !executed
	out.Replayed = out.Replayed || fromGuard
	if fromGuard {
		metrics.CoordinatorOutcomes.WithLabelValues("replayed").Inc()
		c.logger.InfoContext(ctx, "Replayed idempotent request",
			log.FieldUserID, req.UserID,
			log.FieldRequestKey, req.RequestToken,
			log.FieldRecordID, out.Record.ID)
	}
	return &out, nil
}

// hash fingerprints what the record stores. The date is reduced to its
// calendar day so a stored record, read back in UTC, hashes like the
// request that created it.
func (r CreateRequest) hash() (string, error) {
	return RequestHash(struct {
		Kind        core.RecordKind
		Date        string
		Description string
		Amount      int64
		Category    string
	}{r.Kind, r.Payload.Date.Format(time.DateOnly), r.Payload.Description, r.Payload.Amount.Cents, r.Payload.Category})
}

func (c *Coordinator) create(ctx context.Context, req CreateRequest) (*CreateOutcome, error) {
	if req.RequestToken != "" {
		out, err := c.existing(ctx, req)
		if out != nil || err != nil {
			return out, err
		}
	}
	now := c.now()

	profile, err := c.store.GetProfile(ctx, req.UserID)
	switch {
	case core.IsNotFound(err):
		profile = nil
	case err != nil:
		metrics.CoordinatorOutcomes.WithLabelValues("failed").Inc()
		return nil, core.Persistence("get profile", err)
	case profile.Disabled:
		metrics.CoordinatorOutcomes.WithLabelValues("invalid").Inc()
		return nil, core.NewValidationError("user_id", "user is disabled")
	}

	yearMonth := policy.YearMonth(now)
	quota, err := c.store.GetQuota(ctx, req.UserID, yearMonth)
	if err != nil {
		metrics.CoordinatorOutcomes.WithLabelValues("failed").Inc()
		return nil, core.Persistence("get quota", err)
	}
	decision := c.policy.Evaluate(profile, quota, now)

	record := &core.BusinessRecord{
		ID:             id.NewRecordID(),
		UserID:         req.UserID,
		Kind:           req.Kind,
		Payload:        req.Payload,
		ChargeRequired: decision.ChargeRequired,
		ChargeAmount:   decision.ChargeAmount,
		RequestToken:   req.RequestToken,
		CreatedAt:      now,
	}
	if !decision.ChargeRequired {
		return c.createFree(ctx, record, decision, yearMonth)
	}
	return c.createCharged(ctx, record, decision, yearMonth)
}

// existing answers a token that already produced a record. The record
// outlives the idempotency key, so a token is never charged twice even
// after its key was released or expired.
func (c *Coordinator) existing(ctx context.Context, req CreateRequest) (*CreateOutcome, error) {
	rec, err := c.store.GetRecordByToken(ctx, req.UserID, req.RequestToken)
	if core.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		metrics.CoordinatorOutcomes.WithLabelValues("failed").Inc()
		return nil, core.Persistence("get record by token", err)
	}

	want, err := req.hash()
	if err != nil {
		return nil, core.Persistence("hash request", err)
	}
	got, err := CreateRequest{Kind: rec.Kind, Payload: rec.Payload}.hash()
	if err != nil {
		return nil, core.Persistence("hash stored record", err)
	}
	switch {
	case want != got:
		metrics.CoordinatorOutcomes.WithLabelValues("invalid").Inc()
		return nil, core.NewValidationError("request_token", "token was already used for a different request")
	case rec.IsOpen():
		metrics.CoordinatorOutcomes.WithLabelValues("invalid").Inc()
		return nil, errTokenInProgress()
	}

	out := &CreateOutcome{
		Record:   *rec,
		Decision: policy.Decision{ChargeRequired: rec.ChargeRequired, ChargeAmount: rec.ChargeAmount},
		Replayed: true,
	}
	if rec.ChargeRequired {
		out.ChargeAmount = rec.ChargeAmount
		entries, err := c.ledger.EntriesForRecord(ctx, rec.ID)
		if err != nil {
			return nil, core.Persistence("list record entries", err)
		}
		for _, e := range entries {
			if e.ID == rec.ChargeEntryID {
				out.NewBalance = e.BalanceAfter
			}
		}
	}

	metrics.CoordinatorOutcomes.WithLabelValues("replayed").Inc()
	c.logger.InfoContext(ctx, "Replayed request from stored record",
		log.FieldUserID, req.UserID,
		log.FieldRequestKey, req.RequestToken,
		log.FieldRecordID, rec.ID)
	return out, nil
}

func errTokenInProgress() error {
	return core.NewValidationError("request_token", "a request with this token is still in progress")
}

// insertRecord maps a duplicate request token to the in-progress answer.
func (c *Coordinator) insertRecord(ctx context.Context, record *core.BusinessRecord) error {
	err := c.store.InsertRecord(ctx, record)
	if err == nil {
		return nil
	}
	if record.RequestToken != "" && errors.Is(err, core.ErrAlreadyExists) {
		metrics.CoordinatorOutcomes.WithLabelValues("invalid").Inc()
		return errTokenInProgress()
	}
	metrics.CoordinatorOutcomes.WithLabelValues("failed").Inc()
	return core.Persistence("insert record", err)
}

func (c *Coordinator) createFree(ctx context.Context, record *core.BusinessRecord, decision policy.Decision, yearMonth string) (*CreateOutcome, error) {
	if err := c.insertRecord(ctx, record); err != nil {
		return nil, err
	}
	c.incrementQuota(ctx, record.UserID, yearMonth)

	e := amqp.NewEvent(amqp.EventRecordCreated)
	e.UserID = record.UserID
	e.RecordID = record.ID
	e.Reason = decision.Reason
	publish(ctx, c.sink, c.logger, e)

	metrics.CoordinatorOutcomes.WithLabelValues("free").Inc()
	c.logger.InfoContext(ctx, "Record created",
		log.FieldUserID, record.UserID,
		log.FieldRecordID, record.ID,
		log.FieldReason, decision.Reason)
	return &CreateOutcome{Record: *record, Decision: decision}, nil
}

func (c *Coordinator) createCharged(ctx context.Context, record *core.BusinessRecord, decision policy.Decision, yearMonth string) (*CreateOutcome, error) {
	fee := decision.ChargeAmount
	attemptedAt := record.CreatedAt
	record.ChargeAttemptedAt = &attemptedAt

	if err := c.insertRecord(ctx, record); err != nil {
		return nil, err
	}

	acct, err := c.ledger.AccountForUser(ctx, record.UserID)
	if err != nil && !core.IsNotFound(err) {
		return nil, c.rollback(ctx, record, "", nil, err)
	}
	if acct == nil || acct.Balance.LessThan(fee) {
		available := core.Money{}
		if acct != nil {
			available = acct.Balance
		}
		return nil, c.rollback(ctx, record, "", nil, &core.InsufficientBalanceError{Required: fee, Available: available})
	}

	debit, err := c.ledger.AppendEntry(ctx, ledger.AppendRequest{
		AccountID:       acct.ID,
		Direction:       core.Debit,
		Amount:          fee,
		OperationTag:    core.TagRecordFee,
		LinkedRecordRef: record.ID,
	})
	if err != nil {
		if debit != nil {
			// The balance moved but the entry is still pending. Keep the
			// record: the reconcile processor completes both forward.
			return nil, c.reconciliationCandidate(ctx, record, acct.ID, debit.ID, err, nil)
		}
		return nil, c.rollback(ctx, record, acct.ID, nil, err)
	}

	if err := c.store.CompleteRecordCharge(ctx, record.ID, debit.ID); err != nil {
		return nil, c.rollback(ctx, record, acct.ID, debit, core.Persistence("complete record charge", err))
	}
	record.ChargeCompleted = true
	record.ChargeEntryID = debit.ID
	c.incrementQuota(ctx, record.UserID, yearMonth)

	e := amqp.NewEvent(amqp.EventChargeCompleted)
	e.UserID = record.UserID
	e.AccountID = acct.ID
	e.RecordID = record.ID
	e.EntryID = debit.ID
	e.AmountCents = fee.Cents
	publish(ctx, c.sink, c.logger, e)

	metrics.CoordinatorOutcomes.WithLabelValues("charged").Inc()
	c.logger.InfoContext(ctx, "Record created and charged",
		log.NewFields().WithCharge(record.UserID, record.ID, fee.Cents).
			WithEntry(acct.ID, debit.ID, string(debit.Direction), debit.Amount.Cents).
			WithOperation(log.OpCharge).ToSlice()...)

	return &CreateOutcome{
		Record:       *record,
		ChargeAmount: fee,
		NewBalance:   debit.BalanceAfter,
		Decision:     decision,
	}, nil
}

// rollback undoes a tentative record and, if given, its completed debit.
// An insufficient balance is a normal outcome and is returned unchanged.
func (c *Coordinator) rollback(ctx context.Context, record *core.BusinessRecord, accountID string, debit *core.LedgerEntry, cause error) error {
	if debit != nil {
		if _, err := c.ledger.ReverseEntry(ctx, debit.ID); err != nil {
			// The debit stands, so the record must stay for it to be
			// completed forward.
			return c.reconciliationCandidate(ctx, record, accountID, debit.ID, cause, fmt.Errorf("reverse debit %s: %w", debit.ID, err))
		}
	}
	if err := c.store.DeleteRecord(ctx, record.ID); err != nil && !core.IsNotFound(err) {
		entryID := ""
		if debit != nil {
			entryID = debit.ID
		}
		return c.reconciliationCandidate(ctx, record, accountID, entryID, cause, fmt.Errorf("delete record %s: %w", record.ID, err))
	}

	switch {
	case core.IsInsufficientBalance(cause):
		metrics.CoordinatorOutcomes.WithLabelValues("insufficient").Inc()
		c.logger.InfoContext(ctx, "Record refused for insufficient balance",
			log.NewFields().WithCharge(record.UserID, record.ID, record.ChargeAmount.Cents).
				WithError(cause, log.ErrorTypeInsufficient).ToSlice()...)
		return cause
	case core.IsValidation(cause):
		// A disabled account, found by the ledger.
		metrics.CoordinatorOutcomes.WithLabelValues("invalid").Inc()
		return cause
	}

	metrics.CoordinatorRollbacks.WithLabelValues("ok").Inc()
	metrics.CoordinatorOutcomes.WithLabelValues("failed").Inc()
	e := amqp.NewEvent(amqp.EventChargeRolledBack)
	e.UserID = record.UserID
	e.AccountID = accountID
	e.RecordID = record.ID
	if debit != nil {
		e.EntryID = debit.ID
	}
	e.AmountCents = record.ChargeAmount.Cents
	e.Reason = cause.Error()
	publish(ctx, c.sink, c.logger, e)

	c.logger.WarnContext(ctx, "Charged record rolled back",
		log.NewFields().WithCharge(record.UserID, record.ID, record.ChargeAmount.Cents).
			WithOperation(log.OpRollback).
			WithError(cause, log.ErrorTypeDatabase).ToSlice()...)
	return core.Persistence("create charged record", cause)
}

// reconciliationCandidate reports a state the coordinator could not
// settle. compErr is nil when no compensation was attempted.
func (c *Coordinator) reconciliationCandidate(ctx context.Context, record *core.BusinessRecord, accountID, entryID string, cause, compErr error) error {
	metrics.CoordinatorOutcomes.WithLabelValues("failed").Inc()
	if compErr != nil {
		metrics.CoordinatorRollbacks.WithLabelValues("failed").Inc()
	}

	c.logger.ErrorContext(ctx, "Reconciliation candidate",
		log.NewFields().WithCharge(record.UserID, record.ID, record.ChargeAmount.Cents).
			WithOperation(log.OpRollback).
			WithError(errors.Join(cause, compErr), log.ErrorTypeReconciliation).ToSlice()...)

	e := amqp.NewEvent(amqp.EventReconciliationCandidate)
	e.UserID = record.UserID
	e.AccountID = accountID
	e.RecordID = record.ID
	e.EntryID = entryID
	e.AmountCents = record.ChargeAmount.Cents
	e.Reason = errors.Join(cause, compErr).Error()
	publish(ctx, c.sink, c.logger, e)

	return &core.PersistenceError{Op: "compensate record charge", Err: errors.Join(core.ErrUnsettled, cause, compErr)}
}

func (c *Coordinator) incrementQuota(ctx context.Context, userID, yearMonth string) {
	if _, err := c.store.IncrementQuota(ctx, userID, yearMonth); err != nil {
		c.logger.ErrorContext(ctx, "Failed to increment monthly quota",
			log.FieldUserID, userID,
			"year_month", yearMonth,
			log.FieldError, err)
	}
}
