package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryReversed  EntryStatus = "reversed"
)

const (
	RecordIncome  RecordKind = "income"
	RecordExpense RecordKind = "expense"
)

const (
	Debtor   PartyKind = "debtor"
	Creditor PartyKind = "creditor"
)

const (
	TxIncrease   PartyTxKind = "increase"
	TxPayment    PartyTxKind = "payment"
	TxAdjustment PartyTxKind = "adjustment"
)

const (
	PartyActive  PartyStatus = "active"
	PartyOverdue PartyStatus = "overdue"
	PartyPaid    PartyStatus = "paid"
)

const (
	Terms30Days PaymentTerms = "30_days"
	Terms60Days PaymentTerms = "60_days"
	Terms90Days PaymentTerms = "90_days"
	TermsCustom PaymentTerms = "custom"
)

// Operation tags written on ledger entries.
const (
	TagSignupBonus = "signup_bonus"
	TagRecordFee   = "record_fee"
	TagReversal    = "reversal"
	TagTopUp       = "top_up"
)

type (
	Direction    string
	EntryStatus  string
	RecordKind   string
	PartyKind    string
	PartyTxKind  string
	PartyStatus  string
	PaymentTerms string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// CreditAccount is the per-user balance. Balance only moves through a
	// ledger entry and a compare-and-swap on Version.
	CreditAccount struct {
		ID          string
		UserID      string
		Balance     Money
		Version     int64
		LastEntryID string
		Disabled    bool
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	LedgerEntry struct {
		ID              string
		AccountID       string
		Direction       Direction
		Amount          Money
		BalanceBefore   Money
		BalanceAfter    Money
		AccountVersion  int64 // account version produced by this entry's swap
		Status          EntryStatus
		OperationTag    string
		LinkedRecordRef string
		ReversalOf      string // set on compensating entries
		ReversedBy      string // set on the original once compensated
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	RecordPayload struct {
		Date        Date
		Description string
		Amount      Money
		Category    string
	}

	BusinessRecord struct {
		ID                string
		UserID            string
		Kind              RecordKind
		Payload           RecordPayload
		ChargeRequired    bool
		ChargeCompleted   bool
		ChargeAmount      Money
		ChargeEntryID     string
		ChargeAttemptedAt *time.Time
		RequestToken      string
		CreatedAt         time.Time
	}

	UserProfile struct {
		UserID          string
		IsAdmin         bool
		IsSubscribed    bool
		SubscriptionEnd *time.Time
		Disabled        bool
	}

	QuotaCounter struct {
		UserID    string
		YearMonth string
		Count     int
	}

	PartyAccount struct {
		ID             string
		OwnerUserID    string
		Kind           PartyKind
		PartyName      string
		PaymentTerms   PaymentTerms
		CustomTermDays int

		// Derived, owned by the recomputation engine.
		TotalAmount         Money
		PaidAmount          Money
		RemainingAmount     Money
		Status              PartyStatus
		LastPaymentDate     *time.Time
		NextPaymentDue      *time.Time
		OverdueDays         int
		LastTransactionDate *time.Time
		TransactionCount    int
		AgeDays             int

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	PartyTransaction struct {
		ID              string
		PartyAccountID  string
		Kind            PartyTxKind
		Amount          Money
		TransactionDate time.Time
		// Point-in-time annotations; stale once an earlier transaction is deleted.
		BalanceBeforeSnapshot Money
		BalanceAfterSnapshot  Money
		Note                  string
		CreatedAt             time.Time
	}

	IdempotencyRecord struct {
		UserID      string
		Key         string
		Scope       string
		RequestHash string
		Response    []byte
		CreatedAt   time.Time
		ExpiresAt   time.Time
	}
)

var (
	ErrInvalidDay       = errors.New("invalid day")
	ErrInvalidMonth     = errors.New("invalid month")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyDescription = errors.New("empty description")
)

func (d Direction) IsValid() bool {
	return d == Credit || d == Debit
}

// Opposite returns the direction that undoes d.
func (d Direction) Opposite() Direction {
	if d == Credit {
		return Debit
	}
	return Credit
}

func (k RecordKind) IsValid() bool {
	return k == RecordIncome || k == RecordExpense
}

func (k PartyKind) IsValid() bool {
	return k == Debtor || k == Creditor
}

func (k PartyTxKind) IsValid() bool {
	switch k {
	case TxIncrease, TxPayment, TxAdjustment:
		return true
	}
	return false
}

func (t PaymentTerms) IsValid() bool {
	switch t {
	case Terms30Days, Terms60Days, Terms90Days, TermsCustom:
		return true
	}
	return false
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	_, month, day := d.Date()
	if day < 1 || day > 31 {
		return ErrInvalidDay
	}
	if month < 1 || month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Apply returns the balance m after moving amount in direction d.
func (m Money) Apply(d Direction, amount Money) Money {
	if d == Debit {
		return m.Sub(amount)
	}
	return m.Add(amount)
}

// Validate checks the payload and collects every problem per field.
func (p RecordPayload) Validate() *ValidationError {
	verr := &ValidationError{}
	if err := p.Date.Validate(); err != nil {
		verr.Add("date", err.Error())
	}
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		verr.Add("description", ErrEmptyDescription.Error())
	} else if len(p.Description) > 200 {
		verr.Add("description", "description too long (max 200 characters)")
	}
	if err := p.Amount.Validate(); err != nil {
		verr.Add("amount", err.Error())
	}
	if len(p.Category) > 100 {
		verr.Add("category", "category too long (max 100 characters)")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// IsOpen reports whether the record still waits for its charge.
func (r BusinessRecord) IsOpen() bool {
	return r.ChargeRequired && !r.ChargeCompleted
}

// HasActiveSubscription uses a strict comparison: a subscription ending
// exactly at now is expired.
func (p UserProfile) HasActiveSubscription(now time.Time) bool {
	return p.IsSubscribed && p.SubscriptionEnd != nil && p.SubscriptionEnd.After(now)
}

// Validate checks the user-editable fields of a party account.
func (a PartyAccount) Validate() *ValidationError {
	verr := &ValidationError{}
	if strings.TrimSpace(a.OwnerUserID) == "" {
		verr.Add("owner_user_id", "owner is required")
	}
	if strings.TrimSpace(a.PartyName) == "" {
		verr.Add("party_name", "party name is required")
	} else if len(a.PartyName) > 200 {
		verr.Add("party_name", "party name too long (max 200 characters)")
	}
	if !a.Kind.IsValid() {
		verr.Add("kind", "must be debtor or creditor")
	}
	if a.PaymentTerms != "" && !a.PaymentTerms.IsValid() {
		verr.Add("payment_terms", "invalid payment terms")
	}
	if a.PaymentTerms == TermsCustom && a.CustomTermDays <= 0 {
		verr.Add("custom_term_days", "custom payment days must be greater than 0")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// Validate checks amount sign rules: increases and payments are positive,
// adjustments are non-zero and may be negative.
func (t PartyTransaction) Validate() *ValidationError {
	verr := &ValidationError{}
	if strings.TrimSpace(t.PartyAccountID) == "" {
		verr.Add("party_account_id", "party account is required")
	}
	if !t.Kind.IsValid() {
		verr.Add("kind", "must be increase, payment or adjustment")
	}
	switch {
	case t.Kind == TxAdjustment && t.Amount.IsZero():
		verr.Add("amount", "adjustment cannot be zero")
	case t.Kind != TxAdjustment && t.Amount.Cents <= 0:
		verr.Add("amount", ErrInvalidAmount.Error())
	}
	if t.TransactionDate.IsZero() {
		verr.Add("transaction_date", "transaction date is required")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}
