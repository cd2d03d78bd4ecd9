package mongo

import (
	"time"

	"fincore/internal/core"
)

// ==================== Account models ====================

type accountModel struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	BalanceCents int64     `bson:"balance_cents"`
	Version      int64     `bson:"version"`
	LastEntryID  string    `bson:"last_entry_id"`
	Disabled     bool      `bson:"disabled"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func toAccountModel(a *core.CreditAccount) *accountModel {
	return &accountModel{
		ID:           a.ID,
		UserID:       a.UserID,
		BalanceCents: a.Balance.Cents,
		Version:      a.Version,
		LastEntryID:  a.LastEntryID,
		Disabled:     a.Disabled,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) *core.CreditAccount {
	return &core.CreditAccount{
		ID:          m.ID,
		UserID:      m.UserID,
		Balance:     core.Cents(m.BalanceCents),
		Version:     m.Version,
		LastEntryID: m.LastEntryID,
		Disabled:    m.Disabled,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

// ==================== Entry models ====================

type entryModel struct {
	ID                 string    `bson:"_id"`
	AccountID          string    `bson:"account_id"`
	Direction          string    `bson:"direction"`
	AmountCents        int64     `bson:"amount_cents"`
	BalanceBeforeCents int64     `bson:"balance_before_cents"`
	BalanceAfterCents  int64     `bson:"balance_after_cents"`
	AccountVersion     int64     `bson:"account_version"`
	Status             string    `bson:"status"`
	OperationTag       string    `bson:"operation_tag"`
	LinkedRecordRef    string    `bson:"linked_record_ref"`
	ReversalOf         string    `bson:"reversal_of"`
	ReversedBy         string    `bson:"reversed_by"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

func toEntryModel(e *core.LedgerEntry) *entryModel {
	return &entryModel{
		ID:                 e.ID,
		AccountID:          e.AccountID,
		Direction:          string(e.Direction),
		AmountCents:        e.Amount.Cents,
		BalanceBeforeCents: e.BalanceBefore.Cents,
		BalanceAfterCents:  e.BalanceAfter.Cents,
		AccountVersion:     e.AccountVersion,
		Status:             string(e.Status),
		OperationTag:       e.OperationTag,
		LinkedRecordRef:    e.LinkedRecordRef,
		ReversalOf:         e.ReversalOf,
		ReversedBy:         e.ReversedBy,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

func fromEntryModel(m *entryModel) core.LedgerEntry {
	return core.LedgerEntry{
		ID:              m.ID,
		AccountID:       m.AccountID,
		Direction:       core.Direction(m.Direction),
		Amount:          core.Cents(m.AmountCents),
		BalanceBefore:   core.Cents(m.BalanceBeforeCents),
		BalanceAfter:    core.Cents(m.BalanceAfterCents),
		AccountVersion:  m.AccountVersion,
		Status:          core.EntryStatus(m.Status),
		OperationTag:    m.OperationTag,
		LinkedRecordRef: m.LinkedRecordRef,
		ReversalOf:      m.ReversalOf,
		ReversedBy:      m.ReversedBy,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

// ==================== Record models ====================

type recordModel struct {
	ID                string     `bson:"_id"`
	UserID            string     `bson:"user_id"`
	Kind              string     `bson:"kind"`
	RecordDate        time.Time  `bson:"record_date"`
	Description       string     `bson:"description"`
	AmountCents       int64      `bson:"amount_cents"`
	Category          string     `bson:"category"`
	ChargeRequired    bool       `bson:"charge_required"`
	ChargeCompleted   bool       `bson:"charge_completed"`
	ChargeAmountCents int64      `bson:"charge_amount_cents"`
	ChargeEntryID     string     `bson:"charge_entry_id"`
	ChargeAttemptedAt *time.Time `bson:"charge_attempted_at,omitempty"`
	RequestToken      string     `bson:"request_token"`
	CreatedAt         time.Time  `bson:"created_at"`
}

func toRecordModel(r *core.BusinessRecord) *recordModel {
	return &recordModel{
		ID:                r.ID,
		UserID:            r.UserID,
		Kind:              string(r.Kind),
		RecordDate:        r.Payload.Date.Time,
		Description:       r.Payload.Description,
		AmountCents:       r.Payload.Amount.Cents,
		Category:          r.Payload.Category,
		ChargeRequired:    r.ChargeRequired,
		ChargeCompleted:   r.ChargeCompleted,
		ChargeAmountCents: r.ChargeAmount.Cents,
		ChargeEntryID:     r.ChargeEntryID,
		ChargeAttemptedAt: r.ChargeAttemptedAt,
		RequestToken:      r.RequestToken,
		CreatedAt:         r.CreatedAt,
	}
}

func fromRecordModel(m *recordModel) core.BusinessRecord {
	return core.BusinessRecord{
		ID:     m.ID,
		UserID: m.UserID,
		Kind:   core.RecordKind(m.Kind),
		Payload: core.RecordPayload{
			Date:        core.Date{Time: m.RecordDate.UTC()},
			Description: m.Description,
			Amount:      core.Cents(m.AmountCents),
			Category:    m.Category,
		},
		ChargeRequired:    m.ChargeRequired,
		ChargeCompleted:   m.ChargeCompleted,
		ChargeAmount:      core.Cents(m.ChargeAmountCents),
		ChargeEntryID:     m.ChargeEntryID,
		ChargeAttemptedAt: utcPtr(m.ChargeAttemptedAt),
		RequestToken:      m.RequestToken,
		CreatedAt:         m.CreatedAt.UTC(),
	}
}

// ==================== Quota and profile models ====================

type quotaModel struct {
	ID        string `bson:"_id"`
	UserID    string `bson:"user_id"`
	YearMonth string `bson:"year_month"`
	Count     int    `bson:"count"`
}

type profileModel struct {
	UserID          string     `bson:"_id"`
	IsAdmin         bool       `bson:"is_admin"`
	IsSubscribed    bool       `bson:"is_subscribed"`
	SubscriptionEnd *time.Time `bson:"subscription_end,omitempty"`
	Disabled        bool       `bson:"disabled"`
}

// ==================== Party models ====================

type partyModel struct {
	ID                  string     `bson:"_id"`
	OwnerUserID         string     `bson:"owner_user_id"`
	Kind                string     `bson:"kind"`
	PartyName           string     `bson:"party_name"`
	PaymentTerms        string     `bson:"payment_terms"`
	CustomTermDays      int        `bson:"custom_term_days"`
	TotalCents          int64      `bson:"total_cents"`
	PaidCents           int64      `bson:"paid_cents"`
	RemainingCents      int64      `bson:"remaining_cents"`
	Status              string     `bson:"status"`
	LastPaymentDate     *time.Time `bson:"last_payment_date,omitempty"`
	NextPaymentDue      *time.Time `bson:"next_payment_due,omitempty"`
	OverdueDays         int        `bson:"overdue_days"`
	LastTransactionDate *time.Time `bson:"last_transaction_date,omitempty"`
	TransactionCount    int        `bson:"transaction_count"`
	AgeDays             int        `bson:"age_days"`
	CreatedAt           time.Time  `bson:"created_at"`
	UpdatedAt           time.Time  `bson:"updated_at"`
}

func toPartyModel(p *core.PartyAccount) *partyModel {
	return &partyModel{
		ID:                  p.ID,
		OwnerUserID:         p.OwnerUserID,
		Kind:                string(p.Kind),
		PartyName:           p.PartyName,
		PaymentTerms:        string(p.PaymentTerms),
		CustomTermDays:      p.CustomTermDays,
		TotalCents:          p.TotalAmount.Cents,
		PaidCents:           p.PaidAmount.Cents,
		RemainingCents:      p.RemainingAmount.Cents,
		Status:              string(p.Status),
		LastPaymentDate:     p.LastPaymentDate,
		NextPaymentDue:      p.NextPaymentDue,
		OverdueDays:         p.OverdueDays,
		LastTransactionDate: p.LastTransactionDate,
		TransactionCount:    p.TransactionCount,
		AgeDays:             p.AgeDays,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func fromPartyModel(m *partyModel) core.PartyAccount {
	return core.PartyAccount{
		ID:                  m.ID,
		OwnerUserID:         m.OwnerUserID,
		Kind:                core.PartyKind(m.Kind),
		PartyName:           m.PartyName,
		PaymentTerms:        core.PaymentTerms(m.PaymentTerms),
		CustomTermDays:      m.CustomTermDays,
		TotalAmount:         core.Cents(m.TotalCents),
		PaidAmount:          core.Cents(m.PaidCents),
		RemainingAmount:     core.Cents(m.RemainingCents),
		Status:              core.PartyStatus(m.Status),
		LastPaymentDate:     utcPtr(m.LastPaymentDate),
		NextPaymentDue:      utcPtr(m.NextPaymentDue),
		OverdueDays:         m.OverdueDays,
		LastTransactionDate: utcPtr(m.LastTransactionDate),
		TransactionCount:    m.TransactionCount,
		AgeDays:             m.AgeDays,
		CreatedAt:           m.CreatedAt.UTC(),
		UpdatedAt:           m.UpdatedAt.UTC(),
	}
}

type partyTxModel struct {
	ID                 string    `bson:"_id"`
	PartyAccountID     string    `bson:"party_account_id"`
	Kind               string    `bson:"kind"`
	AmountCents        int64     `bson:"amount_cents"`
	TransactionDate    time.Time `bson:"transaction_date"`
	BalanceBeforeCents int64     `bson:"balance_before_cents"`
	BalanceAfterCents  int64     `bson:"balance_after_cents"`
	Note               string    `bson:"note"`
	CreatedAt          time.Time `bson:"created_at"`
}

func toPartyTxModel(tx *core.PartyTransaction) *partyTxModel {
	return &partyTxModel{
		ID:                 tx.ID,
		PartyAccountID:     tx.PartyAccountID,
		Kind:               string(tx.Kind),
		AmountCents:        tx.Amount.Cents,
		TransactionDate:    tx.TransactionDate,
		BalanceBeforeCents: tx.BalanceBeforeSnapshot.Cents,
		BalanceAfterCents:  tx.BalanceAfterSnapshot.Cents,
		Note:               tx.Note,
		CreatedAt:          tx.CreatedAt,
	}
}

func fromPartyTxModel(m *partyTxModel) core.PartyTransaction {
	return core.PartyTransaction{
		ID:                    m.ID,
		PartyAccountID:        m.PartyAccountID,
		Kind:                  core.PartyTxKind(m.Kind),
		Amount:                core.Cents(m.AmountCents),
		TransactionDate:       m.TransactionDate.UTC(),
		BalanceBeforeSnapshot: core.Cents(m.BalanceBeforeCents),
		BalanceAfterSnapshot:  core.Cents(m.BalanceAfterCents),
		Note:                  m.Note,
		CreatedAt:             m.CreatedAt.UTC(),
	}
}

// ==================== Idempotency models ====================

type idempotencyModel struct {
	ID          string    `bson:"_id"`
	UserID      string    `bson:"user_id"`
	Key         string    `bson:"key"`
	Scope       string    `bson:"scope"`
	RequestHash string    `bson:"request_hash"`
	Response    []byte    `bson:"response"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
