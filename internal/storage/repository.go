package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fincore/internal/core"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteRepository)(nil)

// SQLiteRepository implements Store with hand-written SQL. Each method is a
// single statement, so it gives the same per-row guarantees as the other
// backends and nothing more.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// ==================== Accounts ====================

const accountColumns = `id, user_id, balance_cents, version, last_entry_id, disabled, created_at, updated_at`

func (r *SQLiteRepository) CreateAccount(ctx context.Context, a *core.CreditAccount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Balance.Cents, a.Version, a.LastEntryID, a.Disabled,
		toNanos(a.CreatedAt), toNanos(a.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("create account: %w", err)
	}

	slog.InfoContext(ctx, "Credit account created", "account_id", a.ID, "user_id", a.UserID)
	return nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (*core.CreditAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "account", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *SQLiteRepository) GetAccountByUser(ctx context.Context, userID string) (*core.CreditAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "account", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get account by user: %w", err)
	}
	return a, nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]core.CreditAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []core.CreditAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CompareAndSwapBalance(ctx context.Context, accountID string, expectedVersion int64, balance core.Money, lastEntryID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance_cents = ?, version = version + 1, last_entry_id = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		balance.Cents, lastEntryID, toNanos(now), accountID, expectedVersion)
	if err != nil {
		return fmt.Errorf("swap balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap balance rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return core.ErrVersionConflict
	}
	return nil
}

func (r *SQLiteRepository) SetAccountDisabled(ctx context.Context, accountID string, disabled bool, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE credit_accounts SET disabled = ?, updated_at = ? WHERE id = ?`,
		disabled, toNanos(now), accountID)
	if err != nil {
		return fmt.Errorf("set account disabled: %w", err)
	}
	return requireRow(res, "account", accountID)
}

// ==================== Ledger entries ====================

const entryColumns = `id, account_id, direction, amount_cents, balance_before_cents, balance_after_cents,
	account_version, status, operation_tag, linked_record_ref, reversal_of, reversed_by, created_at, updated_at`

func (r *SQLiteRepository) InsertEntry(ctx context.Context, e *core.LedgerEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Direction), e.Amount.Cents, e.BalanceBefore.Cents, e.BalanceAfter.Cents,
		e.AccountVersion, string(e.Status), e.OperationTag, e.LinkedRecordRef, e.ReversalOf, e.ReversedBy,
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetEntry(ctx context.Context, id string) (*core.LedgerEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "ledger entry", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) TransitionEntry(ctx context.Context, id string, from, to core.EntryStatus, reversedBy string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = ?, reversed_by = CASE WHEN ? <> '' THEN ? ELSE reversed_by END, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), reversedBy, reversedBy, toNanos(now), id, string(from))
	if err != nil {
		return fmt.Errorf("transition ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.GetEntry(ctx, id); err != nil {
			return err
		}
		return core.ErrVersionConflict
	}
	return nil
}

func (r *SQLiteRepository) DeleteEntry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("delete ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.GetEntry(ctx, id); err != nil {
			return err
		}
		return core.ErrVersionConflict
	}
	return nil
}

func (r *SQLiteRepository) ListEntries(ctx context.Context, accountID string) ([]core.LedgerEntry, error) {
	return r.queryEntries(ctx, `WHERE account_id = ?`, accountID)
}

func (r *SQLiteRepository) ListPendingEntries(ctx context.Context, olderThan time.Time) ([]core.LedgerEntry, error) {
	return r.queryEntries(ctx, `WHERE status = 'pending' AND created_at < ?`, toNanos(olderThan))
}

func (r *SQLiteRepository) ListOpenReversals(ctx context.Context, olderThan time.Time) ([]core.LedgerEntry, error) {
	return r.queryEntries(ctx, `WHERE reversal_of <> '' AND status = 'completed' AND created_at < ?`, toNanos(olderThan))
}

func (r *SQLiteRepository) FindReversal(ctx context.Context, originalID string) (*core.LedgerEntry, error) {
	entries, err := r.queryEntries(ctx, `WHERE reversal_of = ?`, originalID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &core.NotFoundError{Kind: "reversal", ID: originalID}
	}
	return &entries[0], nil
}

func (r *SQLiteRepository) ListEntriesByRecord(ctx context.Context, recordRef string) ([]core.LedgerEntry, error) {
	return r.queryEntries(ctx, `WHERE linked_record_ref = ?`, recordRef)
}

func (r *SQLiteRepository) queryEntries(ctx context.Context, where string, args ...any) ([]core.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ==================== Business records ====================

const recordColumns = `id, user_id, kind, record_date, description, amount_cents, category, charge_required,
	charge_completed, charge_amount_cents, charge_entry_id, charge_attempted_at, request_token, created_at`

func (r *SQLiteRepository) InsertRecord(ctx context.Context, rec *core.BusinessRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO business_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, string(rec.Kind), toNanos(rec.Payload.Date.Time), rec.Payload.Description,
		rec.Payload.Amount.Cents, rec.Payload.Category, rec.ChargeRequired, rec.ChargeCompleted,
		rec.ChargeAmount.Cents, rec.ChargeEntryID, nullableNanos(rec.ChargeAttemptedAt), rec.RequestToken,
		toNanos(rec.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("insert business record: %w", err)
	}

	slog.InfoContext(ctx, "Business record saved to SQLite",
		"id", rec.ID,
		"kind", rec.Kind,
		"amount_cents", rec.Payload.Amount.Cents,
		"charge_required", rec.ChargeRequired)
	return nil
}

func (r *SQLiteRepository) GetRecord(ctx context.Context, id string) (*core.BusinessRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM business_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "record", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get business record: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) GetRecordByToken(ctx context.Context, userID, token string) (*core.BusinessRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM business_records
		WHERE user_id = ? AND request_token = ? AND request_token <> ''`, userID, token)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "record", ID: token}
	}
	if err != nil {
		return nil, fmt.Errorf("get business record by token: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) CompleteRecordCharge(ctx context.Context, id, entryID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE business_records SET charge_completed = 1, charge_entry_id = ? WHERE id = ?`, entryID, id)
	if err != nil {
		return fmt.Errorf("complete record charge: %w", err)
	}
	return requireRow(res, "record", id)
}

func (r *SQLiteRepository) DeleteRecord(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM business_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete business record: %w", err)
	}
	return requireRow(res, "record", id)
}

func (r *SQLiteRepository) ListOpenCharges(ctx context.Context, olderThan time.Time) ([]core.BusinessRecord, error) {
	return r.queryRecords(ctx, `
		WHERE charge_required = 1 AND charge_completed = 0
		AND COALESCE(charge_attempted_at, created_at) < ?`, toNanos(olderThan))
}

func (r *SQLiteRepository) ListRecordsByUser(ctx context.Context, userID string) ([]core.BusinessRecord, error) {
	return r.queryRecords(ctx, `WHERE user_id = ?`, userID)
}

func (r *SQLiteRepository) queryRecords(ctx context.Context, where string, args ...any) ([]core.BusinessRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM business_records `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list business records: %w", err)
	}
	defer rows.Close()

	var out []core.BusinessRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan business record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ==================== Quotas and profiles ====================

func (r *SQLiteRepository) GetQuota(ctx context.Context, userID, yearMonth string) (core.QuotaCounter, error) {
	q := core.QuotaCounter{UserID: userID, YearMonth: yearMonth}
	err := r.db.QueryRowContext(ctx, `
		SELECT count FROM quota_counters WHERE user_id = ? AND year_month = ?`, userID, yearMonth).Scan(&q.Count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

func (r *SQLiteRepository) IncrementQuota(ctx context.Context, userID, yearMonth string) (core.QuotaCounter, error) {
	q := core.QuotaCounter{UserID: userID, YearMonth: yearMonth}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO quota_counters (user_id, year_month, count) VALUES (?, ?, 1)
		ON CONFLICT(user_id, year_month) DO UPDATE SET count = count + 1
		RETURNING count`, userID, yearMonth).Scan(&q.Count)
	if err != nil {
		return q, fmt.Errorf("increment quota: %w", err)
	}
	return q, nil
}

func (r *SQLiteRepository) GetProfile(ctx context.Context, userID string) (*core.UserProfile, error) {
	var (
		p   = core.UserProfile{UserID: userID}
		end sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT is_admin, is_subscribed, subscription_end, disabled FROM user_profiles WHERE user_id = ?`, userID).
		Scan(&p.IsAdmin, &p.IsSubscribed, &end, &p.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "profile", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.SubscriptionEnd = fromNullNanos(end)
	return &p, nil
}

func (r *SQLiteRepository) UpsertProfile(ctx context.Context, p *core.UserProfile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, is_admin, is_subscribed, subscription_end, disabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_admin = excluded.is_admin,
			is_subscribed = excluded.is_subscribed,
			subscription_end = excluded.subscription_end,
			disabled = excluded.disabled`,
		p.UserID, p.IsAdmin, p.IsSubscribed, nullableNanos(p.SubscriptionEnd), p.Disabled)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// ==================== Parties ====================

const partyColumns = `id, owner_user_id, kind, party_name, payment_terms, custom_term_days, total_cents, paid_cents,
	remaining_cents, status, last_payment_date, next_payment_due, overdue_days, last_transaction_date,
	transaction_count, age_days, created_at, updated_at`

func (r *SQLiteRepository) CreateParty(ctx context.Context, p *core.PartyAccount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO party_accounts (`+partyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerUserID, string(p.Kind), p.PartyName, string(p.PaymentTerms), p.CustomTermDays,
		p.TotalAmount.Cents, p.PaidAmount.Cents, p.RemainingAmount.Cents, string(p.Status),
		nullableNanos(p.LastPaymentDate), nullableNanos(p.NextPaymentDue), p.OverdueDays,
		nullableNanos(p.LastTransactionDate), p.TransactionCount, p.AgeDays,
		toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("create party account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetParty(ctx context.Context, id string) (*core.PartyAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+partyColumns+` FROM party_accounts WHERE id = ?`, id)
	p, err := scanParty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "party account", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get party account: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) SaveParty(ctx context.Context, p *core.PartyAccount) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE party_accounts SET
			total_cents = ?, paid_cents = ?, remaining_cents = ?, status = ?,
			last_payment_date = ?, next_payment_due = ?, overdue_days = ?,
			last_transaction_date = ?, transaction_count = ?, age_days = ?, updated_at = ?
		WHERE id = ?`,
		p.TotalAmount.Cents, p.PaidAmount.Cents, p.RemainingAmount.Cents, string(p.Status),
		nullableNanos(p.LastPaymentDate), nullableNanos(p.NextPaymentDue), p.OverdueDays,
		nullableNanos(p.LastTransactionDate), p.TransactionCount, p.AgeDays, toNanos(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("save party account: %w", err)
	}
	return requireRow(res, "party account", p.ID)
}

func (r *SQLiteRepository) ListParties(ctx context.Context, ownerUserID string) ([]core.PartyAccount, error) {
	return r.queryParties(ctx, `WHERE owner_user_id = ?`, ownerUserID)
}

func (r *SQLiteRepository) ListUnpaidParties(ctx context.Context) ([]core.PartyAccount, error) {
	return r.queryParties(ctx, `WHERE status <> 'paid'`)
}

func (r *SQLiteRepository) queryParties(ctx context.Context, where string, args ...any) ([]core.PartyAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+partyColumns+` FROM party_accounts `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list party accounts: %w", err)
	}
	defer rows.Close()

	var out []core.PartyAccount
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan party account: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const partyTxColumns = `id, party_account_id, kind, amount_cents, transaction_date, balance_before_cents,
	balance_after_cents, note, created_at`

func (r *SQLiteRepository) InsertPartyTransaction(ctx context.Context, tx *core.PartyTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO party_transactions (`+partyTxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.PartyAccountID, string(tx.Kind), tx.Amount.Cents, toNanos(tx.TransactionDate),
		tx.BalanceBeforeSnapshot.Cents, tx.BalanceAfterSnapshot.Cents, tx.Note, toNanos(tx.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("insert party transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetPartyTransaction(ctx context.Context, id string) (*core.PartyTransaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+partyTxColumns+` FROM party_transactions WHERE id = ?`, id)
	tx, err := scanPartyTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "party transaction", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get party transaction: %w", err)
	}
	return tx, nil
}

func (r *SQLiteRepository) DeletePartyTransaction(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM party_transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete party transaction: %w", err)
	}
	return requireRow(res, "party transaction", id)
}

func (r *SQLiteRepository) ListPartyTransactions(ctx context.Context, partyID string) ([]core.PartyTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+partyTxColumns+` FROM party_transactions
		WHERE party_account_id = ? ORDER BY transaction_date, id`, partyID)
	if err != nil {
		return nil, fmt.Errorf("list party transactions: %w", err)
	}
	defer rows.Close()

	var out []core.PartyTransaction
	for rows.Next() {
		tx, err := scanPartyTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan party transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// ==================== Idempotency ====================

func (r *SQLiteRepository) GetIdempotency(ctx context.Context, userID, key string, now time.Time) (*core.IdempotencyRecord, error) {
	var (
		rec                  = core.IdempotencyRecord{UserID: userID, Key: key}
		createdAt, expiresAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT scope, request_hash, response, created_at, expires_at
		FROM idempotency_keys WHERE user_id = ? AND key = ? AND expires_at > ?`,
		userID, key, toNanos(now)).
		Scan(&rec.Scope, &rec.RequestHash, &rec.Response, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "idempotency key", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	rec.CreatedAt = fromNanos(createdAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	return &rec, nil
}

func (r *SQLiteRepository) SaveIdempotency(ctx context.Context, rec *core.IdempotencyRecord) error {
	// An expired row for the same key is replaced; a live one wins.
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (user_id, key, scope, request_hash, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			scope = excluded.scope,
			request_hash = excluded.request_hash,
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at <= excluded.created_at`,
		rec.UserID, rec.Key, rec.Scope, rec.RequestHash, rec.Response, toNanos(rec.CreatedAt), toNanos(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save idempotency rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

func (r *SQLiteRepository) CompleteIdempotency(ctx context.Context, userID, key string, response []byte, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET response = ?, expires_at = ?
		WHERE user_id = ? AND key = ?`,
		response, toNanos(expiresAt), userID, key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return requireRow(res, "idempotency key", key)
}

func (r *SQLiteRepository) DeleteIdempotency(ctx context.Context, userID, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE user_id = ? AND key = ?`, userID, key); err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Scanning helpers ====================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*core.CreditAccount, error) {
	var (
		a                    core.CreditAccount
		createdAt, updatedAt int64
	)
	if err := s.Scan(&a.ID, &a.UserID, &a.Balance.Cents, &a.Version, &a.LastEntryID, &a.Disabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return &a, nil
}

func scanEntry(s scanner) (*core.LedgerEntry, error) {
	var (
		e                    core.LedgerEntry
		direction, status    string
		createdAt, updatedAt int64
	)
	err := s.Scan(&e.ID, &e.AccountID, &direction, &e.Amount.Cents, &e.BalanceBefore.Cents, &e.BalanceAfter.Cents,
		&e.AccountVersion, &status, &e.OperationTag, &e.LinkedRecordRef, &e.ReversalOf, &e.ReversedBy,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Direction = core.Direction(direction)
	e.Status = core.EntryStatus(status)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

func scanRecord(s scanner) (*core.BusinessRecord, error) {
	var (
		rec                   core.BusinessRecord
		kind                  string
		recordDate, createdAt int64
		attemptedAt           sql.NullInt64
	)
	err := s.Scan(&rec.ID, &rec.UserID, &kind, &recordDate, &rec.Payload.Description, &rec.Payload.Amount.Cents,
		&rec.Payload.Category, &rec.ChargeRequired, &rec.ChargeCompleted, &rec.ChargeAmount.Cents,
		&rec.ChargeEntryID, &attemptedAt, &rec.RequestToken, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = core.RecordKind(kind)
	rec.Payload.Date = core.Date{Time: fromNanos(recordDate)}
	rec.ChargeAttemptedAt = fromNullNanos(attemptedAt)
	rec.CreatedAt = fromNanos(createdAt)
	return &rec, nil
}

func scanParty(s scanner) (*core.PartyAccount, error) {
	var (
		p                            core.PartyAccount
		kind, terms, status          string
		lastPayment, nextDue, lastTx sql.NullInt64
		createdAt, updatedAt         int64
	)
	err := s.Scan(&p.ID, &p.OwnerUserID, &kind, &p.PartyName, &terms, &p.CustomTermDays,
		&p.TotalAmount.Cents, &p.PaidAmount.Cents, &p.RemainingAmount.Cents, &status,
		&lastPayment, &nextDue, &p.OverdueDays, &lastTx, &p.TransactionCount, &p.AgeDays,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = core.PartyKind(kind)
	p.PaymentTerms = core.PaymentTerms(terms)
	p.Status = core.PartyStatus(status)
	p.LastPaymentDate = fromNullNanos(lastPayment)
	p.NextPaymentDue = fromNullNanos(nextDue)
	p.LastTransactionDate = fromNullNanos(lastTx)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

func scanPartyTx(s scanner) (*core.PartyTransaction, error) {
	var (
		tx                core.PartyTransaction
		kind              string
		txDate, createdAt int64
	)
	err := s.Scan(&tx.ID, &tx.PartyAccountID, &kind, &tx.Amount.Cents, &txDate,
		&tx.BalanceBeforeSnapshot.Cents, &tx.BalanceAfterSnapshot.Cents, &tx.Note, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.Kind = core.PartyTxKind(kind)
	tx.TransactionDate = fromNanos(txDate)
	tx.CreatedAt = fromNanos(createdAt)
	return &tx, nil
}

// Times are stored as UTC unix nanoseconds so ordering and range filters
// stay plain integer comparisons.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &core.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
