// Package mongo implements storage.Store on MongoDB. Every method touches a
// single document; version checks ride on the update filter.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"fincore/internal/core"
	"fincore/internal/storage"
)

// Collection name constants.
const (
	colAccounts     = "credit_accounts"
	colEntries      = "ledger_entries"
	colRecords      = "business_records"
	colQuotas       = "quota_counters"
	colProfiles     = "user_profiles"
	colParties      = "party_accounts"
	colPartyTxs     = "party_transactions"
	colIdempotency  = "idempotency_keys"
	connectTimeout  = 10 * time.Second
	disconnectGrace = 5 * time.Second
)

// compile-time interface check
var _ storage.Store = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri, verifies the connection and ensures indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	s := New(client, database)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. Call Migrate before first use.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *core.CreditAccount) error {
	if _, err := s.col(colAccounts).InsertOne(ctx, toAccountModel(a)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("mongo: create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*core.CreditAccount, error) {
	var m accountModel
	if err := s.col(colAccounts).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "account", ID: id}
		}
		return nil, fmt.Errorf("mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) GetAccountByUser(ctx context.Context, userID string) (*core.CreditAccount, error) {
	var m accountModel
	if err := s.col(colAccounts).FindOne(ctx, bson.M{"user_id": userID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "account", ID: userID}
		}
		return nil, fmt.Errorf("mongo: get account by user: %w", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]core.CreditAccount, error) {
	var models []accountModel
	if err := s.findAll(ctx, colAccounts, bson.M{}, bson.D{{Key: "_id", Value: 1}}, &models); err != nil {
		return nil, fmt.Errorf("mongo: list accounts: %w", err)
	}
	out := make([]core.CreditAccount, len(models))
	for i := range models {
		out[i] = *fromAccountModel(&models[i])
	}
	return out, nil
}

func (s *Store) CompareAndSwapBalance(ctx context.Context, accountID string, expectedVersion int64, balance core.Money, lastEntryID string, now time.Time) error {
	res, err := s.col(colAccounts).UpdateOne(ctx,
		bson.M{"_id": accountID, "version": expectedVersion},
		bson.M{
			"$set": bson.M{"balance_cents": balance.Cents, "last_entry_id": lastEntryID, "updated_at": now},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("mongo: swap balance: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return core.ErrVersionConflict
	}
	return nil
}

func (s *Store) SetAccountDisabled(ctx context.Context, accountID string, disabled bool, now time.Time) error {
	res, err := s.col(colAccounts).UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{"disabled": disabled, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("mongo: set account disabled: %w", err)
	}
	if res.MatchedCount == 0 {
		return &core.NotFoundError{Kind: "account", ID: accountID}
	}
	return nil
}

// ==================== Entry Store ====================

func (s *Store) InsertEntry(ctx context.Context, e *core.LedgerEntry) error {
	if _, err := s.col(colEntries).InsertOne(ctx, toEntryModel(e)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("mongo: insert entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*core.LedgerEntry, error) {
	var m entryModel
	if err := s.col(colEntries).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "ledger entry", ID: id}
		}
		return nil, fmt.Errorf("mongo: get entry: %w", err)
	}
	e := fromEntryModel(&m)
	return &e, nil
}

func (s *Store) TransitionEntry(ctx context.Context, id string, from, to core.EntryStatus, reversedBy string, now time.Time) error {
	set := bson.M{"status": string(to), "updated_at": now}
	if reversedBy != "" {
		set["reversed_by"] = reversedBy
	}
	res, err := s.col(colEntries).UpdateOne(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongo: transition entry: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetEntry(ctx, id); err != nil {
			return err
		}
		return core.ErrVersionConflict
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.col(colEntries).DeleteOne(ctx, bson.M{"_id": id, "status": string(core.EntryPending)})
	if err != nil {
		return fmt.Errorf("mongo: delete entry: %w", err)
	}
	if res.DeletedCount == 0 {
		if _, err := s.GetEntry(ctx, id); err != nil {
			return err
		}
		return core.ErrVersionConflict
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string) ([]core.LedgerEntry, error) {
	return s.findEntries(ctx, bson.M{"account_id": accountID})
}

func (s *Store) ListPendingEntries(ctx context.Context, olderThan time.Time) ([]core.LedgerEntry, error) {
	return s.findEntries(ctx, bson.M{
		"status":     string(core.EntryPending),
		"created_at": bson.M{"$lt": olderThan},
	})
}

func (s *Store) ListOpenReversals(ctx context.Context, olderThan time.Time) ([]core.LedgerEntry, error) {
	return s.findEntries(ctx, bson.M{
		"reversal_of": bson.M{"$ne": ""},
		"status":      string(core.EntryCompleted),
		"created_at":  bson.M{"$lt": olderThan},
	})
}

func (s *Store) FindReversal(ctx context.Context, originalID string) (*core.LedgerEntry, error) {
	entries, err := s.findEntries(ctx, bson.M{"reversal_of": originalID})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &core.NotFoundError{Kind: "reversal", ID: originalID}
	}
	return &entries[0], nil
}

func (s *Store) ListEntriesByRecord(ctx context.Context, recordRef string) ([]core.LedgerEntry, error) {
	return s.findEntries(ctx, bson.M{"linked_record_ref": recordRef})
}

func (s *Store) findEntries(ctx context.Context, filter bson.M) ([]core.LedgerEntry, error) {
	var models []entryModel
	if err := s.findAll(ctx, colEntries, filter, byCreation, &models); err != nil {
		return nil, fmt.Errorf("mongo: list entries: %w", err)
	}
	out := make([]core.LedgerEntry, len(models))
	for i := range models {
		out[i] = fromEntryModel(&models[i])
	}
	return out, nil
}

// ==================== Record Store ====================

func (s *Store) InsertRecord(ctx context.Context, r *core.BusinessRecord) error {
	if _, err := s.col(colRecords).InsertOne(ctx, toRecordModel(r)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("mongo: insert record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*core.BusinessRecord, error) {
	var m recordModel
	if err := s.col(colRecords).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "record", ID: id}
		}
		return nil, fmt.Errorf("mongo: get record: %w", err)
	}
	r := fromRecordModel(&m)
	return &r, nil
}

func (s *Store) GetRecordByToken(ctx context.Context, userID, token string) (*core.BusinessRecord, error) {
	if token == "" {
		return nil, &core.NotFoundError{Kind: "record", ID: token}
	}
	var m recordModel
	err := s.col(colRecords).FindOne(ctx, bson.M{"user_id": userID, "request_token": token}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "record", ID: token}
		}
		return nil, fmt.Errorf("mongo: get record by token: %w", err)
	}
	r := fromRecordModel(&m)
	return &r, nil
}

func (s *Store) CompleteRecordCharge(ctx context.Context, id, entryID string) error {
	res, err := s.col(colRecords).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"charge_completed": true, "charge_entry_id": entryID}})
	if err != nil {
		return fmt.Errorf("mongo: complete record charge: %w", err)
	}
	if res.MatchedCount == 0 {
		return &core.NotFoundError{Kind: "record", ID: id}
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.col(colRecords).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo: delete record: %w", err)
	}
	if res.DeletedCount == 0 {
		return &core.NotFoundError{Kind: "record", ID: id}
	}
	return nil
}

func (s *Store) ListOpenCharges(ctx context.Context, olderThan time.Time) ([]core.BusinessRecord, error) {
	return s.findRecords(ctx, bson.M{
		"charge_required":  true,
		"charge_completed": false,
		"$or": bson.A{
			bson.M{"charge_attempted_at": bson.M{"$lt": olderThan}},
			bson.M{"charge_attempted_at": nil, "created_at": bson.M{"$lt": olderThan}},
		},
	})
}

func (s *Store) ListRecordsByUser(ctx context.Context, userID string) ([]core.BusinessRecord, error) {
	return s.findRecords(ctx, bson.M{"user_id": userID})
}

func (s *Store) findRecords(ctx context.Context, filter bson.M) ([]core.BusinessRecord, error) {
	var models []recordModel
	if err := s.findAll(ctx, colRecords, filter, byCreation, &models); err != nil {
		return nil, fmt.Errorf("mongo: list records: %w", err)
	}
	out := make([]core.BusinessRecord, len(models))
	for i := range models {
		out[i] = fromRecordModel(&models[i])
	}
	return out, nil
}

// ==================== Quota and Profile Store ====================

func (s *Store) GetQuota(ctx context.Context, userID, yearMonth string) (core.QuotaCounter, error) {
	q := core.QuotaCounter{UserID: userID, YearMonth: yearMonth}
	var m quotaModel
	err := s.col(colQuotas).FindOne(ctx, bson.M{"_id": compositeID(userID, yearMonth)}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return q, nil
		}
		return q, fmt.Errorf("mongo: get quota: %w", err)
	}
	q.Count = m.Count
	return q, nil
}

func (s *Store) IncrementQuota(ctx context.Context, userID, yearMonth string) (core.QuotaCounter, error) {
	q := core.QuotaCounter{UserID: userID, YearMonth: yearMonth}
	var m quotaModel
	err := s.col(colQuotas).FindOneAndUpdate(ctx,
		bson.M{"_id": compositeID(userID, yearMonth)},
		bson.M{
			"$inc":         bson.M{"count": 1},
			"$setOnInsert": bson.M{"user_id": userID, "year_month": yearMonth},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		return q, fmt.Errorf("mongo: increment quota: %w", err)
	}
	q.Count = m.Count
	return q, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*core.UserProfile, error) {
	var m profileModel
	if err := s.col(colProfiles).FindOne(ctx, bson.M{"_id": userID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "profile", ID: userID}
		}
		return nil, fmt.Errorf("mongo: get profile: %w", err)
	}
	return &core.UserProfile{
		UserID:          m.UserID,
		IsAdmin:         m.IsAdmin,
		IsSubscribed:    m.IsSubscribed,
		SubscriptionEnd: utcPtr(m.SubscriptionEnd),
		Disabled:        m.Disabled,
	}, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p *core.UserProfile) error {
	m := &profileModel{
		UserID:          p.UserID,
		IsAdmin:         p.IsAdmin,
		IsSubscribed:    p.IsSubscribed,
		SubscriptionEnd: p.SubscriptionEnd,
		Disabled:        p.Disabled,
	}
	_, err := s.col(colProfiles).ReplaceOne(ctx, bson.M{"_id": p.UserID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: upsert profile: %w", err)
	}
	return nil
}

// ==================== Party Store ====================

func (s *Store) CreateParty(ctx context.Context, p *core.PartyAccount) error {
	if _, err := s.col(colParties).InsertOne(ctx, toPartyModel(p)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("mongo: create party: %w", err)
	}
	return nil
}

func (s *Store) GetParty(ctx context.Context, id string) (*core.PartyAccount, error) {
	var m partyModel
	if err := s.col(colParties).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "party account", ID: id}
		}
		return nil, fmt.Errorf("mongo: get party: %w", err)
	}
	p := fromPartyModel(&m)
	return &p, nil
}

func (s *Store) SaveParty(ctx context.Context, p *core.PartyAccount) error {
	m := toPartyModel(p)
	res, err := s.col(colParties).UpdateOne(ctx,
		bson.M{"_id": p.ID},
		bson.M{
			"$set": bson.M{
				"total_cents":           m.TotalCents,
				"paid_cents":            m.PaidCents,
				"remaining_cents":       m.RemainingCents,
				"status":                m.Status,
				"last_payment_date":     m.LastPaymentDate,
				"next_payment_due":      m.NextPaymentDue,
				"overdue_days":          m.OverdueDays,
				"last_transaction_date": m.LastTransactionDate,
				"transaction_count":     m.TransactionCount,
				"age_days":              m.AgeDays,
				"updated_at":            m.UpdatedAt,
			},
		})
	if err != nil {
		return fmt.Errorf("mongo: save party: %w", err)
	}
	if res.MatchedCount == 0 {
		return &core.NotFoundError{Kind: "party account", ID: p.ID}
	}
	return nil
}

func (s *Store) ListParties(ctx context.Context, ownerUserID string) ([]core.PartyAccount, error) {
	return s.findParties(ctx, bson.M{"owner_user_id": ownerUserID})
}

func (s *Store) ListUnpaidParties(ctx context.Context) ([]core.PartyAccount, error) {
	return s.findParties(ctx, bson.M{"status": bson.M{"$ne": string(core.PartyPaid)}})
}

func (s *Store) findParties(ctx context.Context, filter bson.M) ([]core.PartyAccount, error) {
	var models []partyModel
	if err := s.findAll(ctx, colParties, filter, bson.D{{Key: "_id", Value: 1}}, &models); err != nil {
		return nil, fmt.Errorf("mongo: list parties: %w", err)
	}
	out := make([]core.PartyAccount, len(models))
	for i := range models {
		out[i] = fromPartyModel(&models[i])
	}
	return out, nil
}

func (s *Store) InsertPartyTransaction(ctx context.Context, tx *core.PartyTransaction) error {
	if _, err := s.col(colPartyTxs).InsertOne(ctx, toPartyTxModel(tx)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("mongo: insert party transaction: %w", err)
	}
	return nil
}

func (s *Store) GetPartyTransaction(ctx context.Context, id string) (*core.PartyTransaction, error) {
	var m partyTxModel
	if err := s.col(colPartyTxs).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "party transaction", ID: id}
		}
		return nil, fmt.Errorf("mongo: get party transaction: %w", err)
	}
	tx := fromPartyTxModel(&m)
	return &tx, nil
}

func (s *Store) DeletePartyTransaction(ctx context.Context, id string) error {
	res, err := s.col(colPartyTxs).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo: delete party transaction: %w", err)
	}
	if res.DeletedCount == 0 {
		return &core.NotFoundError{Kind: "party transaction", ID: id}
	}
	return nil
}

func (s *Store) ListPartyTransactions(ctx context.Context, partyID string) ([]core.PartyTransaction, error) {
	var models []partyTxModel
	sort := bson.D{{Key: "transaction_date", Value: 1}, {Key: "_id", Value: 1}}
	if err := s.findAll(ctx, colPartyTxs, bson.M{"party_account_id": partyID}, sort, &models); err != nil {
		return nil, fmt.Errorf("mongo: list party transactions: %w", err)
	}
	out := make([]core.PartyTransaction, len(models))
	for i := range models {
		out[i] = fromPartyTxModel(&models[i])
	}
	return out, nil
}

// ==================== Idempotency Store ====================

func (s *Store) GetIdempotency(ctx context.Context, userID, key string, now time.Time) (*core.IdempotencyRecord, error) {
	var m idempotencyModel
	err := s.col(colIdempotency).FindOne(ctx, bson.M{
		"_id":        compositeID(userID, key),
		"expires_at": bson.M{"$gt": now},
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, &core.NotFoundError{Kind: "idempotency key", ID: key}
		}
		return nil, fmt.Errorf("mongo: get idempotency key: %w", err)
	}
	return &core.IdempotencyRecord{
		UserID:      m.UserID,
		Key:         m.Key,
		Scope:       m.Scope,
		RequestHash: m.RequestHash,
		Response:    m.Response,
		CreatedAt:   m.CreatedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
	}, nil
}

func (s *Store) SaveIdempotency(ctx context.Context, r *core.IdempotencyRecord) error {
	m := &idempotencyModel{
		ID:          compositeID(r.UserID, r.Key),
		UserID:      r.UserID,
		Key:         r.Key,
		Scope:       r.Scope,
		RequestHash: r.RequestHash,
		Response:    r.Response,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
	_, err := s.col(colIdempotency).InsertOne(ctx, m)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongo: save idempotency key: %w", err)
	}

	// The TTL monitor runs about once a minute, so an expired key can
	// still be present. Replace it only if it has expired.
	res, err := s.col(colIdempotency).ReplaceOne(ctx,
		bson.M{"_id": m.ID, "expires_at": bson.M{"$lte": r.CreatedAt}}, m)
	if err != nil {
		return fmt.Errorf("mongo: replace expired idempotency key: %w", err)
	}
	if res.MatchedCount == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

func (s *Store) CompleteIdempotency(ctx context.Context, userID, key string, response []byte, expiresAt time.Time) error {
	res, err := s.col(colIdempotency).UpdateOne(ctx,
		bson.M{"_id": compositeID(userID, key)},
		bson.M{"$set": bson.M{"response": response, "expires_at": expiresAt}})
	if err != nil {
		return fmt.Errorf("mongo: complete idempotency key: %w", err)
	}
	if res.MatchedCount == 0 {
		return &core.NotFoundError{Kind: "idempotency key", ID: key}
	}
	return nil
}

func (s *Store) DeleteIdempotency(ctx context.Context, userID, key string) error {
	if _, err := s.col(colIdempotency).DeleteOne(ctx, bson.M{"_id": compositeID(userID, key)}); err != nil {
		return fmt.Errorf("mongo: delete idempotency key: %w", err)
	}
	return nil
}

func (s *Store) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.col(colIdempotency).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": before}})
	if err != nil {
		return 0, fmt.Errorf("mongo: purge idempotency keys: %w", err)
	}
	return res.DeletedCount, nil
}

// ==================== Helpers ====================

var byCreation = bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}

func (s *Store) findAll(ctx context.Context, col string, filter any, sort bson.D, out any) error {
	cur, err := s.col(col).Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

func compositeID(a, b string) string {
	return a + "|" + b
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colEntries: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "linked_record_ref", Value: 1}}},
			{Keys: bson.D{{Key: "reversal_of", Value: 1}}},
		},
		colRecords: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "charge_required", Value: 1}, {Key: "charge_completed", Value: 1}}},
			{
				Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "request_token", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"request_token": bson.M{"$gt": ""}}),
			},
		},
		colParties: {
			{Keys: bson.D{{Key: "owner_user_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colPartyTxs: {
			{Keys: bson.D{{Key: "party_account_id", Value: 1}, {Key: "transaction_date", Value: 1}}},
		},
		colIdempotency: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
	}
}
