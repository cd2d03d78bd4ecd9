package services

import (
	"context"
	"time"

	"fincore/internal/amqp"
	"fincore/internal/core"
	"fincore/internal/id"
	"fincore/internal/keylock"
	"fincore/internal/log"
	"fincore/internal/metrics"
	"fincore/internal/party"
	"fincore/internal/storage"
)

// PartyService keeps the receivable and payable aggregates in step with
// their transactions. Writes to one party are serialized in process.
type PartyService struct {
	store  storage.PartyStore
	locks  *keylock.Map
	sink   EventSink
	now    func() time.Time
	logger *log.Logger
}

func NewPartyService(store storage.PartyStore, sink EventSink, now func() time.Time, logger *log.Logger) *PartyService {
	if sink == nil {
		sink = NopSink{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = log.Default(log.ComponentParty)
	}
	return &PartyService{
		store:  store,
		locks:  keylock.New(),
		sink:   sink,
		now:    now,
		logger: logger.WithComponent(log.ComponentParty),
	}
}

// CreatePartyAccount stores a new party with an empty, paid aggregate.
func (s *PartyService) CreatePartyAccount(ctx context.Context, a core.PartyAccount) (*core.PartyAccount, error) {
	if verr := a.Validate(); verr != nil {
		return nil, verr
	}
	if a.PaymentTerms == "" {
		a.PaymentTerms = core.Terms30Days
	}
	if a.PaymentTerms != core.TermsCustom {
		a.CustomTermDays = 0
	}

	now := s.now()
	a.ID = id.NewPartyID()
	a.CreatedAt = now
	a = party.Fold(a, nil, now)

	if err := s.store.CreateParty(ctx, &a); err != nil {
		return nil, core.Persistence("create party", err)
	}
	s.logger.InfoContext(ctx, "Party account created",
		log.FieldPartyID, a.ID,
		log.FieldUserID, a.OwnerUserID,
		"kind", a.Kind)
	return &a, nil
}

func (s *PartyService) GetPartyAccount(ctx context.Context, partyID string) (*core.PartyAccount, error) {
	p, err := s.store.GetParty(ctx, partyID)
	if err != nil {
		return nil, core.Persistence("get party", err)
	}
	return p, nil
}

// Transactions lists a party's transactions.
func (s *PartyService) Transactions(ctx context.Context, partyID string) ([]core.PartyTransaction, error) {
	txs, err := s.store.ListPartyTransactions(ctx, partyID)
	if err != nil {
		return nil, core.Persistence("list party transactions", err)
	}
	return txs, nil
}

// AddTransaction stores tx and folds it into the party aggregate without
// reading the history. The snapshots on tx record the remaining amount
// before and after it at insert time.
func (s *PartyService) AddTransaction(ctx context.Context, tx core.PartyTransaction) (*core.PartyAccount, *core.PartyTransaction, error) {
	if verr := tx.Validate(); verr != nil {
		return nil, nil, verr
	}

	unlock := s.locks.Lock(tx.PartyAccountID)
	defer unlock()

	start := time.Now()
	p, err := s.store.GetParty(ctx, tx.PartyAccountID)
	if err != nil {
		return nil, nil, core.Persistence("get party", err)
	}

	now := s.now()
	tx.ID = id.NewPartyTxID()
	tx.CreatedAt = now
	updated := party.AddTransaction(*p, tx, now)
	tx.BalanceBeforeSnapshot = p.RemainingAmount
	tx.BalanceAfterSnapshot = updated.RemainingAmount

	if err := s.store.InsertPartyTransaction(ctx, &tx); err != nil {
		return nil, nil, core.Persistence("insert party transaction", err)
	}
	if err := s.save(ctx, &updated, "incremental", start); err != nil {
		return nil, nil, err
	}
	return &updated, &tx, nil
}

// DeleteTransaction removes a transaction and takes it out of the
// aggregate, refolding from the history when that cannot be done in place.
func (s *PartyService) DeleteTransaction(ctx context.Context, txID string) (*core.PartyAccount, error) {
	tx, err := s.store.GetPartyTransaction(ctx, txID)
	if err != nil {
		return nil, core.Persistence("get party transaction", err)
	}

	unlock := s.locks.Lock(tx.PartyAccountID)
	defer unlock()

	start := time.Now()
	p, err := s.store.GetParty(ctx, tx.PartyAccountID)
	if err != nil {
		return nil, core.Persistence("get party", err)
	}
	if err := s.store.DeletePartyTransaction(ctx, tx.ID); err != nil {
		return nil, core.Persistence("delete party transaction", err)
	}

	now := s.now()
	mode := "incremental"
	updated, ok := party.RemoveTransaction(*p, *tx, now)
	if !ok {
		mode = "full"
		txs, err := s.store.ListPartyTransactions(ctx, p.ID)
		if err != nil {
			return nil, core.Persistence("list party transactions", err)
		}
		updated = party.Fold(*p, txs, now)
	}

	if err := s.save(ctx, &updated, mode, start); err != nil {
		return nil, err
	}
	return &updated, nil
}

// RecomputePartyAccount rebuilds the aggregate from the full history and
// persists it. Running it twice gives the same aggregate.
func (s *PartyService) RecomputePartyAccount(ctx context.Context, partyID string) (*core.PartyAccount, error) {
	unlock := s.locks.Lock(partyID)
	defer unlock()

	start := time.Now()
	p, err := s.store.GetParty(ctx, partyID)
	if err != nil {
		return nil, core.Persistence("get party", err)
	}
	txs, err := s.store.ListPartyTransactions(ctx, partyID)
	if err != nil {
		return nil, core.Persistence("list party transactions", err)
	}

	updated := party.Fold(*p, txs, s.now())
	if !party.Equal(*p, updated) {
		s.logger.InfoContext(ctx, "Party aggregate corrected by recompute",
			log.FieldPartyID, partyID,
			"stored_remaining_cents", p.RemainingAmount.Cents,
			"remaining_cents", updated.RemainingAmount.Cents)
	}
	if err := s.save(ctx, &updated, "full", start); err != nil {
		return nil, err
	}
	return &updated, nil
}

type RefreshStats struct {
	Checked int
	Updated int
	Overdue int
}

// RefreshOverdue re-derives the due status of every unpaid party at now,
// so a party turns overdue without any write to it.
func (s *PartyService) RefreshOverdue(ctx context.Context, now time.Time) (RefreshStats, error) {
	var stats RefreshStats

	parties, err := s.store.ListUnpaidParties(ctx)
	if err != nil {
		return stats, core.Persistence("list unpaid parties", err)
	}

	for _, listed := range parties {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Checked++

		changed, overdue, err := s.refreshOne(ctx, listed.ID, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to refresh party due status",
				log.FieldPartyID, listed.ID, log.FieldError, err)
			continue
		}
		if changed {
			stats.Updated++
		}
		if overdue {
			stats.Overdue++
		}
	}

	metrics.PartiesOverdue.Set(float64(stats.Overdue))
	s.logger.InfoContext(ctx, "Party due status refreshed",
		"checked", stats.Checked,
		"updated", stats.Updated,
		"overdue", stats.Overdue)
	return stats, nil
}

func (s *PartyService) refreshOne(ctx context.Context, partyID string, now time.Time) (changed, overdue bool, err error) {
	unlock := s.locks.Lock(partyID)
	defer unlock()

	p, err := s.store.GetParty(ctx, partyID)
	if err != nil {
		return false, false, core.Persistence("get party", err)
	}
	refreshed := party.Refresh(*p, now)
	overdue = refreshed.Status == core.PartyOverdue
	if refreshed.Status == p.Status && refreshed.OverdueDays == p.OverdueDays && refreshed.AgeDays == p.AgeDays {
		return false, overdue, nil
	}
	if err := s.store.SaveParty(ctx, &refreshed); err != nil {
		return false, overdue, core.Persistence("save party", err)
	}
	return true, overdue, nil
}

func (s *PartyService) save(ctx context.Context, p *core.PartyAccount, mode string, start time.Time) error {
	if err := s.store.SaveParty(ctx, p); err != nil {
		// The transaction change is stored; a recompute repairs the aggregate.
		s.logger.ErrorContext(ctx, "Failed to save party aggregate",
			log.FieldPartyID, p.ID, log.FieldError, err)
		return core.Persistence("save party", err)
	}
	metrics.PartyRecomputeDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	e := amqp.NewEvent(amqp.EventPartyRecomputed)
	e.UserID = p.OwnerUserID
	e.PartyID = p.ID
	e.AmountCents = p.RemainingAmount.Cents
	e.Reason = string(p.Status)
	publish(ctx, s.sink, s.logger, e)

	s.logger.DebugContext(ctx, "Party aggregate saved",
		log.FieldPartyID, p.ID,
		log.FieldOperation, log.OpRecompute,
		"mode", mode,
		"status", p.Status,
		"remaining_cents", p.RemainingAmount.Cents)
	return nil
}
