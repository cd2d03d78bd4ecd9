package cli

import (
	"fincore/internal/cache"
	"fincore/internal/config"
	"fincore/internal/core"
	"fincore/internal/ledger"
	"fincore/internal/log"
	"fincore/internal/policy"
	"fincore/internal/services"
	"fincore/internal/storage"
	"fincore/internal/worker"
)

// App is the wired service graph every binary starts from.
type App struct {
	Config      *config.Config
	Store       storage.Store
	Sink        services.EventSink
	Ledger      *ledger.Ledger
	Policy      *policy.Evaluator
	Guard       *services.IdempotencyGuard
	Coordinator *services.Coordinator
	Parties     *services.PartyService
	Reconciler  *services.ReconcileProcessor
	Overdue     *services.OverdueProcessor
	Events      *worker.EventWorker
	Caches      *cache.Manager
}

// NewApp wires services over store and sink. Nothing is started.
func NewApp(cfg *config.Config, store storage.Store, sink services.EventSink, logger *log.Logger) *App {
	if sink == nil {
		sink = services.NopSink{}
	}

	l := ledger.New(store,
		ledger.WithMaxRetries(cfg.LedgerMaxRetries),
		ledger.WithLogger(logger))
	eval := policy.New(cfg.PolicyConfig())

	caches := cache.NewManager(logger)
	var replies cache.Cache[core.IdempotencyRecord]
	if cfg.IdempotencyCacheSize > 0 {
		lru := cache.NewLRUCache[core.IdempotencyRecord](cfg.IdempotencyCacheSize, cfg.IdempotencyTTL)
		caches.Register(lru)
		replies = lru
	}
	guard := services.NewIdempotencyGuard(store, replies, cfg.IdempotencyTTL, nil, logger.WithComponent(log.ComponentCoordinator))

	coord := services.NewCoordinator(store, l, eval,
		services.WithIdempotencyGuard(guard),
		services.WithEventSink(sink),
		services.WithCoordinatorLogger(logger))

	parties := services.NewPartyService(store, sink, nil, logger)

	reconciler := services.NewReconcileProcessor(l, store, guard, sink, services.ReconcileConfig{
		Interval:        cfg.ReconcileInterval,
		OrphanThreshold: cfg.OrphanThreshold,
	}, logger)

	return &App{
		Config:      cfg,
		Store:       store,
		Sink:        sink,
		Ledger:      l,
		Policy:      eval,
		Guard:       guard,
		Coordinator: coord,
		Parties:     parties,
		Reconciler:  reconciler,
		Overdue:     services.NewOverdueProcessor(parties, cfg.OverdueRefreshInterval, logger),
		Events:      worker.NewEventWorker(l, sink, logger),
		Caches:      caches,
	}
}
