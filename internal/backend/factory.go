package backend

import (
	"context"
	"fmt"
	"log/slog"

	"fincore/internal/amqp"
	"fincore/internal/log"
	"fincore/internal/services"
	"fincore/internal/storage"
	"fincore/internal/storage/memory"
	"fincore/internal/storage/mongo"
)

type openFunc func(ctx context.Context, opts Options) (*Store, error)

// Factory opens stores through one open function per Kind.
type Factory struct {
	logger *slog.Logger
	stores map[Kind]openFunc
}

func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		logger: logger,
		stores: map[Kind]openFunc{
			KindSQLite: openSQLite,
			KindMongo:  openMongo,
			KindMemory: openMemory,
		},
	}
}

var _ Opener = (*Factory)(nil)

// OpenStore validates opts and opens the selected store.
func (f *Factory) OpenStore(ctx context.Context, opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	open, ok := f.stores[opts.Kind]
	if !ok {
		return nil, fmt.Errorf("no opener for storage backend %q", opts.Kind)
	}
	s, err := open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Kind, err)
	}

	switch opts.Kind {
	case KindMemory:
		f.logger.Warn("Memory store opened; balances are lost on restart")
	default:
		f.logger.Info("Store opened", "backend", opts.Kind)
	}
	return s, nil
}

func openSQLite(_ context.Context, opts Options) (*Store, error) {
	repo, err := storage.NewSQLiteRepository(opts.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &Store{Store: repo, Cleanup: repo.Close}, nil
}

func openMongo(ctx context.Context, opts Options) (*Store, error) {
	s, err := mongo.Open(ctx, opts.MongoURI, opts.MongoDatabase)
	if err != nil {
		return nil, err
	}
	return &Store{Store: s, Cleanup: s.Close}, nil
}

func openMemory(context.Context, Options) (*Store, error) {
	return &Store{Store: memory.New()}, nil
}

// OpenEvents connects to the broker. A broker that cannot be reached is not
// fatal: events are best effort and the process runs without them.
func (f *Factory) OpenEvents(_ context.Context, opts Options) (*Events, error) {
	if opts.AMQPURL == "" {
		f.logger.Info("AMQP not configured, events disabled")
		return &Events{Sink: services.NopSink{}}, nil
	}

	client, err := amqp.NewClient(opts.AMQPURL, opts.AMQPExchange, opts.AMQPQueue, log.Default(log.ComponentAMQP))
	if err != nil {
		f.logger.Warn("AMQP unreachable, continuing without events", "error", err)
		return &Events{Sink: services.NopSink{}}, nil
	}

	f.logger.Info("Event sink connected",
		"exchange", opts.AMQPExchange,
		"queue", opts.AMQPQueue)
	return &Events{Sink: client, Cleanup: client.Close}, nil
}
