// Package backend opens the store and the event sink named by the
// application config.
package backend

import (
	"context"
	"errors"
	"fmt"

	"fincore/internal/config"
	"fincore/internal/services"
	"fincore/internal/storage"
)

// CleanupFunc releases what an Open call acquired.
type CleanupFunc func() error

// Kind names a storage implementation.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindMongo  Kind = "mongo"
	KindMemory Kind = "memory"
)

// Kinds lists every supported storage implementation.
func Kinds() []Kind {
	return []Kind{KindSQLite, KindMongo, KindMemory}
}

func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Options is the subset of config.Config the factory reads.
type Options struct {
	Kind Kind

	SQLitePath string

	MongoURI      string
	MongoDatabase string

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// Store is an opened store and how to close it. Cleanup may be nil.
type Store struct {
	storage.Store
	Cleanup CleanupFunc
}

// Events is an opened event sink and how to close it. Cleanup may be nil.
type Events struct {
	Sink    services.EventSink
	Cleanup CleanupFunc
}

// Opener opens backends from Options.
type Opener interface {
	OpenStore(ctx context.Context, opts Options) (*Store, error)
	OpenEvents(ctx context.Context, opts Options) (*Events, error)
}

// OptionsFrom maps the application config onto factory options.
func OptionsFrom(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, errors.New("app config is nil")
	}
	kind := Kind(cfg.StorageBackend)
	if !kind.Valid() {
		return Options{}, fmt.Errorf("invalid storage backend %q: must be one of %v", cfg.StorageBackend, Kinds())
	}
	return Options{
		Kind:          kind,
		SQLitePath:    cfg.SQLiteDBPath,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		AMQPURL:       cfg.AMQPURL,
		AMQPExchange:  cfg.AMQPExchange,
		AMQPQueue:     cfg.AMQPQueue,
	}, nil
}

// Validate checks that the selected kind has what it needs to open.
func (o Options) Validate() error {
	var missing []string
	switch o.Kind {
	case KindSQLite:
		if o.SQLitePath == "" {
			missing = append(missing, "SQLITE_DB_PATH")
		}
	case KindMongo:
		if o.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
		if o.MongoDatabase == "" {
			missing = append(missing, "MONGO_DATABASE")
		}
	case KindMemory:
	default:
		return fmt.Errorf("invalid storage backend %q", o.Kind)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s backend requires %v", o.Kind, missing)
	}
	return nil
}
