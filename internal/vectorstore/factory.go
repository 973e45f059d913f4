package vectorstore

import (
	"context"
	"database/sql"
	"fmt"

	"content-orchestrator/internal/common/config"
	"content-orchestrator/internal/common/logger"

	"github.com/elastic/go-elasticsearch/v8"
)

// Clients carries the connections a provider may need. Only the one matching
// the configured provider has to be set.
type Clients struct {
	Postgres      *sql.DB
	Elasticsearch *elasticsearch.Client
}

// New builds the Store selected by cfg.Provider. Schema and index creation
// run here when cfg.AutoMigrate is set, so a misconfigured backend fails at
// startup rather than on the first request.
func New(ctx context.Context, cfg config.VectorConfig, dimension int, clients Clients, log logger.Logger) (Store, error) {
	retry := RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff}
	if retry.Backoff <= 0 {
		retry.Backoff = DefaultRetryPolicy.Backoff
	}

	switch cfg.Provider {
	case config.ProviderMemory, "":
		return NewMemoryStore(dimension, log), nil

	case config.ProviderRelational:
		store, err := NewPGVectorStore(clients.Postgres, PGVectorOptions{
			Table:     cfg.Table,
			Dimension: dimension,
			Retry:     retry,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate vector schema: %w", err)
			}
		}
		return store, nil

	case config.ProviderManagedIndex:
		store, err := NewElasticStore(clients.Elasticsearch, ElasticOptions{
			Index:     cfg.Index,
			Dimension: dimension,
			Retry:     retry,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := store.EnsureIndex(ctx); err != nil {
				return nil, fmt.Errorf("ensure vector index: %w", err)
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Provider)
	}
}
