// Package bootstrap builds the key store, federation client and service from
// a loaded configuration. It is shared by the server and the upload job.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/okian/fedkeys/internal/adapters/federation"
	"github.com/okian/fedkeys/internal/adapters/repository"
	service "github.com/okian/fedkeys/internal/app"
	"github.com/okian/fedkeys/internal/config"
	"github.com/okian/fedkeys/internal/domain/batching"
	"github.com/okian/fedkeys/internal/domain/dedupe"
	"github.com/okian/fedkeys/internal/domain/normalization"
	"github.com/okian/fedkeys/internal/domain/validation"
	"github.com/okian/fedkeys/pkg/logger"
)

// Runtime holds the built components. Close releases the store.
type Runtime struct {
	Service *service.Service
	Store   repository.Store

	closeStore func()
}

// Close releases resources held by the runtime.
func (r *Runtime) Close() {
	if r.closeStore != nil {
		r.closeStore()
	}
}

// Build opens the store and constructs the service. The federation client is
// only built when federation.base_url is set.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (*Runtime, error) {
	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := NewFederationClient(cfg, log)
	if err != nil {
		closeStore()
		return nil, err
	}

	svc, err := NewService(cfg, store, client, log)
	if err != nil {
		closeStore()
		return nil, err
	}
	return &Runtime{Service: svc, Store: store, closeStore: closeStore}, nil
}

// OpenStore returns the PostgreSQL store when database_url is set, otherwise
// an in-memory store.
func OpenStore(ctx context.Context, cfg *config.Config) (repository.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		mem := repository.NewMemoryStore(ctx)
		return mem, func() { _ = mem.Close() }, nil
	}
	pool, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgresStore(pool), pool.Close, nil
}

// NewFederationClient returns nil without error when no gateway is configured.
func NewFederationClient(cfg *config.Config, log logger.Logger) (service.FederationClient, error) {
	if cfg.Federation.BaseURL == "" {
		return nil, nil
	}
	client, err := federation.New(cfg.Federation.BaseURL,
		federation.WithTimeout(cfg.Federation.Timeout),
		federation.WithLogger(log.Named("federation")),
	)
	if err != nil {
		return nil, fmt.Errorf("federation client: %w", err)
	}
	return client, nil
}

// NewService applies the configured limits and tables to a new Service.
func NewService(cfg *config.Config, store repository.Store, client service.FederationClient, log logger.Logger) (*service.Service, error) {
	derivations, err := cfg.NormalizationDerivations()
	if err != nil {
		return nil, err
	}
	return service.New(store, client,
		service.WithValidator(validation.New(validation.WithConfig(cfg.ValidationConfig()))),
		service.WithNormalizer(normalization.New(normalization.WithDerivations(derivations))),
		service.WithBatchingOptions(
			batching.WithMinBatchKeyCount(cfg.Upload.MinBatchKeyCount),
			batching.WithMaxBatchKeyCount(cfg.Upload.MaxBatchKeyCount),
		),
		service.WithDefaultOrigin(cfg.DefaultOriginCountry),
		service.WithWorkerCount(cfg.Ingest.WorkerCount),
		service.WithQueueSize(cfg.Ingest.QueueSize),
		service.WithDeduper(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.Ingest.DedupeSize))),
		service.WithLogger(log.Named("service")),
	)
}
