// Package service wires the validation, normalization, batching and storage
// components into the operations served by the HTTP API and the upload job.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/fedkeys/internal/adapters/mq/queue"
	"github.com/okian/fedkeys/internal/adapters/mq/worker"
	"github.com/okian/fedkeys/internal/adapters/repository"
	"github.com/okian/fedkeys/internal/adapters/wire"
	"github.com/okian/fedkeys/internal/domain/batching"
	"github.com/okian/fedkeys/internal/domain/dedupe"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/normalization"
	"github.com/okian/fedkeys/internal/domain/validation"
	"github.com/okian/fedkeys/pkg/logger"
)

const (
	defaultWorkerCount = 2
	defaultQueueSize   = 64
)

// FederationClient posts one batch to the federation gateway.
type FederationClient interface {
	PostBatch(ctx context.Context, batch model.UploadBatch) (model.UploadOutcome, error)
}

// Service implements the submission, upload and ingestion operations.
type Service struct {
	store      repository.Store
	federation FederationClient

	validator     *validation.Validator
	normalizer    *normalization.TableNormalizer
	encoder       batching.Encoder
	assemblerOpts []batching.Option
	assembler     *batching.Assembler
	deduper       dedupe.Deduper

	defaultOrigin string
	now           func() time.Time
	logger        logger.Logger

	// Only one upload run executes at a time.
	runMu sync.Mutex

	// Asynchronous ingestion
	workerCount int
	queueSize   int

	mu            sync.RWMutex
	started       bool
	ingestQueue   *queue.InMemoryQueue
	workerPool    *worker.Pool
	cancelWorkers context.CancelFunc
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithValidator replaces the submission validator.
func WithValidator(v *validation.Validator) Option {
	return func(s *Service) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithNormalizer replaces the key normalizer.
func WithNormalizer(n *normalization.TableNormalizer) Option {
	return func(s *Service) {
		if n != nil {
			s.normalizer = n
		}
	}
}

// WithEncoder replaces the wire encoder used for upload batches.
func WithEncoder(e batching.Encoder) Option {
	return func(s *Service) {
		if e != nil {
			s.encoder = e
		}
	}
}

// WithBatchingOptions configures the batch assembler.
func WithBatchingOptions(opts ...batching.Option) Option {
	return func(s *Service) {
		s.assemblerOpts = append(s.assemblerOpts, opts...)
	}
}

// WithDeduper replaces the tracker of ingested federation batch tags.
func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) {
		if d != nil {
			s.deduper = d
		}
	}
}

// WithDefaultOrigin sets the origin country used when a submission has none.
func WithDefaultOrigin(country string) Option {
	return func(s *Service) {
		if country != "" {
			s.defaultOrigin = country
		}
	}
}

// WithClock sets the time source for submission timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWorkerCount sets the number of ingest workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the ingest queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// New constructs a Service over a key store and a federation client. The
// client may be nil when the process never uploads.
func New(store repository.Store, federation FederationClient, opts ...Option) (*Service, error) {
	s := &Service{
		store:       store,
		federation:  federation,
		validator:   validation.New(),
		normalizer:  normalization.New(),
		encoder:     wire.NewCodec(),
		deduper:     dedupe.NewInMemoryDeduper(),
		now:         time.Now,
		workerCount: defaultWorkerCount,
		queueSize:   defaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	assembler, err := batching.NewAssembler(s.encoder, s.assemblerOpts...)
	if err != nil {
		return nil, fmt.Errorf("build assembler: %w", err)
	}
	s.assembler = assembler
	return s, nil
}

// Start launches the ingest workers. It is a no-op when already started.
// The workers outlive ctx; only Stop ends them, after the queue is drained.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ingestQueue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.workerPool = worker.NewPool(s.workerCount, s.ingestQueue, s)
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelWorkers = cancel
	s.workerPool.Start(workerCtx)
	s.started = true

	s.logger.Info(ctx, "service started",
		logger.Int("ingest_workers", s.workerCount),
		logger.Int("ingest_queue_size", s.queueSize),
		logger.Int("min_batch_key_count", s.assembler.MinBatchKeyCount()),
		logger.Int("max_batch_key_count", s.assembler.MaxBatchKeyCount()),
	)
	return nil
}

// Stop closes the ingest queue and waits for the workers to drain it. Workers
// still busy when ctx or the pool timeout expires are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	defer s.cancelWorkers()
	if err := s.workerPool.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop ingest workers: %w", err)
	}
	s.logger.Info(ctx, "service stopped")
	return nil
}

// Stats returns a snapshot for the health endpoint.
func (s *Service) Stats(ctx context.Context) (model.ServiceStats, error) {
	s.mu.RLock()
	started := s.started
	var queued int
	if started {
		queued = s.ingestQueue.Len()
	}
	s.mu.RUnlock()

	stored, err := s.store.CountDiagnosisKeys(ctx)
	if err != nil {
		return model.ServiceStats{}, fmt.Errorf("count diagnosis keys: %w", err)
	}
	return model.ServiceStats{
		Started:             started,
		StoredKeys:          stored,
		QueuedIngestBatches: queued,
	}, nil
}

// keyFields extracts the normalizable fields of a key. A zero risk level is
// treated as absent.
func keyFields(k model.ExposureKey) normalization.Fields {
	var trl *int32
	if k.TransmissionRiskLevel != 0 {
		v := k.TransmissionRiskLevel
		trl = &v
	}
	return normalization.FieldsOf(trl, k.DaysSinceOnsetOfSymptoms)
}

// applyFields writes normalized fields back onto a key.
func applyFields(k *model.ExposureKey, f normalization.Fields) {
	k.TransmissionRiskLevel = *f.TransmissionRiskLevel
	dsos := *f.DaysSinceOnsetOfSymptoms
	k.DaysSinceOnsetOfSymptoms = &dsos
}
