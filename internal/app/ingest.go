package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/okian/fedkeys/internal/adapters/wire"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/pkg/logger"
	"github.com/okian/fedkeys/pkg/metrics"
)

// IngestFederationBatch stores keys received from federation partners. The
// risk level of every key is re-derived from its days since onset; keys that
// lack one or are structurally invalid are dropped.
func (s *Service) IngestFederationBatch(ctx context.Context, keys []model.DiagnosisKey) (model.IngestResult, error) {
	res := model.IngestResult{Received: len(keys)}
	norm := s.normalizer.Federation()
	submittedAt := s.now()

	accepted := make([]model.DiagnosisKey, 0, len(keys))
	for _, k := range keys {
		if reason := structuralProblem(k); reason != "" {
			res.Dropped++
			s.logger.Debug(ctx, "dropping federation key",
				logger.String("key", k.ID()),
				logger.String("reason", reason),
			)
			continue
		}
		fields, err := norm.Normalize(keyFields(k.ExposureKey))
		if err != nil {
			res.Dropped++
			metrics.RecordNormalizationFailure(metrics.StageIngest)
			s.logger.Debug(ctx, "dropping federation key",
				logger.String("key", k.ID()),
				logger.Error(err),
			)
			continue
		}
		c := k.Clone()
		applyFields(&c.ExposureKey, fields)
		if c.SubmittedAt.IsZero() {
			c.SubmittedAt = submittedAt
		}
		accepted = append(accepted, c)
	}

	stored, err := s.store.InsertDiagnosisKeys(ctx, accepted)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStoreKeys, err)
	}
	res.Stored = stored
	res.Duplicates = len(accepted) - stored
	metrics.RecordIngestedKeys(res.Stored, res.Dropped)
	return res, nil
}

// IngestPayload decodes a wire batch and ingests it synchronously. A non-empty
// tag already ingested yields ErrDuplicateBatch; a failed ingestion forgets the
// tag so the partner can redeliver.
func (s *Service) IngestPayload(ctx context.Context, tag string, payload []byte) (res model.IngestResult, err error) {
	if s.deduper.SeenAndRecord(ctx, tag) {
		return res, fmt.Errorf("%w: %s", ErrDuplicateBatch, tag)
	}
	defer func() {
		if err != nil {
			s.deduper.Unrecord(ctx, tag)
		}
	}()

	keys, err := wire.NewCodec().DecodeBatch(payload)
	if err != nil {
		return res, fmt.Errorf("decode federation batch: %w", err)
	}
	return s.IngestFederationBatch(ctx, keys)
}

// EnqueueFederationBatch decodes a wire batch and hands it to the ingest
// workers. It returns the identifier logged when the batch is processed. Tags
// are tracked as in IngestPayload up to the point the batch is queued.
func (s *Service) EnqueueFederationBatch(ctx context.Context, tag string, payload []byte) (batch model.FederationBatch, err error) {
	if s.deduper.SeenAndRecord(ctx, tag) {
		return batch, fmt.Errorf("%w: %s", ErrDuplicateBatch, tag)
	}
	defer func() {
		if err != nil {
			s.deduper.Unrecord(ctx, tag)
		}
	}()

	keys, err := wire.NewCodec().DecodeBatch(payload)
	if err != nil {
		return batch, fmt.Errorf("decode federation batch: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return batch, ErrNotStarted
	}

	batch = model.FederationBatch{ID: uuid.NewString(), Tag: tag, Keys: keys, ReceivedAt: s.now()}
	if err := s.ingestQueue.Enqueue(ctx, batch); err != nil {
		return model.FederationBatch{}, fmt.Errorf("%w: %w", ErrIngestBusy, err)
	}
	s.logger.Debug(ctx, "federation batch queued",
		logger.String("batch_id", batch.ID),
		logger.String("batch_tag", tag),
		logger.Int("keys", len(keys)),
	)
	return batch, nil
}

func structuralProblem(k model.DiagnosisKey) string {
	switch {
	case len(k.KeyData) != model.KeyDataLength:
		return "key data length"
	case k.RollingPeriod < 1 || k.RollingPeriod > model.MaxRollingPeriod:
		return "rolling period"
	case k.OriginCountry == "":
		return "origin country"
	default:
		return ""
	}
}
