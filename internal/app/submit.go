package service

import (
	"context"
	"fmt"

	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/validation"
	"github.com/okian/fedkeys/pkg/logger"
	"github.com/okian/fedkeys/pkg/metrics"
)

// SubmitResult reports what happened to one submission.
type SubmitResult struct {
	// Violations is empty when the payload was accepted.
	Violations validation.Result
	// StoredKeys counts keys newly added to the national key set.
	StoredKeys int
	// FederationKeys counts keys queued for upload to the gateway.
	FederationKeys int
}

// Submit validates a payload, derives the missing risk fields of each key and
// persists the keys. A rejected payload returns its violations together with
// an error wrapping validation.ErrInvalidPayload.
func (s *Service) Submit(ctx context.Context, payload model.SubmissionPayload) (SubmitResult, error) {
	if payload.Origin == "" {
		payload.Origin = s.defaultOrigin
	}

	violations := s.validator.Validate(payload)
	if !violations.Valid() {
		metrics.RecordSubmission(false)
		for _, v := range violations {
			metrics.RecordValidationViolation(string(v.Rule))
		}
		s.logger.Info(ctx, "submission rejected",
			logger.Int("keys", len(payload.Keys)),
			logger.Strings("violations", violations.Messages()),
		)
		return SubmitResult{Violations: violations}, violations.Err()
	}

	submittedAt := s.now()
	diagnosis := make([]model.DiagnosisKey, 0, len(payload.Keys))
	for i, k := range payload.Keys {
		fields, err := s.normalizer.Normalize(keyFields(k))
		if err != nil {
			metrics.RecordSubmission(false)
			metrics.RecordNormalizationFailure(metrics.StageSubmission)
			return SubmitResult{}, fmt.Errorf("key %d: %w", i, err)
		}
		dk := model.DiagnosisKey{
			ExposureKey:      k.Clone(),
			OriginCountry:    payload.Origin,
			VisitedCountries: append([]string(nil), payload.VisitedCountries...),
			SubmittedAt:      submittedAt,
		}
		applyFields(&dk.ExposureKey, fields)
		diagnosis = append(diagnosis, dk)
	}

	stored, err := s.store.InsertDiagnosisKeys(ctx, diagnosis)
	if err != nil {
		metrics.RecordSubmission(false)
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrStoreKeys, err)
	}

	res := SubmitResult{StoredKeys: stored}
	if payload.ConsentToFederation {
		upload := make([]model.UploadKey, len(diagnosis))
		for i := range diagnosis {
			upload[i] = model.UploadKey{DiagnosisKey: diagnosis[i], ConsentToFederation: true}
		}
		queued, err := s.store.InsertUploadKeys(ctx, upload)
		if err != nil {
			metrics.RecordSubmission(false)
			s.logger.Error(ctx, "diagnosis keys stored without federation copies",
				logger.String("origin", payload.Origin),
				logger.Int("stored", stored),
				logger.Int("federation_keys", len(upload)),
				logger.Error(err),
			)
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrStoreKeys, err)
		}
		res.FederationKeys = queued
	}

	metrics.RecordSubmission(true)
	s.logger.Debug(ctx, "submission accepted",
		logger.String("origin", payload.Origin),
		logger.Int("stored", res.StoredKeys),
		logger.Int("federation", res.FederationKeys),
	)
	return res, nil
}
