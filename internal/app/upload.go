package service

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/pkg/logger"
	"github.com/okian/fedkeys/pkg/metrics"
)

// RunState is the terminal state of an upload run.
type RunState string

const (
	RunDone    RunState = "done"
	RunAborted RunState = "aborted"
)

// RunResult summarizes one upload run. Key counts are per key, batch counts
// per posted batch.
type RunResult struct {
	State    RunState `json:"state"`
	Batches  int      `json:"batches"`
	Accepted int      `json:"accepted"`
	// Conflicted keys were already known to the gateway and are marked.
	Conflicted int `json:"conflicted"`
	// Retried keys stay pending for the next run.
	Retried int `json:"retried"`
	// Skipped keys failed normalization and stay pending.
	Skipped int `json:"skipped"`

	MarkFailures      int           `json:"markFailures"`
	TransportFailures int           `json:"transportFailures"`
	Duration          time.Duration `json:"duration"`
	Err               error         `json:"-"`
}

// RunUpload uploads every pending consenting key to the federation gateway.
//
// Keys are loaded, normalized, assembled into batches and posted one batch at
// a time. After each response the keys the gateway accepted or already knew
// are tagged with the batch tag; keys reported as transient failures stay
// pending. A failed post leaves the whole batch pending. The run aborts when
// the keys cannot be loaded or batched, or when ctx is cancelled between
// batches; batches completed before that stay tagged.
func (s *Service) RunUpload(ctx context.Context) RunResult {
	if !s.runMu.TryLock() {
		return RunResult{State: RunAborted, Err: ErrRunInProgress}
	}
	defer s.runMu.Unlock()

	start := time.Now()
	res := s.runUpload(ctx)
	res.Duration = time.Since(start)
	metrics.RecordUploadRun(string(res.State), res.Duration)

	fields := []logger.Field{
		logger.String("state", string(res.State)),
		logger.Int("batches", res.Batches),
		logger.Int("accepted", res.Accepted),
		logger.Int("conflicted", res.Conflicted),
		logger.Int("retried", res.Retried),
		logger.Int("skipped", res.Skipped),
		logger.Int("mark_failures", res.MarkFailures),
		logger.Int("transport_failures", res.TransportFailures),
		logger.Duration("duration", res.Duration),
	}
	if res.State == RunAborted {
		s.logger.Error(ctx, "upload run aborted", append(fields, logger.Error(res.Err))...)
	} else {
		s.logger.Info(ctx, "upload run finished", fields...)
	}
	return res
}

func (s *Service) runUpload(ctx context.Context) RunResult {
	var res RunResult
	if s.federation == nil {
		res.State, res.Err = RunAborted, ErrNoFederationClient
		return res
	}

	keys, err := s.store.LoadCandidateUploadKeys(ctx)
	if err != nil {
		res.State, res.Err = RunAborted, fmt.Errorf("%w: %w", ErrLoadKeys, err)
		return res
	}

	normalized := make([]model.UploadKey, 0, len(keys))
	for _, k := range keys {
		fields, err := s.normalizer.Normalize(keyFields(k.ExposureKey))
		if err != nil {
			res.Skipped++
			metrics.RecordNormalizationFailure(metrics.StageUpload)
			s.logger.Warn(ctx, "skipping key that cannot be normalized",
				logger.String("key", k.ID()),
				logger.Error(err),
			)
			continue
		}
		applyFields(&k.ExposureKey, fields)
		normalized = append(normalized, k)
	}
	metrics.RecordUploadKeys(metrics.OutcomeSkipped, res.Skipped)
	metrics.UpdatePendingUploadKeys(len(normalized))

	batches, err := s.assembler.Assemble(normalized)
	if err != nil {
		res.State, res.Err = RunAborted, fmt.Errorf("%w: %w", ErrAssemble, err)
		return res
	}
	if len(batches) == 0 {
		s.logger.Debug(ctx, "nothing to upload",
			logger.Int("pending", len(normalized)),
			logger.Int("min_batch_key_count", s.assembler.MinBatchKeyCount()),
		)
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			res.State, res.Err = RunAborted, err
			return res
		}
		s.uploadBatch(ctx, batch, &res)
	}

	res.State = RunDone
	return res
}

// uploadBatch posts one batch and reconciles the response with the store.
func (s *Service) uploadBatch(ctx context.Context, batch model.UploadBatch, res *RunResult) {
	res.Batches++
	metrics.RecordUploadBatch()

	outcome, err := s.federation.PostBatch(ctx, batch)
	if err != nil {
		res.TransportFailures++
		res.Retried += batch.Len()
		metrics.RecordTransportFailure()
		metrics.RecordUploadKeys(metrics.OutcomeRetry, batch.Len())
		s.logger.Warn(ctx, "batch upload failed, keys stay pending",
			logger.String("batch_tag", batch.Tag()),
			logger.Int("keys", batch.Len()),
			logger.Error(err),
		)
		return
	}

	canonical := batch.Canonical()
	retry := s.indexSet(ctx, batch, "transient_failure", outcome.TransientFailure, len(canonical))
	accepted := len(s.indexSet(ctx, batch, "accepted", outcome.Accepted, len(canonical)))
	conflicted := len(s.indexSet(ctx, batch, "conflicted", outcome.Conflicted, len(canonical)))

	done := make([]model.UploadKey, 0, len(canonical))
	for i, k := range canonical {
		if !retry[i] {
			done = append(done, k)
		}
	}

	res.Accepted += accepted
	res.Conflicted += conflicted
	res.Retried += len(retry)
	metrics.RecordUploadKeys(metrics.OutcomeAccepted, accepted)
	metrics.RecordUploadKeys(metrics.OutcomeConflicted, conflicted)
	metrics.RecordUploadKeys(metrics.OutcomeRetry, len(retry))

	marked := s.markUploaded(ctx, batch.Tag(), done, res)

	s.logger.Info(ctx, "batch uploaded",
		logger.String("batch_tag", batch.Tag()),
		logger.Int("keys", batch.Len()),
		logger.Int("accepted", accepted),
		logger.Int("conflicted", conflicted),
		logger.Int("retry", len(retry)),
		logger.Int("marked", marked),
	)
}

// markUploaded tags keys with the batch tag. A failure is logged and counted;
// the keys stay pending and are sent again by a later run. The gateway has
// already stored the batch, so the update ignores cancellation of ctx.
func (s *Service) markUploaded(ctx context.Context, tag string, keys []model.UploadKey, res *RunResult) int {
	if len(keys) == 0 {
		return 0
	}
	marked, err := s.store.MarkBatchTag(context.WithoutCancel(ctx), tag, keys)
	if err != nil {
		res.MarkFailures++
		metrics.RecordMarkFailure()
		s.logger.Error(ctx, "failed to mark uploaded keys",
			logger.String("batch_tag", tag),
			logger.Int("keys", len(keys)),
			logger.Error(fmt.Errorf("%w: %w", ErrMarkBatch, err)),
		)
		return 0
	}
	return marked
}

// indexSet converts gateway indices into a set, ignoring indices outside the
// batch.
func (s *Service) indexSet(ctx context.Context, batch model.UploadBatch, kind string, idx []int, n int) map[int]bool {
	set := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= n {
			s.logger.Warn(ctx, "ignoring out of range index in gateway response",
				logger.String("batch_tag", batch.Tag()),
				logger.String("set", kind),
				logger.Int("index", i),
				logger.Int("keys", n),
			)
			continue
		}
		set[i] = true
	}
	return set
}
