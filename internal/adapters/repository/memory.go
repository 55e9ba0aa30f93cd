package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/pkg/metrics"
)

// MemoryStore is an in-memory Store. Keys are identified by their key data;
// insertion order is kept for deterministic snapshots.
type MemoryStore struct {
	mu sync.RWMutex

	diagnosis      []model.DiagnosisKey
	diagnosisIndex map[string]struct{}

	upload      []model.UploadKey
	uploadIndex map[string]int // key ID -> position in upload

	now                   func() time.Time
	metricsUpdateInterval time.Duration

	closed   atomic.Bool
	wg       sync.WaitGroup
	stopChan chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an in-memory store and starts its metrics updater,
// which runs until ctx is done or Close is called.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		diagnosisIndex:        make(map[string]struct{}),
		uploadIndex:           make(map[string]int),
		now:                   time.Now,
		metricsUpdateInterval: 5 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Close stops the background metrics updater. Further calls fail with
// ErrClosed.
func (s *MemoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.stopChan)
	}
	s.wg.Wait()
	return nil
}

// InsertDiagnosisKeys implements Store.
func (s *MemoryStore) InsertDiagnosisKeys(ctx context.Context, keys []model.DiagnosisKey) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	for i := range keys {
		if len(keys[i].KeyData) == 0 {
			return 0, fmt.Errorf("%w: diagnosis key %d has no key data", ErrInvalidKey, i)
		}
	}
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, k := range keys {
		id := k.ID()
		if _, ok := s.diagnosisIndex[id]; ok {
			continue
		}
		c := k.Clone()
		if c.SubmittedAt.IsZero() {
			c.SubmittedAt = s.now()
		}
		s.diagnosisIndex[id] = struct{}{}
		s.diagnosis = append(s.diagnosis, c)
		inserted++
	}
	return inserted, nil
}

// InsertUploadKeys implements Store.
func (s *MemoryStore) InsertUploadKeys(ctx context.Context, keys []model.UploadKey) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	for i := range keys {
		if len(keys[i].KeyData) == 0 {
			return 0, fmt.Errorf("%w: upload key %d has no key data", ErrInvalidKey, i)
		}
	}
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, k := range keys {
		id := k.ID()
		if _, ok := s.uploadIndex[id]; ok {
			continue
		}
		c := k.Clone()
		if c.SubmittedAt.IsZero() {
			c.SubmittedAt = s.now()
		}
		s.uploadIndex[id] = len(s.upload)
		s.upload = append(s.upload, c)
		inserted++
	}
	return inserted, nil
}

// LoadCandidateUploadKeys implements Store.
func (s *MemoryStore) LoadCandidateUploadKeys(ctx context.Context) ([]model.UploadKey, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(time.Since(start)) }()

	s.mu.RLock()
	out := make([]model.UploadKey, 0, len(s.upload))
	for _, k := range s.upload {
		if k.ConsentToFederation && !k.Uploaded() {
			out = append(out, k.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// MarkBatchTag implements Store. Keys unknown to the store are ignored.
func (s *MemoryStore) MarkBatchTag(ctx context.Context, tag string, keys []model.UploadKey) (int, error) {
	if tag == "" {
		return 0, ErrEmptyBatchTag
	}
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, k := range keys {
		pos, ok := s.uploadIndex[k.ID()]
		if !ok || s.upload[pos].Uploaded() {
			continue
		}
		s.upload[pos].BatchTag = tag
		updated++
	}
	return updated, nil
}

// CountDiagnosisKeys implements Store.
func (s *MemoryStore) CountDiagnosisKeys(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.diagnosis), nil
}

// UploadKeys returns a copy of all upload keys in insertion order, including
// uploaded ones.
func (s *MemoryStore) UploadKeys() []model.UploadKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.UploadKey, len(s.upload))
	for i := range s.upload {
		out[i] = s.upload[i].Clone()
	}
	return out
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// startMetricsUpdater starts a background goroutine that updates store metrics.
func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *MemoryStore) updateMetrics() {
	s.mu.RLock()
	count := len(s.diagnosis)
	s.mu.RUnlock()
	metrics.UpdateStoredDiagnosisKeys(count)
}
