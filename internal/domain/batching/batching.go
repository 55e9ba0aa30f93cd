// Package batching partitions keys eligible for federation upload into
// size-bounded, wire-ready batches.
package batching

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/okian/fedkeys/internal/domain/model"
)

// Default batch size limits.
const (
	DefaultMinBatchKeyCount = 140
	DefaultMaxBatchKeyCount = 4000
)

// Encoder serializes a group of keys into the opaque wire format posted to the
// federation gateway.
type Encoder interface {
	EncodeBatch(keys []model.DiagnosisKey) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(keys []model.DiagnosisKey) ([]byte, error)

// EncodeBatch calls f.
func (f EncoderFunc) EncodeBatch(keys []model.DiagnosisKey) ([]byte, error) { return f(keys) }

// Assembler builds upload batches. It keeps no state between calls.
type Assembler struct {
	encoder  Encoder
	minCount int
	maxCount int
	newTag   func() string
}

// Option applies a configuration option to the Assembler.
type Option func(*Assembler)

// WithMinBatchKeyCount sets the minimum number of eligible keys below which no
// batch is produced.
func WithMinBatchKeyCount(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.minCount = n
		}
	}
}

// WithMaxBatchKeyCount sets the maximum number of keys per batch.
func WithMaxBatchKeyCount(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxCount = n
		}
	}
}

// WithTagGenerator overrides how batch tags are generated.
func WithTagGenerator(gen func() string) Option {
	return func(a *Assembler) {
		if gen != nil {
			a.newTag = gen
		}
	}
}

// NewAssembler creates an Assembler that serializes batches with encoder.
func NewAssembler(encoder Encoder, opts ...Option) (*Assembler, error) {
	if encoder == nil {
		return nil, ErrNilEncoder
	}
	a := &Assembler{
		encoder:  encoder,
		minCount: DefaultMinBatchKeyCount,
		maxCount: DefaultMaxBatchKeyCount,
		newTag:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.minCount > a.maxCount {
		return nil, fmt.Errorf("%w: min %d > max %d", ErrInvalidLimits, a.minCount, a.maxCount)
	}
	return a, nil
}

// MinBatchKeyCount returns the configured minimum.
func (a *Assembler) MinBatchKeyCount() int { return a.minCount }

// MaxBatchKeyCount returns the configured maximum.
func (a *Assembler) MaxBatchKeyCount() int { return a.maxCount }

// Assemble filters keys down to those with consent and no batch tag, partitions
// them and encodes each chunk in canonical order. It returns no batches when
// fewer than the minimum number of keys remain.
func (a *Assembler) Assemble(keys []model.UploadKey) ([]model.UploadBatch, error) {
	chunks := Partition(Eligible(keys), a.minCount, a.maxCount)
	if len(chunks) == 0 {
		return nil, nil
	}
	batches := make([]model.UploadBatch, 0, len(chunks))
	for i, chunk := range chunks {
		canonical := model.CanonicalOrder(chunk)
		wire := make([]model.DiagnosisKey, len(canonical))
		for j := range canonical {
			wire[j] = canonical[j].DiagnosisKey
		}
		payload, err := a.encoder.EncodeBatch(wire)
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d: %w", ErrEncode, i, err)
		}
		batches = append(batches, model.NewUploadBatch(a.newTag(), payload, chunk))
	}
	return batches, nil
}

// Eligible returns the keys that may be uploaded: consent given and not yet
// part of an accepted batch. Input order is kept.
func Eligible(keys []model.UploadKey) []model.UploadKey {
	out := make([]model.UploadKey, 0, len(keys))
	for _, k := range keys {
		if k.ConsentToFederation && !k.Uploaded() {
			out = append(out, k)
		}
	}
	return out
}

// Partition splits keys into consecutive chunks of at most maxCount keys. It
// returns nil when len(keys) < minCount or maxCount < 1. The number of chunks
// is ceil(len(keys)/maxCount) and their concatenation equals keys.
func Partition(keys []model.UploadKey, minCount, maxCount int) [][]model.UploadKey {
	if len(keys) == 0 || len(keys) < minCount || maxCount < 1 {
		return nil
	}
	chunks := make([][]model.UploadKey, 0, (len(keys)+maxCount-1)/maxCount)
	for start := 0; start < len(keys); start += maxCount {
		end := min(start+maxCount, len(keys))
		chunks = append(chunks, keys[start:end:end])
	}
	return chunks
}
