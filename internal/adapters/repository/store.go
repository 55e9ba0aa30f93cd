// Package repository defines the key store interface and its in-memory and
// PostgreSQL implementations.
package repository

import (
	"context"

	"github.com/okian/fedkeys/internal/domain/model"
)

// Store persists diagnosis keys for national distribution and upload keys for
// the federation gateway.
type Store interface {
	// InsertDiagnosisKeys stores keys. Keys whose key data is already stored
	// are skipped. Returns the number of keys inserted.
	InsertDiagnosisKeys(ctx context.Context, keys []model.DiagnosisKey) (int, error)

	// InsertUploadKeys stores keys eligible for federation upload. Keys whose
	// key data is already stored are skipped. Returns the number inserted.
	InsertUploadKeys(ctx context.Context, keys []model.UploadKey) (int, error)

	// LoadCandidateUploadKeys returns a snapshot of upload keys with consent
	// and no batch tag, oldest first.
	LoadCandidateUploadKeys(ctx context.Context) ([]model.UploadKey, error)

	// MarkBatchTag sets tag on every given key that has no batch tag yet. The
	// update is applied atomically. Returns the number of keys updated.
	MarkBatchTag(ctx context.Context, tag string, keys []model.UploadKey) (int, error)

	// CountDiagnosisKeys returns the number of stored diagnosis keys.
	CountDiagnosisKeys(ctx context.Context) (int, error)
}
