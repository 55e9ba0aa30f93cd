package service

import "errors"

var (
	// ErrLoadKeys aborts an upload run when candidate keys cannot be read.
	ErrLoadKeys = errors.New("load upload keys")
	// ErrMarkBatch is logged when uploaded keys could not be tagged. The run
	// continues and the keys are retried by a later run.
	ErrMarkBatch = errors.New("mark uploaded keys")
	// ErrAssemble aborts an upload run when batches cannot be built.
	ErrAssemble = errors.New("assemble upload batches")
	// ErrNoFederationClient aborts an upload run when no gateway is configured.
	ErrNoFederationClient = errors.New("no federation client configured")
	// ErrRunInProgress is returned when an upload run is already executing.
	ErrRunInProgress = errors.New("upload run already in progress")
	// ErrStoreKeys is returned when accepted keys could not be persisted. When
	// the federation copies fail after the diagnosis keys were stored, the
	// diagnosis keys are kept and the partial write is logged as an error.
	ErrStoreKeys = errors.New("store keys")
	// ErrNotStarted is returned by asynchronous operations before Start.
	ErrNotStarted = errors.New("service not started")
	// ErrDuplicateBatch is returned for a federation batch tag that was
	// already ingested.
	ErrDuplicateBatch = errors.New("federation batch already ingested")
	// ErrIngestBusy is returned when the ingest queue rejects a batch.
	ErrIngestBusy = errors.New("ingest queue unavailable")
)
