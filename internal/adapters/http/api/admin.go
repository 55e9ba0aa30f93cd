package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/okian/fedkeys/internal/adapters/wire"
	service "github.com/okian/fedkeys/internal/app"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/types"
)

// AdminDependencies drives uploads and ingestion.
type AdminDependencies interface {
	RunUpload(ctx context.Context) service.RunResult
	IngestPayload(ctx context.Context, tag string, payload []byte) (model.IngestResult, error)
	EnqueueFederationBatch(ctx context.Context, tag string, payload []byte) (model.FederationBatch, error)
}

// AdminHandler handles operator-triggered uploads and federation ingestion.
type AdminHandler struct {
	deps AdminDependencies
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(deps AdminDependencies) *AdminHandler {
	return &AdminHandler{deps: deps}
}

// HandleUpload handles POST /admin/upload by running one upload synchronously.
// It answers 200 for a finished run, 409 when a run is already executing and
// 500 for an aborted run.
func (h *AdminHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	res := h.deps.RunUpload(r.Context())
	resp := types.UploadRunResponse{
		State:             string(res.State),
		Batches:           res.Batches,
		Accepted:          res.Accepted,
		Conflicted:        res.Conflicted,
		Retried:           res.Retried,
		Skipped:           res.Skipped,
		MarkFailures:      res.MarkFailures,
		TransportFailures: res.TransportFailures,
		DurationMillis:    res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	switch {
	case errors.Is(res.Err, service.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, resp)
	case res.State == service.RunAborted:
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleIngest handles POST /admin/federation/ingest. The body is a wire
// batch, optionally identified by the batchTag header. By default the batch is
// queued and 202 returned; with ?mode=sync it is stored before the response.
func (h *AdminHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	const op = "api.ingest"

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	tag := r.Header.Get(BatchTagHeader)
	if r.URL.Query().Get("mode") == "sync" {
		res, err := h.deps.IngestPayload(r.Context(), tag, body)
		if err != nil {
			h.writeIngestError(w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, types.IngestResponse{Status: "ingested", IngestResult: res})
		return
	}

	batch, err := h.deps.EnqueueFederationBatch(r.Context(), tag, body)
	if err != nil {
		h.writeIngestError(w, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.IngestResponse{
		Status:       "queued",
		BatchID:      batch.ID,
		ReceivedAt:   batch.ReceivedAt,
		IngestResult: model.IngestResult{Received: len(batch.Keys)},
	})
}

func (h *AdminHandler) writeIngestError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, wire.ErrMalformed):
		writeError(w, http.StatusBadRequest, "malformed_batch", WrapKind(op, ErrBadRequest, err))
	case errors.Is(err, service.ErrDuplicateBatch):
		writeError(w, http.StatusConflict, "duplicate_batch", err)
	case errors.Is(err, service.ErrIngestBusy):
		writeError(w, http.StatusTooManyRequests, "backpressure", WrapKind(op, ErrBackpressure, err))
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
