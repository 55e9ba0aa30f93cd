package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	service "github.com/okian/fedkeys/internal/app"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/normalization"
	"github.com/okian/fedkeys/internal/domain/types"
	"github.com/okian/fedkeys/internal/domain/validation"
)

// Submitter accepts diagnosis key submissions.
type Submitter interface {
	Submit(ctx context.Context, payload model.SubmissionPayload) (service.SubmitResult, error)
}

// SubmissionHandler handles key submissions.
type SubmissionHandler struct {
	deps Submitter
}

// NewSubmissionHandler creates a new submission handler.
func NewSubmissionHandler(deps Submitter) *SubmissionHandler {
	return &SubmissionHandler{deps: deps}
}

// HandleSubmit handles POST /version/v1/diagnosis-keys. A rejected payload
// answers 400 with every violation message in rule order.
func (h *SubmissionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit"

	var req types.SubmissionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	payload, err := req.Payload()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	res, err := h.deps.Submit(r.Context(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, types.SubmissionResponse{
			StoredKeys:     res.StoredKeys,
			FederationKeys: res.FederationKeys,
		})
	case errors.Is(err, validation.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload",
			NewKind(op, validation.ErrInvalidPayload), res.Violations.Messages()...)
	case errors.Is(err, normalization.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_risk_fields", WrapKind(op, ErrBadRequest, err))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
