// Package types contains the JSON shapes exchanged over the HTTP API.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/okian/fedkeys/internal/domain/model"
)

// ErrUnknownReportType is returned for report type names outside the protocol enum.
var ErrUnknownReportType = errors.New("unknown report type")

// TemporaryExposureKey is one submitted key. KeyData is base64 in JSON.
type TemporaryExposureKey struct {
	KeyData                    []byte `json:"keyData"`
	RollingStartIntervalNumber uint32 `json:"rollingStartIntervalNumber"`
	RollingPeriod              uint32 `json:"rollingPeriod"`
	TransmissionRiskLevel      int32  `json:"transmissionRiskLevel,omitempty"`
	// ReportType is a protocol name such as CONFIRMED_TEST. Empty means
	// CONFIRMED_TEST.
	ReportType               string `json:"reportType,omitempty"`
	DaysSinceOnsetOfSymptoms *int32 `json:"daysSinceOnsetOfSymptoms,omitempty"`
}

// SubmissionRequest is the body of a diagnosis key submission.
type SubmissionRequest struct {
	Keys                []TemporaryExposureKey `json:"keys"`
	Origin              string                 `json:"origin,omitempty"`
	VisitedCountries    []string               `json:"visitedCountries,omitempty"`
	ConsentToFederation bool                   `json:"consentToFederation"`
}

// Payload converts the request into the domain payload.
func (r SubmissionRequest) Payload() (model.SubmissionPayload, error) {
	keys := make([]model.ExposureKey, len(r.Keys))
	for i, k := range r.Keys {
		rt := model.ReportTypeConfirmedTest
		if k.ReportType != "" {
			var ok bool
			if rt, ok = model.ParseReportType(k.ReportType); !ok {
				return model.SubmissionPayload{}, fmt.Errorf("key %d: %w: %q", i, ErrUnknownReportType, k.ReportType)
			}
		}
		keys[i] = model.ExposureKey{
			KeyData:                    k.KeyData,
			RollingStartIntervalNumber: k.RollingStartIntervalNumber,
			RollingPeriod:              k.RollingPeriod,
			TransmissionRiskLevel:      k.TransmissionRiskLevel,
			ReportType:                 rt,
			DaysSinceOnsetOfSymptoms:   k.DaysSinceOnsetOfSymptoms,
		}
	}
	return model.SubmissionPayload{
		Origin:              r.Origin,
		VisitedCountries:    r.VisitedCountries,
		Keys:                keys,
		ConsentToFederation: r.ConsentToFederation,
	}, nil
}

// SubmissionResponse acknowledges an accepted submission.
type SubmissionResponse struct {
	StoredKeys     int `json:"storedKeys"`
	FederationKeys int `json:"federationKeys"`
}

// UploadRunResponse summarizes an upload run.
type UploadRunResponse struct {
	State             string `json:"state"`
	Batches           int    `json:"batches"`
	Accepted          int    `json:"accepted"`
	Conflicted        int    `json:"conflicted"`
	Retried           int    `json:"retried"`
	Skipped           int    `json:"skipped"`
	MarkFailures      int    `json:"markFailures"`
	TransportFailures int    `json:"transportFailures"`
	DurationMillis    int64  `json:"durationMillis"`
	Error             string `json:"error,omitempty"`
}

// IngestResponse reports a federation batch that was ingested or queued.
type IngestResponse struct {
	Status     string    `json:"status"`
	BatchID    string    `json:"batchId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitzero"`
	model.IngestResult
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	model.ServiceStats
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}
