package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/fedkeys/internal/adapters/http/api"
	"github.com/okian/fedkeys/internal/adapters/wire"
	service "github.com/okian/fedkeys/internal/app"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/types"
	"github.com/okian/fedkeys/internal/domain/validation"
	"github.com/okian/fedkeys/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type mockDeps struct {
	ingestTag  string
	submitted  []model.SubmissionPayload
	submitRes  service.SubmitResult
	submitErr  error
	runRes     service.RunResult
	ingestRes  model.IngestResult
	ingestErr  error
	queued     model.FederationBatch
	enqueueErr error
	stats      model.ServiceStats
	statsErr   error
}

func (m *mockDeps) Submit(_ context.Context, p model.SubmissionPayload) (service.SubmitResult, error) {
	m.submitted = append(m.submitted, p)
	return m.submitRes, m.submitErr
}

func (m *mockDeps) RunUpload(context.Context) service.RunResult { return m.runRes }

func (m *mockDeps) IngestPayload(_ context.Context, tag string, _ []byte) (model.IngestResult, error) {
	m.ingestTag = tag
	return m.ingestRes, m.ingestErr
}

func (m *mockDeps) EnqueueFederationBatch(_ context.Context, tag string, _ []byte) (model.FederationBatch, error) {
	m.ingestTag = tag
	return m.queued, m.enqueueErr
}

func (m *mockDeps) Stats(context.Context) (model.ServiceStats, error) {
	return m.stats, m.statsErr
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func decodeError(w *httptest.ResponseRecorder) types.ErrorResponse {
	var resp types.ErrorResponse
	So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
	return resp
}

const submissionBody = `{"keys":[{"keyData":"AAECAwQFBgcICQoLDA0ODw==","rollingStartIntervalNumber":2650032,"rollingPeriod":144,"transmissionRiskLevel":6}],"consentToFederation":true}`

func TestSubmissionRoute(t *testing.T) {
	Convey("Given the API router", t, func() {
		deps := &mockDeps{}
		router := api.NewServer(deps, api.WithLogger(logger.Nop())).Router()

		Convey("When a valid submission is posted", func() {
			deps.submitRes = service.SubmitResult{StoredKeys: 1, FederationKeys: 1}
			w := serve(router, http.MethodPost, api.SubmissionPath, submissionBody)

			Convey("Then it should be accepted", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var resp types.SubmissionResponse
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.StoredKeys, ShouldEqual, 1)
				So(deps.submitted, ShouldHaveLength, 1)
				So(deps.submitted[0].Keys[0].KeyData, ShouldHaveLength, 16)
				So(deps.submitted[0].ConsentToFederation, ShouldBeTrue)
			})
		})

		Convey("When the payload violates rules", func() {
			violations := validation.Result{
				{Rule: validation.RuleKeyCount, Message: "Number of keys must be between 1 and 14, but is 0."},
				{Rule: validation.RuleOriginCountry, Message: "Origin country XX is not part of the supported countries list"},
			}
			deps.submitRes = service.SubmitResult{Violations: violations}
			deps.submitErr = violations.Err()
			w := serve(router, http.MethodPost, api.SubmissionPath, `{"keys":[]}`)

			Convey("Then every message should be returned in order", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				resp := decodeError(w)
				So(resp.Code, ShouldEqual, "invalid_payload")
				So(resp.Details, ShouldResemble, violations.Messages())
			})
		})

		Convey("When the body is not JSON", func() {
			w := serve(router, http.MethodPost, api.SubmissionPath, `{`)

			Convey("Then it should be a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeError(w).Code, ShouldEqual, "bad_request")
				So(deps.submitted, ShouldBeEmpty)
			})
		})

		Convey("When a report type is unknown", func() {
			body := strings.Replace(submissionBody, `"transmissionRiskLevel":6`, `"reportType":"GUESS"`, 1)
			w := serve(router, http.MethodPost, api.SubmissionPath, body)

			Convey("Then it should be a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(deps.submitted, ShouldBeEmpty)
			})
		})

		Convey("When storage fails", func() {
			deps.submitErr = fmt.Errorf("%w: disk full", service.ErrStoreKeys)
			w := serve(router, http.MethodPost, api.SubmissionPath, submissionBody)

			Convey("Then it should be a server error", func() {
				So(w.Code, ShouldEqual, http.StatusInternalServerError)
			})
		})

		Convey("When the route is called with GET", func() {
			w := serve(router, http.MethodGet, api.SubmissionPath, "")

			Convey("Then the method should not be allowed", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})
	})
}

func TestAdminRoutes(t *testing.T) {
	Convey("Given the API router", t, func() {
		deps := &mockDeps{}
		router := api.NewServer(deps, api.WithLogger(logger.Nop())).Router()

		Convey("When an upload run finishes", func() {
			deps.runRes = service.RunResult{State: service.RunDone, Batches: 2, Accepted: 3, Retried: 1, Duration: 1500 * time.Millisecond}
			w := serve(router, http.MethodPost, api.UploadPath, "")

			Convey("Then its summary should be returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var resp types.UploadRunResponse
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.State, ShouldEqual, "done")
				So(resp.Batches, ShouldEqual, 2)
				So(resp.Retried, ShouldEqual, 1)
				So(resp.DurationMillis, ShouldEqual, 1500)
				So(resp.Error, ShouldBeEmpty)
			})
		})

		Convey("When an upload run aborts", func() {
			deps.runRes = service.RunResult{State: service.RunAborted, Err: fmt.Errorf("%w: timeout", service.ErrLoadKeys)}
			w := serve(router, http.MethodPost, api.UploadPath, "")

			Convey("Then it should be a server error carrying the reason", func() {
				So(w.Code, ShouldEqual, http.StatusInternalServerError)
				So(w.Body.String(), ShouldContainSubstring, "load upload keys")
			})
		})

		Convey("When an upload run is already executing", func() {
			deps.runRes = service.RunResult{State: service.RunAborted, Err: service.ErrRunInProgress}
			w := serve(router, http.MethodPost, api.UploadPath, "")

			Convey("Then it should conflict", func() {
				So(w.Code, ShouldEqual, http.StatusConflict)
			})
		})

		Convey("When a batch is ingested synchronously", func() {
			deps.ingestRes = model.IngestResult{Received: 3, Stored: 2, Dropped: 1}
			w := serve(router, http.MethodPost, api.IngestPath+"?mode=sync", "\x0a\x00")

			Convey("Then the ingest result should be returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var resp types.IngestResponse
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.Status, ShouldEqual, "ingested")
				So(resp.Stored, ShouldEqual, 2)
			})
		})

		Convey("When a batch is queued", func() {
			deps.queued = model.FederationBatch{ID: "b-1", Keys: make([]model.DiagnosisKey, 4), ReceivedAt: time.Now()}
			w := serve(router, http.MethodPost, api.IngestPath, "\x0a\x00")

			Convey("Then it should be accepted for processing", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				var resp types.IngestResponse
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.BatchID, ShouldEqual, "b-1")
				So(resp.Received, ShouldEqual, 4)
			})
		})

		Convey("When a tagged batch is queued", func() {
			req := httptest.NewRequest(http.MethodPost, api.IngestPath, strings.NewReader("\x0a\x00"))
			req.Header.Set(api.BatchTagHeader, "FR-42")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Convey("Then the tag should reach the service", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(deps.ingestTag, ShouldEqual, "FR-42")
			})
		})

		Convey("When the batch was already ingested", func() {
			deps.ingestErr = fmt.Errorf("%w: FR-42", service.ErrDuplicateBatch)
			w := serve(router, http.MethodPost, api.IngestPath+"?mode=sync", "\x0a\x00")

			Convey("Then it should conflict", func() {
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(decodeError(w).Code, ShouldEqual, "duplicate_batch")
			})
		})

		Convey("When the batch is malformed", func() {
			deps.enqueueErr = fmt.Errorf("decode: %w", wire.ErrMalformed)
			w := serve(router, http.MethodPost, api.IngestPath, "\xff")

			Convey("Then it should be a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeError(w).Code, ShouldEqual, "malformed_batch")
			})
		})

		Convey("When the ingest queue is full", func() {
			deps.enqueueErr = fmt.Errorf("%w: queue full", service.ErrIngestBusy)
			w := serve(router, http.MethodPost, api.IngestPath, "\x0a\x00")

			Convey("Then the client should back off", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			})
		})

		Convey("When the service is not started", func() {
			deps.enqueueErr = service.ErrNotStarted
			w := serve(router, http.MethodPost, api.IngestPath, "\x0a\x00")

			Convey("Then it should be unavailable", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			})
		})
	})
}

func TestMonitoringRoutes(t *testing.T) {
	Convey("Given the API router", t, func() {
		deps := &mockDeps{stats: model.ServiceStats{Started: true, StoredKeys: 7}}
		router := api.NewServer(deps, api.WithLogger(logger.Nop())).Router()

		Convey("When health is requested", func() {
			w := serve(router, http.MethodGet, api.HealthPath, "")

			Convey("Then the stats should be reported", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var resp types.HealthResponse
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.Status, ShouldEqual, "ok")
				So(resp.StoredKeys, ShouldEqual, 7)
			})
		})

		Convey("When the store is down", func() {
			deps.statsErr = errors.New("connection refused")
			w := serve(router, http.MethodGet, api.HealthPath, "")

			Convey("Then health should fail", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			})
		})

		Convey("When metrics are requested after a request", func() {
			_ = serve(router, http.MethodGet, api.HealthPath, "")
			w := serve(router, http.MethodGet, api.MetricsPath, "")

			Convey("Then the HTTP metrics should be exposed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, "fedkeys_server_http_requests_total")
			})
		})

		Convey("When the OpenAPI document is requested", func() {
			w := serve(router, http.MethodGet, "/openapi.yaml", "")

			Convey("Then it should be served", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When an unknown route is requested", func() {
			w := serve(router, http.MethodGet, "/unknown", "")

			Convey("Then it should not be found", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}

func TestKindErrors(t *testing.T) {
	Convey("Given kind errors", t, func() {
		cause := errors.New("eof")
		err := api.WrapKind("api.test", api.ErrBadRequest, cause)

		Convey("Then both kind and cause should match", func() {
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.test: bad request: eof")
			So(api.NewKind("api.test", api.ErrBackpressure).Error(), ShouldEqual, "api.test: backpressure")
		})
	})
}

func TestSplitRouters(t *testing.T) {
	Convey("Given separate public and admin routers", t, func() {
		deps := &mockDeps{stats: model.ServiceStats{Started: true}}
		server := api.NewServer(deps, api.WithLogger(logger.Nop()))
		public, admin := server.PublicRouter(), server.AdminRouter()

		Convey("When admin routes are requested on the public router", func() {
			upload := serve(public, http.MethodPost, api.UploadPath, "")
			ingest := serve(public, http.MethodPost, api.IngestPath, "")

			Convey("Then they should not exist", func() {
				So(upload.Code, ShouldEqual, http.StatusNotFound)
				So(ingest.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When a submission is sent to the admin router", func() {
			w := serve(admin, http.MethodPost, api.SubmissionPath, "{}")

			Convey("Then it should not exist", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When health is requested on either router", func() {
			Convey("Then both should answer", func() {
				So(serve(public, http.MethodGet, api.HealthPath, "").Code, ShouldEqual, http.StatusOK)
				So(serve(admin, http.MethodGet, api.HealthPath, "").Code, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When the API docs are requested", func() {
			Convey("Then only the public router should serve them", func() {
				So(serve(public, http.MethodGet, "/openapi.yaml", "").Code, ShouldEqual, http.StatusOK)
				So(serve(admin, http.MethodGet, "/openapi.yaml", "").Code, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}
