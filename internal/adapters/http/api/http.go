// Package api serves the submission, admin and monitoring HTTP routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/okian/fedkeys/internal/adapters/http/swagger"
	service "github.com/okian/fedkeys/internal/app"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/types"
	"github.com/okian/fedkeys/pkg/logger"
	"github.com/okian/fedkeys/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route paths.
const (
	SubmissionPath = "/version/v1/diagnosis-keys"
	UploadPath     = "/admin/upload"
	IngestPath     = "/admin/federation/ingest"
	HealthPath     = "/healthz"
	MetricsPath    = "/metrics"
)

// BatchTagHeader carries the partner batch tag on ingest requests.
const BatchTagHeader = "batchTag"

const (
	defaultRequestTimeout = 30 * time.Second
	maxSubmissionBytes    = 64 << 10
	maxIngestBytes        = 4 << 20
)

// Dependencies required by HTTP handlers. *service.Service implements it.
type Dependencies interface {
	Submit(ctx context.Context, payload model.SubmissionPayload) (service.SubmitResult, error)
	RunUpload(ctx context.Context) service.RunResult
	IngestPayload(ctx context.Context, tag string, payload []byte) (model.IngestResult, error)
	EnqueueFederationBatch(ctx context.Context, tag string, payload []byte) (model.FederationBatch, error)
	Stats(ctx context.Context) (model.ServiceStats, error)
}

// Server wires HTTP routes for the API.
type Server struct {
	healthHandler     *HealthHandler
	submissionHandler *SubmissionHandler
	adminHandler      *AdminHandler
	logger            logger.Logger
	requestTimeout    time.Duration
}

// ServerOption applies a configuration option to the Server.
type ServerOption func(*Server)

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRequestTimeout bounds the time spent on one request. Upload runs are
// not bounded by it.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...ServerOption) *Server {
	s := &Server{
		healthHandler:     NewHealthHandler(deps),
		submissionHandler: NewSubmissionHandler(deps),
		adminHandler:      NewAdminHandler(deps),
		requestTimeout:    defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("http")
	}
	return s
}

// Router returns the chi router serving every route on one listener.
func (s *Server) Router() http.Handler {
	r := s.baseRouter()
	s.mountPublic(r)
	s.mountAdmin(r)
	return r
}

// PublicRouter serves key submissions, monitoring and API docs. It carries no
// admin route and is the one to expose to apps.
func (s *Server) PublicRouter() http.Handler {
	r := s.baseRouter()
	s.mountPublic(r)
	return r
}

// AdminRouter serves the upload trigger and partner ingestion next to the
// monitoring routes. It belongs on a listener reachable by operators only.
func (s *Server) AdminRouter() http.Handler {
	r := s.baseRouter()
	s.mountAdmin(r)
	return r
}

func (s *Server) baseRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))

	r.Get(HealthPath, MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	r.Method(http.MethodGet, MetricsPath, promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	return r
}

func (s *Server) mountPublic(r chi.Router) {
	swagger.Register(r)
	r.With(middleware.Timeout(s.requestTimeout)).
		Post(SubmissionPath, MetricsMiddleware(s.submissionHandler.HandleSubmit, "diagnosis_keys"))
}

func (s *Server) mountAdmin(r chi.Router) {
	r.With(middleware.Timeout(s.requestTimeout)).
		Post(IngestPath, MetricsMiddleware(s.adminHandler.HandleIngest, "federation_ingest"))
	r.Post(UploadPath, MetricsMiddleware(s.adminHandler.HandleUpload, "upload"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error, details ...string) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, types.ErrorResponse{Code: code, Message: msg, Details: details})
}
