// Package server exposes the incident engine over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-incident/internal/governance"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/engine"
	"github.com/polisai/polis-incident/pkg/telemetry"
)

// Rate limited route names, as used in the server.rate_limits config section.
const (
	RouteIncident = "incident"
	RouteCritical = "critical"
	RouteWarning  = "warning"
)

// DefaultMaxUploadBytes caps request bodies. Buffers above the integrity limit but
// below this cap still reach the engine so the violation is reported and recorded.
const DefaultMaxUploadBytes = 8 << 20

// Options configures a Server.
type Options struct {
	Logger  *slog.Logger
	Service *engine.Service
	// Metrics is optional; without it /metrics is not served.
	Metrics        *telemetry.Metrics
	RateLimiter    *governance.RateLimiter
	MaxUploadBytes int64
}

// Server routes HTTP requests to the engine.
type Server struct {
	logger    *slog.Logger
	service   *engine.Service
	metrics   *telemetry.Metrics
	limiter   *governance.RateLimiter
	maxUpload int64
	handler   http.Handler
}

// New builds the route table.
func New(opts Options) *Server {
	if opts.Service == nil {
		panic("server: engine service is required")
	}
	s := &Server{
		logger:    opts.Logger,
		service:   opts.Service,
		metrics:   opts.Metrics,
		limiter:   opts.RateLimiter,
		maxUpload: opts.MaxUploadBytes,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.limiter == nil {
		s.limiter = governance.NewRateLimiter(nil)
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}

	mux := http.NewServeMux()
	s.route(mux, "POST /api/incidents/trigger", s.limiter.Middleware(RouteIncident, http.HandlerFunc(s.handleTriggerIncident)))
	s.route(mux, "POST /api/analyze", http.HandlerFunc(s.handleAnalyze))
	s.route(mux, "POST /api/features/{id}/analyze", http.HandlerFunc(s.handleAnalyzeFeature))
	s.route(mux, "GET /api/features", http.HandlerFunc(s.handleFeatures))
	s.route(mux, "POST /api/errors/critical", s.limiter.Middleware(RouteCritical, http.HandlerFunc(s.handleCritical)))
	s.route(mux, "POST /api/warnings", s.limiter.Middleware(RouteWarning, http.HandlerFunc(s.handleWarning)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.handler = otelhttp.NewHandler(mux, "incident.http")
	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// SetRateLimits replaces the trigger route limits.
func (s *Server) SetRateLimits(cfg map[string]governance.RateLimiterConfig) {
	s.limiter.Configure(cfg)
}

// route registers h under pattern and records its status and latency.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.metrics.ObserveHTTP(r.Method, pattern, rec.status, time.Since(start))
	}))
}

type incidentRequest struct {
	Scenario string `json:"scenario"`
}

func (s *Server) handleTriggerIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid incident request: %w", err))
			return
		}
	}

	out, err := s.service.TriggerIncident(r.Context(), req.Scenario)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(baseWriter(w), r.Body, s.maxUpload)
	buf, md, err := s.readUpload(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeError(w, r, status, err)
		return
	}
	md.FeatureID = r.URL.Query().Get("feature")

	out, err := s.service.AnalyzeBuffer(r.Context(), buf, md)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// readUpload accepts a multipart form with an "image" file field or a raw body.
func (s *Server) readUpload(r *http.Request) ([]byte, engine.Metadata, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return nil, engine.Metadata{}, err
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, engine.Metadata{}, fmt.Errorf("missing image field: %w", err)
		}
		defer func() { _ = file.Close() }()
		buf, err := io.ReadAll(file)
		if err != nil {
			return nil, engine.Metadata{}, err
		}
		return buf, engine.Metadata{FileName: header.Filename, ContentType: header.Header.Get("Content-Type")}, nil
	}

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, engine.Metadata{}, err
	}
	name := r.URL.Query().Get("filename")
	if name == "" {
		name = "upload.bin"
	}
	return buf, engine.Metadata{FileName: name, ContentType: r.Header.Get("Content-Type")}, nil
}

func (s *Server) handleAnalyzeFeature(w http.ResponseWriter, r *http.Request) {
	out, err := s.service.AnalyzeFeature(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Features())
}

func (s *Server) handleCritical(w http.ResponseWriter, r *http.Request) {
	err := s.service.TriggerCritical(r.Context())
	s.writeError(w, r, statusFor(err), err)
}

func (s *Server) handleWarning(w http.ResponseWriter, r *http.Request) {
	id := s.service.TriggerWarning(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": id})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var violation *domain.BufferIntegrityViolation
	switch {
	case errors.As(err, &violation):
		if violation.Rule == domain.RuleSizeLimitExceeded {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSimulatedFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrEmptyBuffer):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownFeature), errors.Is(err, domain.ErrUnknownScenario):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := domain.NewErrorResponse(err)
	if status >= http.StatusInternalServerError && resp.Code == "INTERNAL" {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "code", resp.Code)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// baseWriter strips Unwrap wrappers so MaxBytesReader can flag the connection
// for closing once the limit trips.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	for {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return w
		}
		w = u.Unwrap()
	}
}
