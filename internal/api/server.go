// Package api implements the HTTP surface: the public submission/read
// endpoints, the internal worker-facing evaluate/* endpoints, and the
// admin prompt-creation endpoint.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threetau/kibotos/internal/admission"
	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/kiblog"
	"github.com/threetau/kibotos/internal/objectstore"
	"github.com/threetau/kibotos/internal/store"
)

// requestIDHeader carries the per-request id on every response, generated
// fresh unless the caller already supplied one.
const requestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// requestID returns the id instrument attached to ctx, or "" outside a
// request (e.g. in tests that call a handler directly).
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

const (
	promptCacheSize = 256
	buildVersion    = "dev"
)

// Presigner mints presigned upload URLs; satisfied by *objectstore.Client,
// narrowed here so tests can supply a fake.
type Presigner interface {
	PresignUpload(ctx context.Context, filename, contentType string) (*objectstore.PresignedUpload, error)
}

// Server wires the Store, Admission service, and object-store presigner
// behind gorilla/mux routes, with a small LRU cache in front of prompt
// lookups since reads hit these far more often than prompts change.
type Server struct {
	store      store.Store
	admission  *admission.Service
	objects    Presigner
	adminToken string
	log        *slog.Logger

	promptCache *lru.Cache[string, domain.Prompt]
	router      *mux.Router

	metrics metrics
}

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// newMetrics uses a private registry per Server rather than the global
// default, so constructing more than one Server (as tests do) never panics
// on a duplicate metric registration.
func newMetrics() metrics {
	m := metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kibotos_api_requests_total",
			Help: "Total HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kibotos_api_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(m.requests, m.latency)
	return m
}

// New builds a Server and registers its full set of routes.
func New(st store.Store, objects Presigner, adminToken string) *Server {
	cache, err := lru.New[string, domain.Prompt](promptCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which promptCacheSize
		// never is.
		panic(err)
	}
	s := &Server{
		store:       st,
		admission:   admission.New(st),
		objects:     objects,
		adminToken:  adminToken,
		log:         kiblog.With("api"),
		promptCache: cache,
		metrics:     newMetrics(),
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// ServeHTTP stamps the request id before routing, so routes outside
// instrument (/metrics, unmatched paths) carry it too.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(requestIDHeader) == "" {
		r.Header.Set(requestIDHeader, uuid.NewString())
	}
	w.Header().Set(requestIDHeader, r.Header.Get(requestIDHeader))
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.instrument("health", s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/v1/status", s.instrument("status", s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/v1/cycles/status", s.instrument("cycles_status", s.handleCycleStatus)).Methods(http.MethodGet)

	r.HandleFunc("/v1/prompts", s.instrument("prompts_list", s.handleListPrompts)).Methods(http.MethodGet)
	r.HandleFunc("/v1/prompts/categories", s.instrument("prompts_categories", s.handlePromptCategories)).Methods(http.MethodGet)
	r.HandleFunc("/v1/prompts/{id}", s.instrument("prompts_get", s.handleGetPrompt)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/prompts", s.instrument("prompts_create", s.handleCreatePrompt)).Methods(http.MethodPost)

	r.HandleFunc("/v1/upload/presign", s.instrument("upload_presign", s.handlePresignUpload)).Methods(http.MethodPost)
	r.HandleFunc("/v1/submissions", s.instrument("submissions_create", s.handleCreateSubmission)).Methods(http.MethodPost)
	r.HandleFunc("/v1/submissions/{uuid}", s.instrument("submissions_get", s.handleGetSubmission)).Methods(http.MethodGet)

	r.HandleFunc("/v1/evaluate/fetch", s.instrument("evaluate_fetch", s.handleEvaluateFetch)).Methods(http.MethodPost)
	r.HandleFunc("/v1/evaluate/submit", s.instrument("evaluate_submit", s.handleEvaluateSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/v1/evaluate/renew", s.instrument("evaluate_renew", s.handleEvaluateRenew)).Methods(http.MethodPost)

	r.HandleFunc("/v1/scores/latest", s.instrument("scores_latest", s.handleScoresLatest)).Methods(http.MethodGet)
	r.HandleFunc("/v1/scores/{cycle_id}", s.instrument("scores_for_cycle", s.handleScoresForCycle)).Methods(http.MethodGet)
	r.HandleFunc("/v1/weights/latest", s.instrument("weights_latest", s.handleWeightsLatest)).Methods(http.MethodGet)
	r.HandleFunc("/v1/weights/{cycle_id}", s.instrument("weights_for_cycle", s.handleWeightsForCycle)).Methods(http.MethodGet)
}

// instrument wraps a handler with the request counter/latency histogram,
// reading the status code back off a small response-writer shim.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.requests.WithLabelValues(route, statusClass(rec.status)).Inc()
		s.metrics.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
