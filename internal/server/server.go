// Package server exposes the gated endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/submitgate/internal/ai"
	"github.com/local/submitgate/internal/analytics"
	"github.com/local/submitgate/internal/apperr"
	"github.com/local/submitgate/internal/catalog"
	"github.com/local/submitgate/internal/filetype"
	"github.com/local/submitgate/internal/identity"
	"github.com/local/submitgate/internal/metrics"
	"github.com/local/submitgate/internal/pipeline"
	"github.com/local/submitgate/internal/quota"
	"github.com/local/submitgate/internal/statuscheck"
	"github.com/local/submitgate/internal/storage"
	"github.com/local/submitgate/internal/upstream"
)

// TokenHeader carries the bot verification token on JSON endpoints.
const TokenHeader = "X-Recaptcha-Token"

// Options holds the per-endpoint settings.
type Options struct {
	TextPrefix      string
	JSONPrefix      string
	UploadPrefix    string
	MaxUploadBytes  int64
	SentimentModel  string
	ImageModel      string
	SummaryModel    string
	SummaryMaxChars int
	StaticDir       string
	// ReadTimeout bounds object store calls, LoadTimeout the warehouse load.
	ReadTimeout time.Duration
	LoadTimeout time.Duration
}

// Dependencies are the collaborators the handlers use. Store, Loader,
// Catalog and Checker may be nil; their endpoints then answer 500.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Tracker  quota.Tracker
	// UploadTracker limits upload-file, which skips bot verification and
	// does not spend model quota. Nil means 5 uploads per 15 minutes in
	// process.
	UploadTracker quota.Tracker
	Identity identity.Resolver
	Model    ai.Client
	Store    storage.BlobStore
	Loader   *analytics.Loader
	Catalog  catalog.Store
	Checker  *statuscheck.Checker
	Detector *filetype.Detector

	// Guards for the non-model upstreams.
	Breaker upstream.Settings
}

// Server holds the routes.
type Server struct {
	deps Dependencies
	opts Options

	storeGuard     *upstream.Guard
	warehouseGuard *upstream.Guard
}

// New builds a server.
func New(deps Dependencies, opts Options) *Server {
	if deps.Detector == nil {
		deps.Detector = filetype.New()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.SummaryMaxChars <= 0 {
		opts.SummaryMaxChars = ai.DefaultSummaryMax
	}
	if opts.TextPrefix == "" {
		opts.TextPrefix = "uploads/text-files/"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 2 * time.Minute
	}
	if deps.UploadTracker == nil {
		deps.UploadTracker = quota.NewMemory(quota.Options{Limit: 5, Window: 15 * time.Minute})
	}
	if opts.JSONPrefix == "" {
		opts.JSONPrefix = "uploads/json/"
	}
	return &Server{
		deps:           deps,
		opts:           opts,
		storeGuard:     upstream.NewGuard("storage", deps.Breaker),
		warehouseGuard: upstream.NewGuard("bigquery", deps.Breaker),
	}
}

// Router returns the HTTP handler with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestLogger, recoverer)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sentiment", s.handleSentiment).Methods(http.MethodPost)
	api.HandleFunc("/analyze-image", s.handleAnalyzeImage).Methods(http.MethodPost)
	api.HandleFunc("/analyze-text", s.handleAnalyzeText).Methods(http.MethodPost)
	api.HandleFunc("/upload-json-bigquery", s.handleUploadJSON).Methods(http.MethodPost)
	api.HandleFunc("/upload-file", s.handleUploadFile).Methods(http.MethodPost)
	api.HandleFunc("/quota", s.handleQuota).Methods(http.MethodGet)
	api.HandleFunc("/products", s.handleProducts).Methods(http.MethodGet)
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	if s.opts.StaticDir != "" {
		r.PathPrefix("/").Handler(spaHandler(s.opts.StaticDir)).Methods(http.MethodGet, http.MethodHead)
	}
	return r
}

type successBody struct {
	Result    any `json:"result"`
	Remaining int `json:"requestsRemaining"`
}

type errorBody struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Remaining  int    `json:"requestsRemaining"`
	RetryAfter *int   `json:"retryAfterSeconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOutcome renders a pipeline outcome.
func writeOutcome(w http.ResponseWriter, out pipeline.Outcome) {
	if out.OK() {
		writeJSON(w, http.StatusOK, successBody{Result: out.Result, Remaining: out.Remaining})
		return
	}
	body := errorBody{
		Error:     out.Err.Message,
		Reason:    out.Err.Reason,
		Stage:     string(out.Stage),
		Remaining: out.Remaining,
	}
	if out.Err.Kind == apperr.QuotaExceeded && out.RetryAfter > 0 {
		secs := int(math.Ceil(out.RetryAfter.Seconds()))
		body.RetryAfter = &secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, out.Err.Kind.HTTPStatus(), body)
}

// reject answers a request that failed before entering the pipeline.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, id identity.ClientIdentity, err error) {
	s.rejectOn(w, r, s.deps.Tracker, id, err)
}

// rejectOn is reject reporting the allowance left on t.
func (s *Server) rejectOn(w http.ResponseWriter, r *http.Request, t quota.Tracker, id identity.ClientIdentity, err error) {
	e := apperr.From(err)
	zerolog.Ctx(r.Context()).Warn().Err(e).Str("client", string(id)).Msg("request rejected")
	writeOutcome(w, pipeline.Outcome{
		Err:       e,
		Stage:     pipeline.StageReceived,
		Remaining: remaining(r.Context(), t, id),
	})
}

func remaining(ctx context.Context, t quota.Tracker, id identity.ClientIdentity) int {
	n, err := t.Remaining(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("client", string(id)).Msg("quota peek failed")
		return 0
	}
	return n
}

// storageErr maps object store failures to client-facing errors.
func storageErr(err error, key string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.Wrap(apperr.InvalidInput, "not_found", err, "file %s not found", key)
	case errors.Is(err, storage.ErrTooLarge):
		return apperr.Wrap(apperr.InvalidInput, "too_large", err, "file %s is too large", key)
	default:
		return err
	}
}

func notConfigured(what string) error {
	return apperr.New(apperr.UpstreamUnavailable, "not_configured", what+" is not configured")
}
