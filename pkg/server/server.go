// Package server exposes the metered operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pario-ai/metergate/pkg/asset"
	"github.com/pario-ai/metergate/pkg/distill"
	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/metrics"
	"github.com/pario-ai/metergate/pkg/models"
	"github.com/pario-ai/metergate/pkg/runner"
)

// ActorHeader carries the id of the authenticated caller.
const ActorHeader = "X-Actor-ID"

const maxBodyBytes = 1 << 20

// HistoryReader lists per-actor history.
type HistoryReader interface {
	Query(ctx context.Context, opts models.HistoryQueryOpts) ([]models.HistoryEntry, error)
}

// Server is the metergate HTTP API.
type Server struct {
	listen         string
	assets         *asset.Service
	distiller      *distill.Service
	ledger         *ledger.Ledger
	history        HistoryReader
	metrics        *metrics.Collector
	metricsHandler http.Handler
	logger         zerolog.Logger
	router         chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithHistory serves GET /v1/history/{actor} from h.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics counts requests in m and serves handler at /metrics.
func WithMetrics(m *metrics.Collector, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server listening on listen.
func New(listen string, assets *asset.Service, distiller *distill.Service, l *ledger.Ledger, opts ...Option) *Server {
	s := &Server{
		listen:    listen,
		assets:    assets,
		distiller: distiller,
		ledger:    l,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})

	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/assets", s.handleAsset)
		r.Post("/distill", s.handleDistill)
		r.Get("/usage", s.handleUsage)
		r.Get("/usage/breakdown", s.handleBreakdown)
		r.Get("/usage/records", s.handleRecords)
		r.Get("/history/{actor}", s.handleHistory)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.listen).Msg("metergate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.Request(r.Method, route, strconv.Itoa(ww.Status()))
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	var req models.AssetRequest
	if !decode(w, r, &req) {
		return
	}
	if actor := r.Header.Get(ActorHeader); actor != "" {
		req.ActorID = actor
	}
	resp, err := s.assets.Generate(r.Context(), req)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDistill(w http.ResponseWriter, r *http.Request) {
	var req models.DistillRequest
	if !decode(w, r, &req) {
		return
	}
	if actor := r.Header.Get(ActorHeader); actor != "" {
		req.ActorID = actor
	}
	resp, err := s.distiller.Distill(r.Context(), req)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.UsageSummary(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	rows, err := s.ledger.Breakdown(r.Context(), month)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if month == "" {
		month = s.ledger.CurrentMonth()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month_key": month,
		"features":  nonNil(rows),
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	records, err := s.ledger.Records(r.Context(), r.URL.Query().Get("month"), limit)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(records)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "history is disabled")
		return
	}
	limit, ok := queryInt(w, r, "limit", 100)
	if !ok {
		return
	}
	entries, err := s.history.Query(r.Context(), models.HistoryQueryOpts{
		ActorID: chi.URLParam(r, "actor"),
		Kind:    r.URL.Query().Get("kind"),
		Limit:   limit,
	})
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	check := s.ledger.CheckBudget(r.Context(), 0)
	status, code := "ok", http.StatusOK
	if !check.Allowed {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"remaining":       check.RemainingCredits,
		"percentage_used": check.PercentageUsed,
	})
}

func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.Is(err, asset.ErrInvalidRequest), errors.Is(err, distill.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &insufficient):
		writeErrorBody(w, http.StatusPaymentRequired, errorBody{
			Message:   err.Error(),
			Type:      "budget_exceeded",
			Code:      http.StatusPaymentRequired,
			Required:  &insufficient.Required,
			Available: &insufficient.Available,
		})
	case errors.Is(err, runner.ErrGeneration):
		s.logger.Warn().Err(err).Msg("generation failed")
		writeError(w, http.StatusBadGateway, "generation_failed", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

func writeError(w http.ResponseWriter, code int, typ, message string) {
	writeErrorBody(w, code, errorBody{Message: message, Type: typ, Code: code})
}

func writeErrorBody(w http.ResponseWriter, code int, body errorBody) {
	writeJSON(w, code, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_request", "content type must be application/json")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid "+name)
		return 0, false
	}
	return n, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
