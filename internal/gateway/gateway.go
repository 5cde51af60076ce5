// Package gateway exposes the conversational endpoint over HTTP and maps
// engine results to wire status codes.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/basket/charlesd/internal/audit"
	"github.com/basket/charlesd/internal/completion"
	"github.com/basket/charlesd/internal/config"
	"github.com/basket/charlesd/internal/engine"
	"github.com/basket/charlesd/internal/otel"
	"github.com/basket/charlesd/internal/records"
	"github.com/basket/charlesd/internal/shared"
	"github.com/basket/charlesd/internal/visitors"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Engine   *engine.Engine
	Store    *records.Store
	Visitors *visitors.Log
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	MaxRequestBytes int64
	RateLimit       config.RateLimitConfig
	CORS            config.CORSConfig
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	validator *requestValidator
	rateLimit *RateLimitMiddleware
	startedAt time.Time
}

func New(cfg Config) (*Server, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		rateLimit: NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
		startedAt: time.Now(),
	}, nil
}

// RateLimiter exposes the middleware so main can start bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware {
	return s.rateLimit
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/charles", s.handleCharles)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)

	var handler http.Handler = mux
	handler = s.rateLimit.Wrap(handler)
	handler = NewCORSMiddleware(s.cfg.CORS)(handler)
	handler = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(handler)
	return handler
}

func (s *Server) handleCharles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	ctx := shared.WithTraceID(r.Context(), uuid.NewString())
	ctx = shared.WithRemoteAddr(ctx, r.RemoteAddr)
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway.charles",
			otel.AttrTraceID.String(shared.TraceID(ctx)),
		)
		defer span.End()
	}

	req, err := s.validator.decode(r.Body)
	if err != nil {
		s.logger.WarnContext(ctx, "rejected malformed request", "error", err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		req.Origin = host
	} else {
		req.Origin = r.RemoteAddr
	}

	resp, err := s.cfg.Engine.Handle(ctx, req)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	}
	switch {
	case errors.Is(err, engine.ErrAccessDenied):
		writeJSONError(w, http.StatusForbidden, "access denied")
		return
	case errors.Is(err, completion.ErrUnavailable):
		writeJSONError(w, http.StatusInternalServerError, "completion backend unavailable")
		return
	case err != nil:
		s.logger.ErrorContext(ctx, "request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.startedAt).Seconds()),
		"version":            otel.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var visitorCount int
	if entries, err := s.cfg.Visitors.List(r.Context()); err == nil {
		visitorCount = len(entries)
	}

	payload := map[string]any{
		"deny_total":     audit.DenyCount(),
		"visitor_count":  visitorCount,
		"alloc_bytes":    mem.Alloc,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var visitorCount int
	if entries, err := s.cfg.Visitors.List(r.Context()); err == nil {
		visitorCount = len(entries)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP charlesd_deny_total Total gate deny count.\n")
	fmt.Fprintf(w, "# TYPE charlesd_deny_total counter\n")
	fmt.Fprintf(w, "charlesd_deny_total %d\n", audit.DenyCount())
	fmt.Fprintf(w, "# HELP charlesd_visitor_count Entries currently retained in the visitor log.\n")
	fmt.Fprintf(w, "# TYPE charlesd_visitor_count gauge\n")
	fmt.Fprintf(w, "charlesd_visitor_count %d\n", visitorCount)
	fmt.Fprintf(w, "# HELP charlesd_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE charlesd_alloc_bytes gauge\n")
	fmt.Fprintf(w, "charlesd_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "# HELP charlesd_uptime_seconds Seconds since the gateway started.\n")
	fmt.Fprintf(w, "# TYPE charlesd_uptime_seconds gauge\n")
	fmt.Fprintf(w, "charlesd_uptime_seconds %d\n", int64(time.Since(s.startedAt).Seconds()))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
