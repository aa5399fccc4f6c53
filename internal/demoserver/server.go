package demoserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const usersPrefix = "/api/users/"

// Server is a small instrumented HTTP service that produces spans for the
// export pipeline.
type Server struct {
	tracer    trace.Tracer
	dbLatency time.Duration
	logger    *zap.Logger
}

// NewServer creates a server recording spans with tracer.
func NewServer(tracer trace.Tracer, dbLatency time.Duration, logger *zap.Logger) *Server {
	return &Server{
		tracer:    tracer,
		dbLatency: dbLatency,
		logger:    logger,
	}
}

// Handler returns the routes served by the demo.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc(usersPrefix, s.handleGetUser)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "home_handler", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.route", "/"),
		attribute.String("http.url", r.URL.Path),
	)

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Hello from instrumented app",
	})
	span.SetAttributes(attribute.Int("http.status_code", http.StatusOK))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, usersPrefix)

	ctx, span := s.tracer.Start(r.Context(), "get_user", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.route", "/api/users/:userId"),
		attribute.String("user.id", userID),
	)

	if userID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user id"})
		span.SetAttributes(attribute.Int("http.status_code", http.StatusBadRequest))
		return
	}

	_, dbSpan := s.tracer.Start(ctx, "database_query", trace.WithSpanKind(trace.SpanKindClient))
	dbSpan.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)

	// stands in for the query round trip
	select {
	case <-time.After(s.dbLatency):
	case <-ctx.Done():
	}

	dbSpan.SetAttributes(attribute.Int("db.rows_affected", 1))
	dbSpan.End()

	s.writeJSON(w, http.StatusOK, map[string]string{
		"id":   userID,
		"name": "John Doe",
	})
	span.SetAttributes(attribute.Int("http.status_code", http.StatusOK))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}
