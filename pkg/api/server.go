package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-pay/pkg/authctx"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// HeaderBusinessID optionally pins the business a mandate must be scoped to.
const HeaderBusinessID = "X-Business-ID"

// Config wires the server. Authority, Orchestrator and Extractor are required.
type Config struct {
	Authority    *mandate.Authority
	Orchestrator *payment.Orchestrator
	Extractor    *authctx.Extractor
	// Tokens, when set, mints a bearer token with every issued mandate.
	Tokens      *authctx.TokenIssuer
	Idempotency IdempotencyStorer
	Limiter     LimiterStore
	RatePolicy  RatePolicy
	// Ping reports backing store health for /health.
	Ping          func(ctx context.Context) error
	Observability *observability.Provider
}

// Server is the HTTP surface of the payment service.
type Server struct {
	cfg     Config
	schemas *Schemas
	obs     *observability.Provider
	router  chi.Router
	logger  *slog.Logger
}

// NewServer builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Authority == nil || cfg.Orchestrator == nil || cfg.Extractor == nil {
		return nil, errors.New("api: authority, orchestrator and extractor are required")
	}
	schemas, err := LoadSchemas()
	if err != nil {
		return nil, err
	}
	obs := cfg.Observability
	if obs == nil {
		obs = observability.Disabled()
	}
	s := &Server{
		cfg:     cfg,
		schemas: schemas,
		obs:     obs,
		logger:  slog.Default().With("component", "api"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteProblem(w, r, http.StatusNotFound, CodeNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteProblem(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, r.Method+" is not supported here")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(RateLimitMiddleware(s.cfg.Limiter, s.cfg.RatePolicy))
		if s.cfg.Idempotency != nil {
			v1.Use(IdempotencyMiddleware(s.cfg.Idempotency))
		}

		v1.Post("/mandates/intents", s.handleIssueIntent)
		v1.Get("/mandates/{mandateID}", s.handleGetMandate)
		v1.Post("/mandates/{mandateID}/carts", s.handleIssueCart)
		v1.Post("/mandates/{mandateID}/revoke", s.handleRevokeMandate)

		v1.Post("/workflows", s.handleInitiateWorkflow)
		v1.With(authctx.Middleware(s.cfg.Extractor, executionScope, s.rejectExecution)).
			Post("/executions", s.handleExecute)

		v1.Get("/transactions/{transactionID}", s.handleGetTransaction)
		v1.Post("/transactions/{transactionID}/cancel", s.handleCancelTransaction)
		v1.Get("/carts/{mandateID}/transactions", s.handleListCartTransactions)
	})
	return r
}

func executionScope(r *http.Request) authctx.Scope {
	return authctx.Scope{
		BusinessID:  r.Header.Get(HeaderBusinessID),
		MandateType: mandate.TypeCart,
	}
}

// instrument logs every request and records RED metrics per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx, finish := s.obs.TrackOperation(r.Context(), "http.request",
			attribute.String("http.method", r.Method))

		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		var err error
		if status >= http.StatusInternalServerError {
			err = errors.New(http.StatusText(status))
		}
		finish(err)

		s.logger.InfoContext(ctx, "request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(ctx),
		)
	})
}

// rejectExecution answers a request the mandate boundary refused.
func (s *Server) rejectExecution(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := authctx.AsRejection(err); ok {
		s.obs.RecordRejection(r.Context(), string(rej.Code))
	}
	WriteDomainError(w, r, err)
}
