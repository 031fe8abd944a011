/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Metrics:    Request count and latency by matched route
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. RequestID:  Unique ID per request for tracing
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /v1/commands/*        Command intake and lookup
  /v1/instances/*       Instance administration and per-instance reads
  /v1/accounts/*        Account lookup and balance history
  /v1/transactions/*    Transaction lookup
  /v1/scenarios/*       Demo scenarios
  /v1/admin/*           Operator endpoints (reclaim, queue depth)
  /v1/reset             Database reset (dev only)
  /metrics              Prometheus collectors
  /healthz              Liveness and store reachability

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public; run
  behind a gateway in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests by route and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})
)

// metricsMiddleware records count and latency against the matched chi route
// pattern rather than the raw path, keeping label cardinality bounded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/v1", func(r chi.Router) {
		// Command intake. ?mode=sync processes inline, ?mode=validate
		// runs the no-save-on-error path; the default enqueues for the
		// background workers.
		r.Route("/commands", func(r chi.Router) {
			r.Post("/", h.SubmitCommand)
			r.Get("/{id}", h.GetCommand)
		})

		// Instance routes
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", h.ListInstances)
			r.Post("/", h.CreateInstance)
			r.Get("/{address}", h.GetInstance)
			r.Get("/{address}/accounts", h.ListAccounts)
			r.Get("/{address}/transactions", h.ListTransactions)
			r.Get("/{address}/commands", h.ListCommands)
			r.Get("/{address}/events", h.ListJournalEvents)
		})

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/history", h.GetBalanceHistory)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reclaim", h.ReclaimStale)
			r.Get("/queue", h.QueueDepth)
		})

		// Reset endpoint (for testing/demos)
		r.Post("/reset", h.ResetDatabase)
	})

	// Operational endpoints outside the versioned API
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Health)

	return r
}
