package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"llm_broker/internal/metrics"
	"llm_broker/internal/middleware"
)

const healthTimeout = 2 * time.Second

// HealthCheck is one dependency checked by GET /health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterDeps holds what the router serves
type RouterDeps struct {
	Jobs    JobService
	Calls   CallService
	Auth    middleware.TokenValidator
	Metrics *metrics.Metrics
	Checks  []HealthCheck
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Metrics))
	r.Use(chimw.Recoverer)

	// Unauthenticated
	r.Get("/health", healthHandler(deps.Checks))
	r.Handle("/metrics", deps.Metrics.Handler())

	h := newJobsHandler(deps.Jobs, deps.Calls)
	r.Route("/v1/jobs", func(jr chi.Router) {
		jr.Use(middleware.TeamAuth(deps.Auth))

		jr.Post("/", h.CreateJob)
		jr.Get("/{id}", h.GetJob)
		jr.Post("/{id}/calls", h.Call)
		jr.Patch("/{id}/metadata", h.MergeMetadata)
		jr.Post("/{id}/complete", h.CompleteJob)
		jr.Get("/{id}/costs", h.JobCosts)
	})

	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				logger.Warn("Health check failed", "check", c.Name, "error", err)
				resp.Checks[c.Name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}
