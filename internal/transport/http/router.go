package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatekeeper/internal/platform/middleware"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies is everything the router mounts. Auth is nil in bearer mode,
// where no browser login is offered. Health is nil without Redis.
type Dependencies struct {
	Gate     *middleware.Gate
	Auth     *AuthHandler
	Pages    *PageHandler
	Health   HealthChecker
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter wires the public auth endpoints, the operational endpoints and
// the gated routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))

	r.Get("/health", handleHealth(deps.Health))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/401", handleNoCredentials)

	if deps.Auth != nil {
		deps.Auth.Register(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Gate.Require)
		deps.Pages.Register(r)
	})
	return r
}

func handleHealth(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Health(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "degraded", "redis": "unreachable"}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}
