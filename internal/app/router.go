// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ascensum/gen-image-runner/internal/adapter/observability"
	"github.com/ascensum/gen-image-runner/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// ReadinessChecks groups the three probes returned by BuildReadinessChecks
// for use by the /healthz handler.
type ReadinessChecks struct {
	DB     func(ctx context.Context) error
	Image  func(ctx context.Context) error
	Vision func(ctx context.Context) error
}

// DebugJobStatus is the minimal shape returned by the debug status endpoint,
// populated by the caller from the Job Engine's in-memory job table.
type DebugJobStatus struct {
	JobExecutionID string `json:"jobExecutionId"`
	Status         string `json:"status"`
	Produced       int    `json:"produced"`
	Failed         int    `json:"failed"`
	Requested      int    `json:"requested"`
}

// BuildRouter constructs the minimal loopback HTTP surface: health, metrics,
// and a debug status endpoint. This runner has no public REST API; its
// primary control surface is the RPC Adapter (internal/adapter/rpc).
func BuildRouter(cfg config.Config, checks ReadinessChecks, debugStatus func(ctx context.Context) []DebugJobStatus) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

		wr.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			status := http.StatusOK
			body := map[string]string{"status": "ok"}

			if checks.DB != nil {
				if err := checks.DB(ctx); err != nil {
					status = http.StatusServiceUnavailable
					body["db"] = err.Error()
				}
			}
			if checks.Image != nil {
				if err := checks.Image(ctx); err != nil {
					body["image_provider"] = err.Error()
				}
			}
			if checks.Vision != nil {
				if err := checks.Vision(ctx); err != nil {
					body["vision_provider"] = err.Error()
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(body)
		})

		if debugStatus != nil {
			wr.Get("/debug/jobs", func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(debugStatus(req.Context()))
			})
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
