// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ascensum/gen-image-runner/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns three readiness checks: db, the image
// provider (Runware), and the vision provider (OpenAI). Each vendor check
// is a lightweight reachability probe, not an authenticated call, so a
// missing API key does not itself fail readiness.
func BuildReadinessChecks(cfg config.Config, pool Pinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}

	probe := func(baseURL string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			if baseURL == "" {
				return fmt.Errorf("vendor base url not configured")
			}
			client := &http.Client{Timeout: 2 * time.Second}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			// Any response at all, including 401/404, means the vendor is reachable;
			// only network-level failures should fail readiness here.
			if resp.StatusCode >= 500 {
				return fmt.Errorf("vendor status %d", resp.StatusCode)
			}
			return nil
		}
	}

	return dbCheck, probe(cfg.RunwareBaseURL), probe(cfg.OpenAIBaseURL)
}
