package httpserver

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/carebridge/dispatch/pkg/logger"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthReport is the body written by ReadinessHandler.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler answers 200 as long as the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, HealthReport{Status: "alive"})
	}
}

// ReadinessHandler runs every check concurrently, each bounded by timeout,
// and answers 503 if any of them fails.
func ReadinessHandler(log *slog.Logger, timeout time.Duration, checks map[string]Check) http.HandlerFunc {
	names := slices.Sorted(maps.Keys(checks))

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := make([]error, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = checks[name](ctx)
			}()
		}
		wg.Wait()

		report := HealthReport{Status: "ready", Checks: make(map[string]string, len(names))}
		status := http.StatusOK
		for i, name := range names {
			if err := results[i]; err != nil {
				log.ErrorContext(ctx, "readiness check failed", slog.String("check", name), logger.Error(err))
				report.Checks[name] = err.Error()
				report.Status = "not_ready"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = "ok"
		}
		JSON(w, status, report)
	}
}
