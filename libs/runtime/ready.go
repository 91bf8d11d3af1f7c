package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// CheckTimeout bounds each ReadyCheck.
const CheckTimeout = 2 * time.Second

// ReadyCheck is a named dependency probe (db, redis, kafka).
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// CheckResult is one entry of the /readyz report.
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Took  string `json:"took"`
}

// RunChecks probes every dependency concurrently. Results keep the order of checks.
func RunChecks(ctx context.Context, checks ...ReadyCheck) []CheckResult {
	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("check-%d", i)
		}
		results[i] = CheckResult{Name: name, OK: true}
		if c.Check == nil {
			continue
		}
		wg.Add(1)
		go func(i int, check func(context.Context) error) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			start := time.Now()
			err := check(cctx)
			results[i].Took = time.Since(start).Round(time.Millisecond).String()
			if err != nil {
				results[i].OK = false
				results[i].Error = err.Error()
			}
		}(i, c.Check)
	}
	wg.Wait()
	return results
}

// CheckAll returns nil when every check passes, otherwise the failures joined as "name: err".
func CheckAll(ctx context.Context, checks ...ReadyCheck) error {
	var errs []error
	for _, r := range RunChecks(ctx, checks...) {
		if !r.OK {
			errs = append(errs, fmt.Errorf("%s: %s", r.Name, r.Error))
		}
	}
	return errors.Join(errs...)
}

// NewBaseRouter returns a router serving /healthz (liveness) and /readyz (a JSON report of
// checks, 503 when any fails).
func NewBaseRouter(checks ...ReadyCheck) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		results := RunChecks(r.Context(), checks...)
		status, state := http.StatusOK, "ready"
		for _, res := range results {
			if !res.OK {
				status, state = http.StatusServiceUnavailable, "not_ready"
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(struct {
			Status string        `json:"status"`
			Checks []CheckResult `json:"checks"`
		}{state, results})
	})
	return r
}
