// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and answers with a JSON body:
//
//	{"status":"degraded","checks":{"assets":"ok","asset_breakers":"fail: mirror open"}}
//
// A failing check fails readiness (503) unless it is marked Degrades, in
// which case the status becomes "degraded" and the probe still answers 200.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stagecraft/internal/resilience"
	"github.com/MrWong99/stagecraft/pkg/types"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Probe statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is one named readiness check.
type Checker struct {
	// Name keys the check in the response body.
	Name string

	// Check returns nil when healthy. It must honour ctx.
	Check func(ctx context.Context) error

	// Degrades marks a check whose failure still leaves the server usable.
	Degrades bool
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New returns a [Handler] evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: StatusOK})
}

// Readyz answers 503 when a non-degrading check fails and 200 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.evaluate(r.Context())
	code := http.StatusOK
	if res.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// evaluate runs every check in parallel, each under its own timeout.
func (h *Handler) evaluate(ctx context.Context) result {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
		g        errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			err := c.Check(cctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = StatusOK
			case c.Degrades:
				checks[c.Name] = StatusFail + ": " + err.Error()
				degraded = true
			default:
				checks[c.Name] = StatusFail + ": " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: StatusOK, Checks: checks}
	switch {
	case failed:
		res.Status = StatusFail
	case degraded:
		res.Status = StatusDegraded
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ── Stock checkers ──────────────────────────────────────────────────────────

// Fetcher is satisfied by asset sources.
type Fetcher interface {
	Fetch(ctx context.Context, p string) ([]byte, error)
}

// AssetSource fails when src cannot be reached. Fetching probe must succeed
// or fail with an error matching notFound.
func AssetSource(src Fetcher, probe string, notFound error) Checker {
	return Checker{
		Name: "assets",
		Check: func(ctx context.Context) error {
			_, err := src.Fetch(ctx, probe)
			if err == nil || errors.Is(err, notFound) {
				return nil
			}
			return err
		},
	}
}

// BreakerReporter is satisfied by breaker-guarded source chains.
type BreakerReporter interface {
	Status() []resilience.EntryStatus
}

// AssetBreakers degrades readiness while any source in the chain has an
// open breaker. Requests are still served by the remaining sources.
func AssetBreakers(r BreakerReporter) Checker {
	return Checker{
		Name:     "asset_breakers",
		Degrades: true,
		Check: func(context.Context) error {
			var open []string
			for _, st := range r.Status() {
				if st.State == resilience.StateOpen.String() {
					open = append(open, st.Name)
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("%s open", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// PhaseAger is satisfied by the episode coordinator.
type PhaseAger interface {
	PhaseAge() (phase types.Phase, age time.Duration, ok bool)
}

// Coordinator fails when the staged episode has sat in a timed phase longer
// than its limit. Phases without a limit never fail: an active autobattler
// may wait on its simulator indefinitely.
func Coordinator(c PhaseAger, limits map[types.Phase]time.Duration) Checker {
	return Checker{
		Name: "coordinator",
		Check: func(context.Context) error {
			phase, age, ok := c.PhaseAge()
			if !ok {
				return nil
			}
			if limit, timed := limits[phase]; timed && age > limit {
				return fmt.Errorf("episode stuck in %s for %s (limit %s)", phase, age.Round(time.Millisecond), limit)
			}
			return nil
		},
	}
}
