package httpapi

import (
	"context"
	"net/http"
	"time"

	"edgeward.io/internal/obs"
)

// ReadyChecker reports whether a dependency can serve traffic.
type ReadyChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadyChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Pinger is satisfied by *sql.DB and the Redis client wrappers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingReady checks readiness by pinging p.
func PingReady(p Pinger) ReadyChecker {
	return ReadyFunc(func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		return p.PingContext(ctx)
	})
}

type probes struct {
	service string
	version string
	ready   ReadyChecker
}

// RegisterProbes mounts /healthz, /readyz and /metrics on mux.
func RegisterProbes(mux *http.ServeMux, service, version string, ready ReadyChecker) {
	probes{service: service, version: version, ready: ready}.register(mux)
}

func (p probes) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", p.healthz)
	mux.HandleFunc("GET /readyz", p.readyz)
	mux.Handle("GET /metrics", obs.Handler())
}

func (p probes) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": p.service,
		"version": p.version,
	})
}

func (p probes) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if p.ready != nil {
		if err := p.ready.Check(ctx); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
