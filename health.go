package blocker

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Health backs the /healthz and /readyz endpoints of the control server.
//
// Liveness is set once the process has finished wiring. Readiness requires
// every named component (for example "proxy" and "admin") to be marked up,
// plus any extra checks.
type Health struct {
	alive atomic.Bool

	mu         sync.Mutex
	components map[string]bool
	checks     []namedCheck

	startTime time.Time
}

// ReadinessCheck returns nil if the component it guards is ready.
type ReadinessCheck func() error

type namedCheck struct {
	name string
	fn   ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealth creates a Health that waits for the named components.
func NewHealth(components ...string) *Health {
	h := &Health{
		components: make(map[string]bool, len(components)),
		startTime:  time.Now(),
	}
	for _, c := range components {
		h.components[c] = false
	}
	return h
}

// SetAlive sets the liveness state.
func (h *Health) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// IsAlive reports the liveness state.
func (h *Health) IsAlive() bool {
	return h.alive.Load()
}

// MarkUp records that a component is serving. Unknown names are added.
func (h *Health) MarkUp(component string) {
	h.mu.Lock()
	h.components[component] = true
	h.mu.Unlock()
}

// MarkDown records that a component stopped serving.
func (h *Health) MarkDown(component string) {
	h.mu.Lock()
	h.components[component] = false
	h.mu.Unlock()
}

// AddCheck registers an extra readiness check.
func (h *Health) AddCheck(name string, fn ReadinessCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, namedCheck{name: name, fn: fn})
	h.mu.Unlock()
}

// IsReady reports whether every component is up and every check passes.
func (h *Health) IsReady() bool {
	return len(h.failures()) == 0
}

func (h *Health) failures() []string {
	h.mu.Lock()
	var out []string
	for name, up := range h.components {
		if !up {
			out = append(out, name+": not serving")
		}
	}
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.Unlock()
	slices.Sort(out)

	for _, c := range checks {
		if err := c.fn(); err != nil {
			out = append(out, c.name+": "+err.Error())
		}
	}
	return out
}

// HandleHealthz serves the liveness probe.
func (h *Health) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// HandleReadyz serves the readiness probe.
func (h *Health) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK
	if failures := h.failures(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Health) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
