package blocker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ControlServer is the admin surface: an HTML page listing every domain
// with a toggle link, and a JSON mirror of the same operations.
//
// It has no authentication. Anyone who can reach Addr can flip any domain.
type ControlServer struct {
	// Addr is the address to listen on (e.g., "0.0.0.0:8082").
	Addr string

	// Registry is read by the status page and mutated by /toggle.
	Registry *Registry

	// BlockPage, when set, is served at /block-page for previewing.
	BlockPage *BlockPage

	// Metrics, when set, is served at /metrics.
	Metrics *Metrics

	// Health, when set, is served at /healthz and /readyz.
	Health *Health

	// Compression, when set, compresses responses.
	Compression *CompressionConfig

	Logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewControlServer creates a ControlServer for reg.
func NewControlServer(addr string, reg *Registry) *ControlServer {
	return &ControlServer{
		Addr:     addr,
		Registry: reg,
		Logger:   slog.Default(),
	}
}

// DomainsResponse is returned by GET /api/domains.
type DomainsResponse struct {
	Count   int            `json:"count"`
	Domains []DomainStatus `json:"domains"`
}

// SetBlockedRequest is the body of PUT /api/domains/{domain}.
type SetBlockedRequest struct {
	Blocked *bool `json:"blocked"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler builds the router. Unmatched paths render the status page.
func (c *ControlServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	if c.Compression != nil {
		r.Use(Compress(*c.Compression))
	}

	// The page and toggle link answer any method.
	r.HandleFunc("/", c.handleStatus)
	r.HandleFunc("/toggle", c.handleToggle)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/domains", c.handleListDomains)
		r.Get("/domains/{domain}", c.handleGetDomain)
		r.Put("/domains/{domain}", c.handleSetDomain)
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			c.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
		})
	})

	if c.Health != nil {
		r.Get("/healthz", c.Health.HandleHealthz)
		r.Get("/readyz", c.Health.HandleReadyz)
	}
	if c.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", c.Metrics.Handler())
	}
	if c.BlockPage != nil {
		r.Method(http.MethodGet, "/block-page", c.BlockPage)
	}

	r.NotFound(c.handleStatus)
	return r
}

// Listen binds the admin listener without serving.
func (c *ControlServer) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", c.Addr, err)
	}
	c.listener = ln
	c.srv = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(c.logger().Handler(), slog.LevelDebug),
	}
	return nil
}

// ListenAddr returns the bound address, or nil before Listen.
func (c *ControlServer) ListenAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Serve accepts connections on the listener bound by Listen. It returns
// http.ErrServerClosed after Shutdown.
func (c *ControlServer) Serve() error {
	c.mu.Lock()
	srv, ln := c.srv, c.listener
	c.mu.Unlock()
	if srv == nil {
		return errors.New("admin: Serve called before Listen")
	}

	c.logger().Info("admin listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Shutdown gracefully stops the admin server.
func (c *ControlServer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	srv, ln := c.srv, c.listener
	c.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// Serve may never have run; the listener is then still open.
	if ln != nil {
		_ = ln.Close()
	}
	return err
}

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Filter Control</title>
<style>
body { font-family: sans-serif; padding: 20px; }
button { padding: 5px 10px; }
.blocked { color: #c0392b; }
.allowed { color: #27ae60; }
</style>
</head>
<body>
<h1>Filter Control</h1>
{{- range .}}
<p>{{.Domain}}: {{if .Blocked}}<span class="blocked">blocked</span> <a href="/toggle?domain={{.Domain}}"><button>allow</button></a>{{else}}<span class="allowed">allowed</span> <a href="/toggle?domain={{.Domain}}"><button>block</button></a>{{end}}</p>
{{- end}}
</body>
</html>
`))

func (c *ControlServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := c.Registry.Snapshot()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := statusPage.Execute(w, snap); err != nil {
		c.logger().Error("render status page", "error", err)
	}
}

func (c *ControlServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	var blocked, ok bool
	if domain != "" {
		blocked, ok = c.Registry.Flip(domain)
	}
	if ok {
		c.logger().Info("domain toggled", "domain", domain, "blocked", blocked, "client", r.RemoteAddr)
	} else {
		c.logger().Debug("toggle ignored", "domain", domain)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (c *ControlServer) handleListDomains(w http.ResponseWriter, _ *http.Request) {
	snap := c.Registry.Snapshot()
	c.writeJSON(w, http.StatusOK, DomainsResponse{Count: len(snap), Domains: snap})
}

func (c *ControlServer) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)
	blocked, ok := c.Registry.Status(domain)
	if !ok {
		c.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrUnknownDomain.Error()})
		return
	}
	c.writeJSON(w, http.StatusOK, DomainStatus{Domain: domain, Blocked: blocked})
}

func (c *ControlServer) handleSetDomain(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)

	var req SetBlockedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		c.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Blocked == nil {
		c.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "blocked is required"})
		return
	}

	if !c.Registry.Set(domain, *req.Blocked) {
		c.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrUnknownDomain.Error()})
		return
	}

	c.logger().Info("domain set via API", "domain", domain, "blocked", *req.Blocked, "client", r.RemoteAddr)
	c.writeJSON(w, http.StatusOK, DomainStatus{Domain: domain, Blocked: *req.Blocked})
}

// domainParam returns the unescaped {domain} route parameter. chi routes on
// the raw path when one is present, so the parameter may still be escaped.
func domainParam(r *http.Request) string {
	raw := chi.URLParam(r, "domain")
	if d, err := url.PathUnescape(raw); err == nil {
		return d
	}
	return raw
}

func (c *ControlServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger().Error("admin write error", "error", err)
	}
}

func (c *ControlServer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
