package blocker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func newTestControlServer(domains ...string) (*ControlServer, http.Handler) {
	if len(domains) == 0 {
		domains = testDomains
	}
	c := NewControlServer("127.0.0.1:0", NewRegistry(domains))
	c.Logger = discardLogger()
	return c, c.Handler()
}

func doControl(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

func TestControl_StatusPage(t *testing.T) {
	_, h := newTestControlServer()
	rec := doControl(t, h, http.MethodGet, "/", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	last := -1
	for _, d := range testDomains {
		i := strings.Index(body, "<p>"+d+":")
		if i < 0 {
			t.Fatalf("status page missing row for %q", d)
		}
		if i < last {
			t.Errorf("row for %q out of configuration order", d)
		}
		last = i
	}
	if got := strings.Count(body, ">blocked</span>"); got != len(testDomains) {
		t.Errorf("blocked rows = %d, want %d", got, len(testDomains))
	}
	if got := strings.Count(body, "<button>allow</button>"); got != len(testDomains) {
		t.Errorf("allow buttons = %d, want %d", got, len(testDomains))
	}
	if !strings.Contains(body, `href="/toggle?domain=youtube.com"`) {
		t.Error("missing toggle link for youtube.com")
	}
}

func TestControl_StatusPageReflectsState(t *testing.T) {
	c, h := newTestControlServer("youtube.com", "x.com")
	c.Registry.Toggle("x.com")

	body := doControl(t, h, http.MethodGet, "/", nil).Body.String()

	if !strings.Contains(body, `<p>youtube.com: <span class="blocked">blocked</span>`) {
		t.Error("youtube.com should render as blocked")
	}
	if !strings.Contains(body, `<p>x.com: <span class="allowed">allowed</span>`) {
		t.Error("x.com should render as allowed")
	}
	if !strings.Contains(body, "<button>block</button>") {
		t.Error("allowed row should offer block")
	}
}

func TestControl_StatusPageEscapesDomains(t *testing.T) {
	_, h := newTestControlServer("<script>")
	body := doControl(t, h, http.MethodGet, "/", nil).Body.String()
	if strings.Contains(body, "<p><script>") {
		t.Error("domain must be HTML escaped")
	}
}

func TestControl_Toggle(t *testing.T) {
	c, h := newTestControlServer()

	rec := doControl(t, h, http.MethodGet, "/toggle?domain=youtube.com", nil)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
	if c.Registry.IsBlocked("youtube.com") {
		t.Error("youtube.com should be allowed after toggle")
	}

	doControl(t, h, http.MethodGet, "/toggle?domain=youtube.com", nil)
	if !c.Registry.IsBlocked("youtube.com") {
		t.Error("second toggle should restore blocked")
	}
}

func TestControl_ToggleLogsWrittenState(t *testing.T) {
	var logs syncBuffer
	c, _ := newTestControlServer()
	c.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	h := c.Handler()

	doControl(t, h, http.MethodGet, "/toggle?domain=youtube.com", nil)
	doControl(t, h, http.MethodGet, "/toggle?domain=youtube.com", nil)

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2:\n%s", len(lines), logs.String())
	}
	if !strings.Contains(lines[0], "blocked=false") || !strings.Contains(lines[1], "blocked=true") {
		t.Errorf("logged states wrong:\n%s", logs.String())
	}
}

func TestControl_AnyMethod(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantFlip   bool
	}{
		{"head status page", http.MethodHead, "/", http.StatusOK, false},
		{"post status page", http.MethodPost, "/", http.StatusOK, false},
		{"delete unknown path", http.MethodDelete, "/anything", http.StatusOK, false},
		{"post toggle", http.MethodPost, "/toggle?domain=youtube.com", http.StatusFound, true},
		{"head toggle", http.MethodHead, "/toggle?domain=youtube.com", http.StatusFound, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, h := newTestControlServer()
			rec := doControl(t, h, tt.method, tt.path, nil)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if flipped := !c.Registry.IsBlocked("youtube.com"); flipped != tt.wantFlip {
				t.Errorf("toggled = %v, want %v", flipped, tt.wantFlip)
			}
		})
	}
}

func TestControl_HeadHealth(t *testing.T) {
	c, _ := newTestControlServer()
	c.Health = NewHealth()
	c.Health.SetAlive(true)
	h := c.Handler()

	if rec := doControl(t, h, http.MethodHead, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("HEAD /healthz = %d, want 200", rec.Code)
	}
}

func TestControl_ToggleCommaDomain(t *testing.T) {
	c, h := newTestControlServer()

	doControl(t, h, http.MethodGet, "/toggle?domain=google,com", nil)

	blocked, ok := c.Registry.Status("google,com")
	if !ok || blocked {
		t.Errorf("google,com = (%v, %v), want allowed", blocked, ok)
	}
}

func TestControl_ToggleNoOp(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"unknown domain", "/toggle?domain=example.org"},
		{"missing parameter", "/toggle"},
		{"empty parameter", "/toggle?domain="},
		{"other parameter", "/toggle?name=youtube.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, h := newTestControlServer()
			before := c.Registry.Snapshot()

			rec := doControl(t, h, http.MethodGet, tt.path, nil)

			if rec.Code != http.StatusFound {
				t.Errorf("status = %d, want 302", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != "/" {
				t.Errorf("Location = %q, want /", loc)
			}
			after := c.Registry.Snapshot()
			for i := range before {
				if before[i] != after[i] {
					t.Errorf("entry %d changed: %+v -> %+v", i, before[i], after[i])
				}
			}
		})
	}
}

func TestControl_UnknownPathServesStatusPage(t *testing.T) {
	_, h := newTestControlServer()

	for _, path := range []string{"/favicon.ico", "/some/deep/path", "/metrics"} {
		rec := doControl(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Filter Control") {
			t.Errorf("%s: expected the status page", path)
		}
	}
}

func TestControl_ListDomains(t *testing.T) {
	c, h := newTestControlServer()
	c.Registry.Toggle("x.com")

	rec := doControl(t, h, http.MethodGet, "/api/domains", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decodeJSON[DomainsResponse](t, rec)
	if resp.Count != len(testDomains) || len(resp.Domains) != len(testDomains) {
		t.Fatalf("count = %d, domains = %d", resp.Count, len(resp.Domains))
	}
	for i, d := range testDomains {
		if resp.Domains[i].Domain != d {
			t.Errorf("domains[%d] = %q, want %q", i, resp.Domains[i].Domain, d)
		}
		if want := d != "x.com"; resp.Domains[i].Blocked != want {
			t.Errorf("%s blocked = %v, want %v", d, resp.Domains[i].Blocked, want)
		}
	}
}

func TestControl_GetDomain(t *testing.T) {
	_, h := newTestControlServer()

	rec := doControl(t, h, http.MethodGet, "/api/domains/tiktok.com", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decodeJSON[DomainStatus](t, rec)
	if got.Domain != "tiktok.com" || !got.Blocked {
		t.Errorf("got %+v", got)
	}

	rec = doControl(t, h, http.MethodGet, "/api/domains/nope.org", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", rec.Code)
	}
}

func TestControl_SetDomain(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantErr    string
	}{
		{"allow", "/api/domains/youtube.com", map[string]bool{"blocked": false}, http.StatusOK, ""},
		{"unknown", "/api/domains/nope.org", map[string]bool{"blocked": false}, http.StatusNotFound, ErrUnknownDomain.Error()},
		{"bad json", "/api/domains/youtube.com", "{", http.StatusBadRequest, "invalid JSON"},
		{"missing field", "/api/domains/youtube.com", "{}", http.StatusBadRequest, "blocked is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, h := newTestControlServer()
			rec := doControl(t, h, http.MethodPut, tt.path, tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantErr != "" {
				resp := decodeJSON[ErrorResponse](t, rec)
				if !strings.Contains(resp.Error, tt.wantErr) {
					t.Errorf("error = %q, want %q", resp.Error, tt.wantErr)
				}
				if !c.Registry.IsBlocked("youtube.com") {
					t.Error("failed request must not change state")
				}
				return
			}
			resp := decodeJSON[DomainStatus](t, rec)
			if resp.Blocked {
				t.Errorf("response = %+v", resp)
			}
			if c.Registry.IsBlocked("youtube.com") {
				t.Error("youtube.com should be allowed")
			}
		})
	}
}

func TestControl_APINotFound(t *testing.T) {
	_, h := newTestControlServer()
	rec := doControl(t, h, http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if resp.Error != "not found" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestControl_OptionalRoutes(t *testing.T) {
	c, _ := newTestControlServer()
	c.Metrics = NewMetrics()
	c.Health = NewHealth()
	c.Health.SetAlive(true)
	c.BlockPage = NewBlockPage([]byte("<h1>nope</h1>"))
	h := c.Handler()

	rec := doControl(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "blocker_") {
		t.Errorf("/metrics: status %d", rec.Code)
	}

	rec = doControl(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz: status %d", rec.Code)
	}

	rec = doControl(t, h, http.MethodGet, "/block-page", nil)
	if rec.Body.String() != "<h1>nope</h1>" {
		t.Errorf("/block-page body = %q", rec.Body.String())
	}
}

func TestControl_Compression(t *testing.T) {
	c, _ := newTestControlServer()
	cfg := DefaultCompressionConfig()
	c.Compression = &cfg
	h := c.Handler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != EncodingGzip {
		t.Fatalf("Content-Encoding = %q, want gzip", rec.Header().Get("Content-Encoding"))
	}
	gr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(string(body), "<p>youtube.com:") {
		t.Error("decompressed status page missing rows")
	}

	// Redirects stay uncompressed and keep their status.
	req = httptest.NewRequest(http.MethodGet, "/toggle?domain=x.com", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Errorf("toggle status = %d, want 302", rec.Code)
	}
}

func TestControl_ConcurrentToggleAndRender(t *testing.T) {
	c, h := newTestControlServer()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				doControl(t, h, http.MethodGet, "/toggle?domain=youtube.com", nil)
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				rec := doControl(t, h, http.MethodGet, "/", nil)
				if rec.Code != http.StatusOK {
					t.Errorf("status = %d", rec.Code)
				}
			}
		}()
	}
	wg.Wait()

	// 8*50 toggles is even.
	if !c.Registry.IsBlocked("youtube.com") {
		t.Error("even number of toggles should leave youtube.com blocked")
	}
}

func TestControl_ListenServeShutdown(t *testing.T) {
	c, _ := newTestControlServer()

	if err := c.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- c.Serve() }()

	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	base := "http://" + c.ListenAddr().String()

	resp, err := client.Get(base + "/toggle?domain=youtube.com")
	if err != nil {
		t.Fatalf("GET /toggle: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.StatusCode)
	}
	if c.Registry.IsBlocked("youtube.com") {
		t.Error("toggle over the network did not apply")
	}

	if err := c.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve returned %v, want ErrServerClosed", err)
	}
}

func TestControl_ServeBeforeListen(t *testing.T) {
	c, _ := newTestControlServer()
	if err := c.Serve(); err == nil {
		t.Error("expected error from Serve before Listen")
	}
}
