package blocker

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Flow is one CONNECT or one HTTP request passing through the proxy.
//
// A Flow is owned by the Proxy. Addons may read it and may set Response
// during a callback, but must not keep a reference after returning.
type Flow struct {
	// Request is the client request. For a CONNECT flow it is the CONNECT
	// request itself.
	Request *http.Request

	// Host is the destination host without port.
	Host string

	// Secure is true for requests read from an intercepted TLS tunnel.
	Secure bool

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Response, when set by an addon, is sent to the client instead of
	// contacting the upstream server.
	Response *http.Response

	// Reason is an optional label describing why Response was set.
	Reason string
}

// Addon receives per-flow callbacks from the Proxy.
type Addon interface {
	// OnConnect is called once per CONNECT request, before the client
	// tunnel is established. Setting f.Response answers the CONNECT with
	// that response and ends the flow without a TLS handshake.
	OnConnect(f *Flow)

	// OnRequest is called once per non-CONNECT request, both plaintext
	// requests and requests decrypted from an intercepted tunnel.
	OnRequest(f *Flow)
}

// Proxy is an HTTPS MITM proxy that hands every flow to its addons before
// forwarding it upstream.
type Proxy struct {
	// Addr is the address to listen on (e.g., "0.0.0.0:8080")
	Addr string

	// CertManager issues leaf certificates for intercepted hosts
	CertManager *CertManager

	// Logger for proxy events
	Logger *slog.Logger

	// Transport for outbound requests (optional, uses default if nil)
	Transport http.RoundTripper

	// TransportPool, when set, takes precedence over Transport.
	TransportPool *TransportPool

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog writes structured access log entries for each flow (optional)
	AccessLog *AccessLogger

	// ReadHeaderTimeout bounds reading request headers on the listener and
	// inside intercepted tunnels. Zero means 30 seconds.
	ReadHeaderTimeout time.Duration

	// IdleTimeout bounds keep-alive idle time. Zero means 60 seconds.
	IdleTimeout time.Duration

	addons []Addon

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewProxy creates a new MITM proxy.
func NewProxy(addr string, cm *CertManager) *Proxy {
	return &Proxy{
		Addr:        addr,
		CertManager: cm,
		Logger:      slog.Default(),
		Transport:   http.DefaultTransport,
	}
}

// AddAddon registers an addon. Addons run in registration order; the first
// one to set a response wins. Register addons before serving.
func (p *Proxy) AddAddon(a Addon) {
	p.addons = append(p.addons, a)
}

// Listen binds the proxy listener without serving. It is separate from
// Serve so that callers can detect a busy port before starting anything.
func (p *Proxy) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", p.Addr, err)
	}
	p.listener = ln
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.readHeaderTimeout(),
		IdleTimeout:       p.idleTimeout(),
		ErrorLog:          slog.NewLogLogger(p.Logger.Handler(), slog.LevelDebug),
	}
	return nil
}

// ListenAddr returns the bound address, or nil before Listen.
func (p *Proxy) ListenAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Serve accepts connections on the listener bound by Listen. It returns
// http.ErrServerClosed after Shutdown.
func (p *Proxy) Serve() error {
	p.mu.Lock()
	srv, ln := p.srv, p.listener
	p.mu.Unlock()
	if srv == nil {
		return errors.New("proxy: Serve called before Listen")
	}

	p.Logger.Info("proxy listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// ListenAndServe binds and serves the proxy.
func (p *Proxy) ListenAndServe() error {
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve()
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv, ln := p.srv, p.listener
	p.mu.Unlock()

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

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if r.URL.Host == "" {
		// Origin-form request addressed to the proxy itself.
		http.Error(w, "this is a proxy; configure it as your HTTP proxy", http.StatusBadRequest)
		return
	}
	p.handleHTTP(w, r)
}

// handleConnect handles HTTPS CONNECT requests (MITM interception).
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordFlow(HookConnect)
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	start := time.Now()
	host := stripPort(r.Host)
	p.Logger.Debug("CONNECT", "host", r.Host)

	flow := &Flow{
		Request:    r,
		Host:       host,
		ClientAddr: r.RemoteAddr,
	}
	p.runHooks(HookConnect, flow)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if flow.Response != nil {
		// Terminal response: no tunnel, no handshake, no further hooks.
		p.recordBlocked(HookConnect, flow)
		err := writeResponse(clientConn, flow.Response)
		_ = clientConn.Close()
		p.logFlow(flow, http.MethodConnect, "/", "https", flow.Response.StatusCode, flow.Response.ContentLength, start, err)
		return
	}

	_, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if err != nil {
		p.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Prefer SNI; fall back to the CONNECT host.
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		p.Logger.Debug("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}

	p.handleTLSConnection(tlsClientConn, r.Host)
}

// handleTLSConnection reads decrypted requests from an intercepted tunnel.
// authority is the host[:port] from the CONNECT request.
func (p *Proxy) handleTLSConnection(conn *tls.Conn, authority string) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	for {
		// Idle wait for the next request, then a bound on its headers.
		_ = conn.SetReadDeadline(time.Now().Add(p.idleTimeout()))
		if _, err := reader.Peek(1); err != nil {
			if err != io.EOF {
				p.Logger.Debug("wait for request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(p.readHeaderTimeout()))

		req, err := http.ReadRequest(reader)
		if err != nil {
			p.Logger.Debug("read request", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.URL.Host == "" {
			req.URL.Host = authority
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}
		if req.Host == "" {
			req.Host = authority
		}
		req.RemoteAddr = conn.RemoteAddr().String()

		if p.Metrics != nil {
			p.Metrics.RecordFlow(HookRequest)
		}
		start := time.Now()
		flow := &Flow{
			Request:    req,
			Host:       stripPort(req.Host),
			Secure:     true,
			ClientAddr: req.RemoteAddr,
		}
		p.runHooks(HookRequest, flow)

		if flow.Response != nil {
			p.recordBlocked(HookRequest, flow)
			err := writeResponse(conn, flow.Response)
			p.logFlow(flow, req.Method, req.URL.Path, "https", flow.Response.StatusCode, flow.Response.ContentLength, start, err)
			if err != nil {
				return
			}
			continue
		}

		resp, err := p.forwardRequest(req)
		if err != nil {
			p.Logger.Error("forward request", "error", err, "url", req.URL)
			if p.Metrics != nil {
				p.Metrics.RecordUpstreamError(req.Host)
			}
			p.writeErrorResponse(conn, err)
			p.logFlow(flow, req.Method, req.URL.Path, "https", http.StatusBadGateway, 0, start, err)
			continue
		}
		if p.Metrics != nil {
			p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
		}

		// The client side of the tunnel speaks HTTP/1.1 whatever protocol
		// the upstream used.
		resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
		if resp.ContentLength < 0 && hasBody(req.Method, resp.StatusCode) {
			resp.TransferEncoding = []string{"chunked"}
		}
		err = resp.Write(conn)
		_ = resp.Body.Close()
		p.logFlow(flow, req.Method, req.URL.Path, "https", resp.StatusCode, resp.ContentLength, start, err)
		if err != nil {
			p.Logger.Debug("write response", "error", err)
			return
		}
	}
}

// handleHTTP handles plain HTTP requests (non-CONNECT).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordFlow(HookRequest)
	}
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	start := time.Now()
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	flow := &Flow{
		Request:    r,
		Host:       stripPort(host),
		ClientAddr: r.RemoteAddr,
	}
	p.runHooks(HookRequest, flow)

	if flow.Response != nil {
		p.recordBlocked(HookRequest, flow)
		n := copyResponse(w, flow.Response)
		p.logFlow(flow, r.Method, r.URL.Path, "http", flow.Response.StatusCode, n, start, nil)
		return
	}

	resp, err := p.forwardRequest(r)
	if err != nil {
		p.Logger.Error("forward request", "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(r.Host)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		p.logFlow(flow, r.Method, r.URL.Path, "http", http.StatusBadGateway, 0, start, err)
		return
	}
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	n := copyResponse(w, resp)
	p.logFlow(flow, r.Method, r.URL.Path, "http", resp.StatusCode, n, start, nil)
}

// runHooks calls the given hook on every addon until one sets a response.
// A panicking addon is logged and skipped, leaving the flow untouched.
func (p *Proxy) runHooks(hook string, f *Flow) {
	for _, a := range p.addons {
		if p.callHook(hook, a, f) && f.Response != nil {
			return
		}
	}
}

func (p *Proxy) callHook(hook string, a Addon, f *Flow) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.Logger.Error("addon panicked, passing flow through",
				"hook", hook, "host", f.Host, "panic", rec)
			if p.Metrics != nil {
				p.Metrics.RecordHookPanic(hook)
			}
			f.Response = nil
			f.Reason = ""
			ok = false
		}
	}()

	switch hook {
	case HookConnect:
		a.OnConnect(f)
	default:
		a.OnRequest(f)
	}
	return true
}

func (p *Proxy) recordBlocked(hook string, f *Flow) {
	p.Logger.Info("blocked", "hook", hook, "host", f.Host, "reason", f.Reason)
	if p.Metrics != nil {
		p.Metrics.RecordBlocked(hook, f.Reason)
	}
}

func (p *Proxy) logFlow(f *Flow, method, path, scheme string, status int, n int64, start time.Time, err error) {
	if p.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    start,
		Method:       method,
		Host:         f.Host,
		Path:         path,
		Scheme:       scheme,
		Secure:       f.Secure,
		StatusCode:   status,
		Duration:     time.Since(start),
		BytesWritten: n,
		ClientAddr:   f.ClientAddr,
		Blocked:      f.Response != nil,
		BlockReason:  f.Reason,
		UserAgent:    f.Request.UserAgent(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AccessLog.Log(e)
}

// forwardRequest sends the request to the actual server.
func (p *Proxy) forwardRequest(req *http.Request) (*http.Response, error) {
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	return p.transport().RoundTrip(outReq)
}

func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.TransportPool != nil:
		return p.TransportPool.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return http.DefaultTransport
	}
}

func (p *Proxy) readHeaderTimeout() time.Duration {
	if p.ReadHeaderTimeout > 0 {
		return p.ReadHeaderTimeout
	}
	return 30 * time.Second
}

func (p *Proxy) idleTimeout() time.Duration {
	if p.IdleTimeout > 0 {
		return p.IdleTimeout
	}
	return 60 * time.Second
}

// writeErrorResponse writes an error response.
func (p *Proxy) writeErrorResponse(w io.Writer, err error) {
	body := fmt.Sprintf("Proxy Error: %v", err)
	resp := &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(w)
}

// writeResponse serializes an addon response onto a raw connection.
func writeResponse(w io.Writer, resp *http.Response) error {
	if resp.ProtoMajor == 0 {
		resp.ProtoMajor, resp.ProtoMinor = 1, 1
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.Write(w)
}

// copyResponse writes resp to an http.ResponseWriter and returns the number
// of body bytes written.
func copyResponse(w http.ResponseWriter, resp *http.Response) int64 {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body == nil {
		return 0
	}
	defer func() { _ = resp.Body.Close() }()
	n, _ := io.Copy(w, resp.Body)
	return n
}

// hasBody reports whether a response to method with status carries a body
// on the wire.
func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
