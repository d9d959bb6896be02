package blocker

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// TransportPool builds the pooled upstream transport used to forward
// allowed traffic, and counts requests through it.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections per host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	IdleConnTimeout time.Duration

	// DialTimeout bounds the TCP dial.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the upstream TLS handshake.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	// Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 negotiates h2 with upstream servers via ALPN.
	EnableHTTP2 bool

	// InsecureSkipVerify disables upstream certificate verification.
	InsecureSkipVerify bool

	// Logger for transport setup problems. Defaults to slog.Default().
	Logger *slog.Logger

	transport atomic.Pointer[http.Transport]

	total  atomic.Int64
	active atomic.Int64
}

// TransportPoolStats holds a snapshot of transport statistics.
type TransportPoolStats struct {
	TotalRequests  int64
	ActiveRequests int64
}

// NewTransportPool creates a TransportPool with proxy-friendly defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// NewTransportPoolFromConfig creates a TransportPool from upstream settings.
// Zero values keep the defaults of NewTransportPool.
func NewTransportPoolFromConfig(c UpstreamConfig) *TransportPool {
	tp := NewTransportPool()
	if c.MaxIdleConns > 0 {
		tp.MaxIdleConns = c.MaxIdleConns
	}
	if c.MaxIdleConnsPerHost > 0 {
		tp.MaxIdleConnsPerHost = c.MaxIdleConnsPerHost
	}
	if c.IdleConnTimeout > 0 {
		tp.IdleConnTimeout = c.IdleConnTimeout
	}
	if c.DialTimeout > 0 {
		tp.DialTimeout = c.DialTimeout
	}
	if c.ResponseHeaderTimeout > 0 {
		tp.ResponseHeaderTimeout = c.ResponseHeaderTimeout
	}
	tp.EnableHTTP2 = c.HTTP2
	tp.InsecureSkipVerify = c.InsecureSkipVerify
	return tp
}

// Build creates the underlying transport, replacing any previous one.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := &tls.Config{InsecureSkipVerify: tp.InsecureSkipVerify} //nolint:gosec // operator opt-in
	if tp.EnableHTTP2 {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	t := &http.Transport{
		// The proxy is the client's proxy; never chain to the environment's.
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   tp.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     tp.EnableHTTP2,
	}
	if tp.EnableHTTP2 {
		_ = tp.configureHTTP2(t)
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// configureHTTP2 registers the x/net h2 transport on t so idle h2
// connections are health-checked. On failure t keeps the h2 support built
// into net/http and the error is logged.
func (tp *TransportPool) configureHTTP2(t *http.Transport) error {
	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		tp.logger().Warn("configure upstream http2, using net/http defaults", "error", err)
		return err
	}
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 15 * time.Second
	return nil
}

func (tp *TransportPool) logger() *slog.Logger {
	if tp.Logger != nil {
		return tp.Logger
	}
	return slog.Default()
}

// Transport returns a RoundTripper over the pooled transport, building it
// on first use.
func (tp *TransportPool) Transport() http.RoundTripper {
	return (*pooledRoundTripper)(tp)
}

// CloseIdleConnections closes all idle upstream connections.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.total.Load(),
		ActiveRequests: tp.active.Load(),
	}
}

type pooledRoundTripper TransportPool

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tp := (*TransportPool)(rt)
	tp.total.Add(1)
	tp.active.Add(1)
	defer tp.active.Add(-1)

	t := tp.transport.Load()
	if t == nil {
		t = tp.Build()
	}
	return t.RoundTrip(req)
}
