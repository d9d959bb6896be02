package blocker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout bounds graceful shutdown of both servers.
const DefaultShutdownTimeout = 10 * time.Second

// App wires the registry, the intercepting proxy and the control server
// together and runs them until the context is cancelled.
type App struct {
	Registry  *Registry
	BlockPage *BlockPage
	Proxy     *Proxy
	Control   *ControlServer
	Metrics   *Metrics
	Health    *Health

	// OpenBrowser is called with the loopback admin URL once both
	// listeners are bound. Nil disables it.
	OpenBrowser func(url string) error

	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// NewApp builds an App from cfg. The CA must already be loaded.
func NewApp(cfg Config, cm *CertManager, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cm == nil {
		return nil, errors.New("app: nil CertManager")
	}

	reg := NewRegistry(cfg.Domains)
	page := LoadBlockPage(cfg.BlockPage.Path, logger)

	var metrics *Metrics
	if cfg.Admin.Metrics {
		metrics = NewMetrics()
		metrics.ObserveRegistry(reg)
	}

	if cfg.TLS.CertCacheSize > 0 {
		if err := cm.SetCacheSize(cfg.TLS.CertCacheSize); err != nil {
			return nil, fmt.Errorf("cert cache: %w", err)
		}
	}
	cm.Metrics = metrics

	proxy := NewProxy(cfg.Proxy.Addr, cm)
	proxy.Logger = logger.With("component", "proxy")
	proxy.Metrics = metrics
	proxy.TransportPool = NewTransportPoolFromConfig(cfg.Upstream)
	proxy.TransportPool.Logger = logger.With("component", "upstream")
	if metrics != nil {
		metrics.ObserveTransportPool(proxy.TransportPool)
	}
	proxy.ReadHeaderTimeout = cfg.Proxy.ReadHeaderTimeout
	proxy.IdleTimeout = cfg.Proxy.IdleTimeout
	if cfg.AccessLog.Enabled {
		proxy.AccessLog = NewAccessLogger(logger.With("component", "access"))
	}
	proxy.AddAddon(NewInterceptor(reg, page))

	health := NewHealth("proxy", "admin")
	health.AddCheck("block page", func() error {
		if page.IsFallback() {
			return errors.New("fallback in use")
		}
		return nil
	})

	control := NewControlServer(cfg.Admin.Addr, reg)
	control.Logger = logger.With("component", "admin")
	control.BlockPage = page
	control.Metrics = metrics
	control.Health = health
	if cfg.Admin.Compress {
		cc := DefaultCompressionConfig()
		control.Compression = &cc
	}

	app := &App{
		Registry:        reg,
		BlockPage:       page,
		Proxy:           proxy,
		Control:         control,
		Metrics:         metrics,
		Health:          health,
		ShutdownTimeout: DefaultShutdownTimeout,
		Logger:          logger,
	}
	if cfg.Admin.OpenBrowser {
		app.OpenBrowser = browser.OpenURL
	}
	return app, nil
}

// Run binds both listeners, then serves until ctx is cancelled or either
// server fails. A bind failure on either port is returned before anything
// is served.
func (a *App) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}

	a.Health.MarkUp("proxy")
	a.Health.MarkUp("admin")
	a.Health.SetAlive(true)
	a.announce()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Proxy.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.Control.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		return a.shutdown()
	})

	if err := g.Wait(); err != nil {
		a.Logger.Error("servers stopped with error", "error", err)
		return err
	}

	a.Logger.Info("servers stopped gracefully")
	return nil
}

// Listen binds the proxy and admin listeners. If the second bind fails the
// first listener is released.
func (a *App) Listen() error {
	if err := a.Proxy.Listen(); err != nil {
		return err
	}
	if err := a.Control.Listen(); err != nil {
		_ = a.Proxy.Shutdown(context.Background())
		return err
	}
	return nil
}

func (a *App) shutdown() error {
	a.Health.SetAlive(false)
	a.Health.MarkDown("proxy")
	a.Health.MarkDown("admin")

	timeout := a.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := errors.Join(
		a.Proxy.Shutdown(ctx),
		a.Control.Shutdown(ctx),
	)
	if a.Proxy.TransportPool != nil {
		a.Proxy.TransportPool.CloseIdleConnections()
	}
	return err
}

func (a *App) announce() {
	a.Logger.Info("proxy ready",
		"addr", a.Proxy.ListenAddr().String(),
		"outbound_ip", OutboundIP(),
		"domains", a.Registry.Len())

	advertised, local := AdminURLs(a.Control.ListenAddr())
	a.Logger.Info("admin page", "url", advertised)

	if a.OpenBrowser == nil {
		return
	}
	if err := a.OpenBrowser(local); err != nil {
		a.Logger.Warn("could not open browser", "url", local, "error", err)
	}
}
