package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	blocker "github.com/J105588/Mitmproxy-Dynamic-Domain-Blocker"
)

func main() {
	var (
		// Config file; flags below override its values when set.
		configPath = flag.String("config", "", "path to config file (default: search ./blocker.yaml, ~/.blocker/blocker.yaml, /etc/blocker/blocker.yaml)")
		genConfig  = flag.String("gen-config", "", "write an example config file to this path and exit")

		addr           = flag.String("addr", "", "proxy listen address (default 0.0.0.0:8080)")
		adminAddr      = flag.String("admin-addr", "", "control page listen address (default 0.0.0.0:8082)")
		domains        = flag.String("domains", "", "comma-separated list of domains to block, replacing the configured list")
		blockPagePath  = flag.String("block-page", "", "path to the block page HTML file")
		noBrowser      = flag.Bool("no-browser", false, "do not open the control page in a browser")
		verbose        = flag.Bool("v", false, "verbose logging")
		genCA          = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		printBlockPage = flag.Bool("print-block-page", false, "print the default block page and exit")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Print(blocker.DefaultBlockPageHTML, "\n")
		return
	}

	if *genConfig != "" {
		if err := blocker.WriteExampleConfig(*genConfig); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genConfig)
		return
	}

	cfg, err := blocker.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *addr != "" {
		cfg.Proxy.Addr = *addr
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}
	if *domains != "" {
		cfg.Domains = splitList(*domains)
	}
	if *blockPagePath != "" {
		cfg.BlockPage.Path = *blockPagePath
	}
	if *noBrowser {
		cfg.Admin.OpenBrowser = false
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog.Close() }()
	slog.SetDefault(logger)

	if *genCA {
		if err := blocker.WriteCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization, 10); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		logger.Info("CA certificate generated", "cert", cfg.TLS.CACert, "key", cfg.TLS.CAKey)
		logger.Info("add the CA certificate to your system/browser trust store")
		return
	}

	cm, err := blocker.LoadOrGenerateCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization, logger)
	if err != nil {
		logger.Error("load CA certificate", "error", err)
		os.Exit(1)
	}

	app, err := blocker.NewApp(*cfg, cm, logger)
	if err != nil {
		logger.Error("build app", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "proxy", cfg.Proxy.Addr, "admin", cfg.Admin.Addr, "domains", len(cfg.Domains))
	logger.Info("configure your system proxy to use this address")
	logger.Info("ensure the CA certificate is trusted by your system/browser", "cert", cfg.TLS.CACert)

	if err := app.Run(ctx); err != nil {
		logger.Error("blocker stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for d := range strings.SplitSeq(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the process logger from the logging section. The
// returned closer releases the log file, if any.
func newLogger(c blocker.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, nil, err
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
		isTTY  bool
	)
	switch c.Output {
	case "stdout":
		w, isTTY = os.Stdout, term.IsTerminal(int(os.Stdout.Fd()))
	case "stderr", "":
		w, isTTY = os.Stderr, term.IsTerminal(int(os.Stderr.Fd()))
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	var h slog.Handler
	switch c.Format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "tint":
		h = tint.NewHandler(w, &tint.Options{NoColor: !isTTY, Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h), closer, nil
}
