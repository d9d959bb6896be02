// Package blocker implements a filtering HTTPS proxy whose block list can be
// switched on and off at runtime from a small web page.
//
// # Architecture
//
// Three pieces share one [Registry]:
//
//   - [Proxy] is a man-in-the-middle proxy. Plain HTTP requests are
//     forwarded directly. CONNECT requests are answered, the client tunnel
//     is terminated with a leaf certificate issued by [CertManager], and the
//     decrypted requests are forwarded upstream.
//   - [Interceptor] is the [Addon] that consults the registry. A CONNECT to
//     a blocked host is answered with the block page and closed before any
//     certificate is issued. A plaintext request to a blocked host gets the
//     block page in place of the upstream response. Requests decrypted from
//     an allowed tunnel are never blocked.
//   - [ControlServer] serves the status page, the /toggle endpoint and a
//     JSON API over the same registry.
//
// [App] binds both listeners, then runs them until its context is
// cancelled.
//
// # Matching
//
// A host is blocked when any configured domain whose flag is on is a
// substring of it. Matching is case sensitive and does no label alignment,
// so "x.com" also matches "box.company":
//
//	reg := blocker.NewRegistry([]string{"youtube.com", "x.com"})
//	reg.IsBlocked("www.youtube.com") // true
//	reg.Toggle("youtube.com")
//	reg.IsBlocked("www.youtube.com") // false
//
// # Running
//
//	cm, err := blocker.LoadOrGenerateCA("ca.crt", "ca.key", "Domain Blocker", logger)
//	if err != nil {
//	    return err
//	}
//	app, err := blocker.NewApp(blocker.DefaultConfig(), cm, logger)
//	if err != nil {
//	    return err
//	}
//	return app.Run(ctx)
//
// Clients must trust the CA certificate for intercepted HTTPS to work.
//
// # Configuration
//
// [LoadConfig] reads blocker.yaml (or JSON/TOML) with BLOCKER_ environment
// overrides, and validates the result:
//
//	cfg, err := blocker.LoadConfig("")
//
// # Control API
//
//	GET  /                      status page
//	GET  /toggle?domain=D       flip D, redirect to /
//	GET  /api/domains           list domains and flags
//	GET  /api/domains/{domain}  one domain
//	PUT  /api/domains/{domain}  {"blocked": true|false}
//	GET  /block-page            preview of the block page
//	GET  /healthz, /readyz      liveness and readiness
//	GET  /metrics               Prometheus metrics
package blocker
