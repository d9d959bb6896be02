package blocker

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultDomains is the blocklist used when none is configured. The
// "google,com" entry is kept verbatim; it matches nothing.
var DefaultDomains = []string{
	"youtube.com",
	"tiktok.com",
	"x.com",
	"twitter.com",
	"instagram.com",
	"google,com",
}

// Config is the complete blocker configuration.
type Config struct {
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Domains   []string        `mapstructure:"domains" validate:"min=1,dive,required"`
	BlockPage BlockPageConfig `mapstructure:"block_page"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	AccessLog AccessLogConfig `mapstructure:"access_log"`
}

// ProxyConfig configures the intercepting listener.
type ProxyConfig struct {
	// Addr is the proxy listen address.
	Addr string `mapstructure:"addr" validate:"required,listen_addr"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gte=0"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
}

// AdminConfig configures the control server.
type AdminConfig struct {
	// Addr is the control server listen address.
	Addr string `mapstructure:"addr" validate:"required,listen_addr"`

	// OpenBrowser opens the control page in the local browser at startup.
	OpenBrowser bool `mapstructure:"open_browser"`

	// Compress enables br/zstd/gzip response compression.
	Compress bool `mapstructure:"compress"`

	// Metrics mounts /metrics on the control server.
	Metrics bool `mapstructure:"metrics"`
}

// BlockPageConfig locates the block page file.
type BlockPageConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TLSConfig locates the interception CA.
type TLSConfig struct {
	// CACert and CAKey are created on first run when both are missing.
	CACert string `mapstructure:"ca_cert" validate:"required"`
	CAKey  string `mapstructure:"ca_key" validate:"required"`

	// Organization is written into generated certificates.
	Organization string `mapstructure:"organization"`

	// CertCacheSize bounds the number of cached leaf certificates.
	CertCacheSize int `mapstructure:"cert_cache_size" validate:"gte=1"`
}

// UpstreamConfig tunes the transport used for allowed traffic.
// Zero values fall back to the TransportPool defaults.
type UpstreamConfig struct {
	MaxIdleConns          int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host" validate:"gte=0"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout" validate:"gte=0"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" validate:"gte=0"`
	HTTP2                 bool          `mapstructure:"http2"`
	InsecureSkipVerify    bool          `mapstructure:"insecure_skip_verify"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the log format: text, json, tint
	Format string `mapstructure:"format" validate:"oneof=text json tint"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output" validate:"required"`
}

// AccessLogConfig toggles the per-flow access log.
type AccessLogConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			Addr:              "0.0.0.0:8080",
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Admin: AdminConfig{
			Addr:        "0.0.0.0:8082",
			OpenBrowser: true,
			Compress:    true,
			Metrics:     true,
		},
		Domains: append([]string(nil), DefaultDomains...),
		BlockPage: BlockPageConfig{
			Path: "block_page.html",
		},
		TLS: TLSConfig{
			CACert:        "ca.crt",
			CAKey:         "ca.key",
			Organization:  "Domain Blocker",
			CertCacheSize: DefaultCertCacheSize,
		},
		Upstream: UpstreamConfig{
			HTTP2: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./blocker.yaml (or .yml, .json, .toml)
// 3. $HOME/.blocker/blocker.yaml
// 4. /etc/blocker/blocker.yaml
//
// Environment variables use the BLOCKER_ prefix with dots replaced by
// underscores, e.g. BLOCKER_ADMIN_ADDR.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigName("blocker")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.blocker")
	v.AddConfigPath("/etc/blocker")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	return decode(v)
}

// LoadConfigFromReader loads configuration from raw bytes of the given
// type (yaml, json, toml). Environment overrides still apply.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BLOCKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("proxy.addr", d.Proxy.Addr)
	v.SetDefault("proxy.read_header_timeout", d.Proxy.ReadHeaderTimeout)
	v.SetDefault("proxy.idle_timeout", d.Proxy.IdleTimeout)

	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("admin.open_browser", d.Admin.OpenBrowser)
	v.SetDefault("admin.compress", d.Admin.Compress)
	v.SetDefault("admin.metrics", d.Admin.Metrics)

	v.SetDefault("domains", d.Domains)
	v.SetDefault("block_page.path", d.BlockPage.Path)

	v.SetDefault("tls.ca_cert", d.TLS.CACert)
	v.SetDefault("tls.ca_key", d.TLS.CAKey)
	v.SetDefault("tls.organization", d.TLS.Organization)
	v.SetDefault("tls.cert_cache_size", d.TLS.CertCacheSize)

	v.SetDefault("upstream.max_idle_conns", d.Upstream.MaxIdleConns)
	v.SetDefault("upstream.max_idle_conns_per_host", d.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.idle_conn_timeout", d.Upstream.IdleConnTimeout)
	v.SetDefault("upstream.dial_timeout", d.Upstream.DialTimeout)
	v.SetDefault("upstream.response_header_timeout", d.Upstream.ResponseHeaderTimeout)
	v.SetDefault("upstream.http2", d.Upstream.HTTP2)
	v.SetDefault("upstream.insecure_skip_verify", d.Upstream.InsecureSkipVerify)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	v.SetDefault("access_log.enabled", d.AccessLog.Enabled)
}

// Validate checks field constraints. Listen addresses accept an empty
// host (":8080") and port 0.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("listen_addr", validListenAddr); err != nil {
		return fmt.Errorf("register validation: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validListenAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if n, err := strconv.ParseUint(port, 10, 16); err != nil || n > 65535 {
		return false
	}
	return host == "" || net.ParseIP(host) != nil || !strings.ContainsAny(host, " /")
}

// WriteExampleConfig writes an example configuration file. It refuses to
// overwrite an existing file.
func WriteExampleConfig(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("write example config: %w", err)
	}
	if _, err := f.WriteString(exampleConfig); err != nil {
		_ = f.Close()
		return fmt.Errorf("write example config: %w", err)
	}
	return f.Close()
}

const exampleConfig = `# Dynamic domain blocker configuration
# Every key can be overridden with a BLOCKER_ environment variable,
# e.g. BLOCKER_ADMIN_ADDR=127.0.0.1:9000

proxy:
  # Point clients' HTTP and HTTPS proxy at this address
  addr: "0.0.0.0:8080"
  read_header_timeout: 30s
  idle_timeout: 60s

admin:
  # Control page; plain HTTP, no authentication
  addr: "0.0.0.0:8082"
  open_browser: true
  compress: true
  metrics: true

# Hosts containing any of these strings are blocked while their flag is on.
# Entries are matched verbatim (no case folding).
domains:
  - "youtube.com"
  - "tiktok.com"
  - "x.com"
  - "twitter.com"
  - "instagram.com"
  - "google,com"

block_page:
  # Served for every blocked flow; a built-in page is used if missing
  path: "block_page.html"

tls:
  # Interception CA, generated on first run when both files are missing.
  # Clients must trust ca.crt.
  ca_cert: "ca.crt"
  ca_key: "ca.key"
  organization: "Domain Blocker"
  cert_cache_size: 1024

upstream:
  # max_idle_conns: 200
  # max_idle_conns_per_host: 10
  # idle_conn_timeout: 90s
  # dial_timeout: 30s
  # response_header_timeout: 60s
  http2: true
  insecure_skip_verify: false

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json, tint
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"

access_log:
  enabled: false
`
