package blocker

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per flow.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	Timestamp time.Time

	// Method is the HTTP method; CONNECT for a tunnel decision.
	Method string

	// Host is the target hostname without port.
	Host string

	Path   string
	Scheme string

	// Secure is true for requests decrypted from an intercepted tunnel.
	Secure bool

	// StatusCode sent to the client.
	StatusCode int

	Duration     time.Duration
	BytesWritten int64
	ClientAddr   string

	// Blocked is true if the block page was served.
	Blocked bool

	// BlockReason is the configured domain that matched.
	BlockReason string

	Error     string
	UserAgent string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 13)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.Bool("secure", e.Secure),
		slog.String("client", e.ClientAddr),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
	)

	if e.Blocked {
		attrs = append(attrs,
			slog.Bool("blocked", true),
			slog.String("block_reason", e.BlockReason),
		)
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
