package blocker

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding names as they appear in Accept-Encoding.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls response compression on the control server.
type CompressionConfig struct {
	// MinSize is the smallest body, in bytes, worth compressing.
	MinSize int

	// Level is passed to the encoder; 0 selects each encoder's default.
	Level int

	// ContentTypes lists compressible content-type prefixes.
	ContentTypes []string

	// PreferOrder is tried in order against what the client accepts.
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
		ContentTypes: []string{
			"text/",
			"application/json",
			"application/javascript",
			"image/svg+xml",
		},
	}
}

// Compress returns middleware that encodes responses with the best
// encoding the client accepts. The status line is held back until the
// body size is known so that small or non-text responses go out unchanged.
func Compress(cfg CompressionConfig) func(http.Handler) http.Handler {
	if len(cfg.PreferOrder) == 0 {
		cfg.PreferOrder = DefaultCompressionConfig().PreferOrder
	}
	if len(cfg.ContentTypes) == 0 {
		cfg.ContentTypes = DefaultCompressionConfig().ContentTypes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Accept-Encoding")

			enc := selectEncoding(cfg.PreferOrder, r.Header.Get("Accept-Encoding"))
			if enc == "" || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			cw := &compressWriter{ResponseWriter: w, encoding: enc, cfg: &cfg}
			defer func() { _ = cw.Close() }()
			next.ServeHTTP(cw, r)
		})
	}
}

// selectEncoding picks the first of prefer that the client accepts with a
// non-zero q value.
func selectEncoding(prefer []string, header string) string {
	if header == "" {
		return ""
	}
	accepted := parseAcceptEncoding(header)
	for _, enc := range prefer {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

func parseAcceptEncoding(header string) map[string]bool {
	out := make(map[string]bool)
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		ok := true
		if q, found := strings.CutPrefix(strings.TrimSpace(params), "q="); found {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				ok = false
			}
		}
		out[name] = ok
	}
	return out
}

type compressWriter struct {
	http.ResponseWriter
	encoding string
	cfg      *CompressionConfig

	status  int
	buf     []byte
	decided bool
	enc     io.WriteCloser
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.status == 0 {
		cw.status = code
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	if cw.decided {
		if cw.enc != nil {
			return cw.enc.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buf = append(cw.buf, b...)
	if len(cw.buf) < cw.cfg.MinSize {
		return len(b), nil
	}
	if err := cw.decide(true); err != nil {
		return 0, err
	}
	return len(b), nil
}

// decide commits the headers, compressing if allowed and eligible, then
// drains the buffer.
func (cw *compressWriter) decide(allowCompress bool) error {
	cw.decided = true
	if cw.status == 0 {
		cw.status = http.StatusOK
	}

	h := cw.Header()
	if h.Get("Content-Type") == "" && len(cw.buf) > 0 {
		h.Set("Content-Type", http.DetectContentType(cw.buf))
	}

	if allowCompress && cw.eligible() {
		h.Del("Content-Length")
		h.Set("Content-Encoding", cw.encoding)
		enc, err := newEncoder(cw.encoding, cw.cfg.Level, cw.ResponseWriter)
		if err == nil {
			cw.enc = enc
		} else {
			h.Del("Content-Encoding")
		}
	}

	cw.ResponseWriter.WriteHeader(cw.status)

	buf := cw.buf
	cw.buf = nil
	if len(buf) == 0 {
		return nil
	}
	var err error
	if cw.enc != nil {
		_, err = cw.enc.Write(buf)
	} else {
		_, err = cw.ResponseWriter.Write(buf)
	}
	return err
}

func (cw *compressWriter) eligible() bool {
	if cw.status < http.StatusOK || cw.status == http.StatusNoContent || cw.status == http.StatusNotModified {
		return false
	}
	h := cw.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	ct := strings.ToLower(h.Get("Content-Type"))
	for _, prefix := range cw.cfg.ContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// Close sends anything still buffered and finishes the encoded stream.
func (cw *compressWriter) Close() error {
	if !cw.decided {
		// Below MinSize: send as is.
		if err := cw.decide(false); err != nil {
			return err
		}
	}
	if cw.enc == nil {
		return nil
	}
	err := cw.enc.Close()
	if gz, ok := cw.enc.(*gzip.Writer); ok && cw.cfg.Level == 0 {
		gzipWriterPool.Put(gz)
	}
	cw.enc = nil
	return err
}

// Flush implements http.Flusher.
func (cw *compressWriter) Flush() {
	if !cw.decided {
		_ = cw.decide(true)
	}
	if f, ok := cw.enc.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

func newEncoder(encoding string, level int, w io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case EncodingGzip:
		if level != 0 {
			return gzip.NewWriterLevel(w, level)
		}
		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		return gz, nil
	case EncodingZstd:
		lvl := zstd.SpeedDefault
		if level != 0 {
			lvl = zstd.EncoderLevelFromZstd(level)
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
	case EncodingBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(w, level), nil
	default:
		return nil, http.ErrNotSupported
	}
}
