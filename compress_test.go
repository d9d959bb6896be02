package blocker

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func TestParseAcceptEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   map[string]bool
	}{
		{"gzip, deflate", map[string]bool{"gzip": true, "deflate": true}},
		{"gzip;q=0.8, br;q=1.0", map[string]bool{"gzip": true, "br": true}},
		{"br;q=0, gzip", map[string]bool{"br": false, "gzip": true}},
		{"GZIP", map[string]bool{"gzip": true}},
		{"identity", map[string]bool{}},
		{"", map[string]bool{}},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := parseAcceptEncoding(tt.header)
			if len(got) != len(tt.want) {
				t.Fatalf("parseAcceptEncoding(%q) = %v, want %v", tt.header, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseAcceptEncoding(%q)[%q] = %v, want %v", tt.header, k, got[k], v)
				}
			}
		})
	}
}

func TestSelectEncoding(t *testing.T) {
	prefer := DefaultCompressionConfig().PreferOrder
	tests := []struct {
		header string
		want   string
	}{
		{"gzip, br, zstd", EncodingBrotli},
		{"gzip, zstd", EncodingZstd},
		{"gzip", EncodingGzip},
		{"br;q=0, gzip", EncodingGzip},
		{"deflate", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := selectEncoding(prefer, tt.header); got != tt.want {
			t.Errorf("selectEncoding(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func compressedText(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(strings.Repeat("<tr><td>youtube.com</td></tr>", 50)))
}

func serveCompressed(t *testing.T, h http.HandlerFunc, acceptEncoding string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	rec := httptest.NewRecorder()
	Compress(DefaultCompressionConfig())(h).ServeHTTP(rec, req)
	return rec
}

func TestCompress_Encodings(t *testing.T) {
	want := strings.Repeat("<tr><td>youtube.com</td></tr>", 50)

	tests := []struct {
		encoding string
		decode   func(io.Reader) (io.Reader, error)
	}{
		{EncodingGzip, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
		{EncodingBrotli, func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }},
		{EncodingZstd, func(r io.Reader) (io.Reader, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			rec := serveCompressed(t, compressedText, tt.encoding)

			if got := rec.Header().Get("Content-Encoding"); got != tt.encoding {
				t.Fatalf("Content-Encoding = %q, want %q", got, tt.encoding)
			}
			if got := rec.Header().Get("Vary"); got != "Accept-Encoding" {
				t.Errorf("Vary = %q", got)
			}

			r, err := tt.decode(bytes.NewReader(rec.Body.Bytes()))
			if err != nil {
				t.Fatalf("decoder: %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if string(got) != want {
				t.Error("decompressed body mismatch")
			}
		})
	}
}

func TestCompress_NoAcceptEncoding(t *testing.T) {
	rec := serveCompressed(t, compressedText, "")
	if rec.Header().Get("Content-Encoding") != "" {
		t.Error("expected no Content-Encoding without Accept-Encoding")
	}
}

func TestCompress_BelowMinSize(t *testing.T) {
	rec := serveCompressed(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("small"))
	}, "gzip")

	if rec.Header().Get("Content-Encoding") != "" {
		t.Error("small responses should not be compressed")
	}
	if rec.Body.String() != "small" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestCompress_NonCompressibleType(t *testing.T) {
	rec := serveCompressed(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(bytes.Repeat([]byte{0x89}, 1024))
	}, "gzip")

	if rec.Header().Get("Content-Encoding") != "" {
		t.Error("image/png should not be compressed")
	}
	if rec.Body.Len() != 1024 {
		t.Errorf("body length = %d, want 1024", rec.Body.Len())
	}
}

func TestCompress_AlreadyEncoded(t *testing.T) {
	rec := serveCompressed(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Encoding", "identity-custom")
		_, _ = w.Write([]byte(strings.Repeat("a", 1024)))
	}, "gzip")

	if got := rec.Header().Get("Content-Encoding"); got != "identity-custom" {
		t.Errorf("Content-Encoding = %q, want identity-custom", got)
	}
}

func TestCompress_RedirectKeepsStatus(t *testing.T) {
	rec := serveCompressed(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	}, "gzip, br")

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rec.Code)
	}
	if rec.Header().Get("Location") != "/" {
		t.Errorf("Location = %q", rec.Header().Get("Location"))
	}
}

func TestCompress_StatusPreserved(t *testing.T) {
	rec := serveCompressed(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"` + strings.Repeat("x", 512) + `"}`))
	}, "gzip")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec.Header().Get("Content-Encoding") != EncodingGzip {
		t.Error("JSON error body should still be compressed")
	}
}

func BenchmarkCompress_Gzip(b *testing.B) {
	h := Compress(DefaultCompressionConfig())(http.HandlerFunc(compressedText))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	b.ReportAllocs()
	for b.Loop() {
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
}
