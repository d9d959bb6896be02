package blocker

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadBlockPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block_page.html")
	content := []byte("<html><body>ブロック中</body></html>")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	bp := LoadBlockPage(path, discardLogger())

	if bp.IsFallback() {
		t.Error("expected file content, got fallback")
	}
	if !bytes.Equal(bp.Bytes(), content) {
		t.Errorf("body = %q, want %q", bp.Bytes(), content)
	}
	if bp.Source() != path {
		t.Errorf("source = %q, want %q", bp.Source(), path)
	}
}

func TestLoadBlockPage_MissingFile(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	bp := LoadBlockPage(filepath.Join(t.TempDir(), "missing.html"), logger)

	if !bp.IsFallback() {
		t.Error("expected fallback page")
	}
	if string(bp.Bytes()) != FallbackBlockPageHTML {
		t.Errorf("body = %q, want fallback", bp.Bytes())
	}
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("expected a warning, got %q", logs.String())
	}
}

func TestBlockPage_BytesIsCopy(t *testing.T) {
	bp := NewBlockPage([]byte("original"))

	b := bp.Bytes()
	b[0] = 'X'

	if string(bp.Bytes()) != "original" {
		t.Error("block page must be immutable")
	}
}

func TestBlockPage_Response(t *testing.T) {
	bp := NewBlockPage([]byte("<p>blocked</p>"))

	resp := bp.Response(nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if resp.ContentLength != int64(bp.Len()) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, bp.Len())
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<p>blocked</p>" {
		t.Errorf("body = %q", body)
	}

	// Each response gets its own reader.
	body2, _ := io.ReadAll(bp.Response(nil).Body)
	if string(body2) != "<p>blocked</p>" {
		t.Errorf("second body = %q", body2)
	}
}

func TestBlockPage_ServeHTTP(t *testing.T) {
	bp := NewBlockPage([]byte("<p>blocked</p>"))

	rec := httptest.NewRecorder()
	bp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/block-page", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != BlockPageContentType {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "<p>blocked</p>" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestDefaultBlockPageHTML(t *testing.T) {
	if !strings.HasPrefix(DefaultBlockPageHTML, "<!DOCTYPE html>") {
		t.Error("default page should be a full HTML document")
	}
}
