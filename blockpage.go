package blocker

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
)

// BlockPageContentType is the Content-Type of every block page response.
const BlockPageContentType = "text/html; charset=utf-8"

// FallbackBlockPageHTML is served when the block page file cannot be read.
const FallbackBlockPageHTML = "<h1>Access blocked</h1>"

// DefaultBlockPageHTML is a starting point for a custom block page file.
// It is printed by the -print-block-page flag and is not used at runtime.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Access Blocked</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #1a1a2e;
            min-height: 100vh;
            margin: 0;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e0e0e0;
        }
        .container {
            background: rgba(255, 255, 255, 0.05);
            border-radius: 20px;
            padding: 40px 50px;
            max-width: 600px;
            width: 90%;
            border: 1px solid rgba(255, 255, 255, 0.1);
            text-align: center;
        }
        h1 {
            font-size: 28px;
            color: #fff;
        }
        p {
            color: #a0a0a0;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>Access Blocked</h1>
        <p>This site is blocked right now. Ask the person running this proxy to allow it from the control page.</p>
    </div>
</body>
</html>
`

// BlockPage is the immutable HTML payload substituted for blocked traffic.
type BlockPage struct {
	body     []byte
	source   string
	fallback bool
}

// NewBlockPage creates a BlockPage from body. The slice is copied.
func NewBlockPage(body []byte) *BlockPage {
	return &BlockPage{body: bytes.Clone(body), source: "inline"}
}

// LoadBlockPage reads the block page from path. A missing or unreadable file
// is not fatal: the fallback page is used and a warning is logged.
func LoadBlockPage(path string, logger *slog.Logger) *BlockPage {
	if logger == nil {
		logger = slog.Default()
	}

	body, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("block page not loaded, using fallback", "file", path, "error", err)
		return &BlockPage{
			body:     []byte(FallbackBlockPageHTML),
			source:   path,
			fallback: true,
		}
	}

	logger.Info("loaded block page", "file", path, "bytes", len(body))
	return &BlockPage{body: body, source: path}
}

// Bytes returns a copy of the page body.
func (bp *BlockPage) Bytes() []byte {
	return bytes.Clone(bp.body)
}

// Len returns the body size in bytes.
func (bp *BlockPage) Len() int {
	return len(bp.body)
}

// IsFallback reports whether the fallback page is in use.
func (bp *BlockPage) IsFallback() bool {
	return bp.fallback
}

// Source returns the file the page was loaded from, or "inline".
func (bp *BlockPage) Source() string {
	return bp.source
}

// Response builds the synthetic 200 response carrying the block page.
func (bp *BlockPage) Response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   {BlockPageContentType},
			"Content-Length": {strconv.Itoa(len(bp.body))},
		},
		Body:          io.NopCloser(bytes.NewReader(bp.body)),
		ContentLength: int64(len(bp.body)),
		Request:       req,
	}
}

// ServeHTTP implements http.Handler for previewing the block page.
func (bp *BlockPage) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", BlockPageContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bp.body)
}
