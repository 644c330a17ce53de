package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	fileutil "mediarelay/internal/file"
	"mediarelay/internal/task"
)

const (
	defaultHTTPTimeout = 30 * time.Minute
	sampleInterval     = 500 * time.Millisecond
)

// HTTP streams a plain http(s) resource into a local file.
type HTTP struct {
	client   *http.Client
	interval time.Duration
}

// NewHTTP returns a fetcher whose requests are bounded by timeout. Zero selects the default.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTP{client: &http.Client{Timeout: timeout}, interval: sampleInterval}
}

// Fetch downloads sourceURL to destPath. Progress is sampled at most every interval
// and once more when the body has been read.
func (h *HTTP) Fetch(ctx context.Context, sourceURL, destPath string, onProgress task.ProgressFunc) (task.ArtifactMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return task.ArtifactMeta{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		log.Warn().Str("url", sourceURL).Err(err).Msg("http request failed")
		return task.ArtifactMeta{}, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("url", sourceURL).Int("status", resp.StatusCode).Msg("unexpected status code")
		return task.ArtifactMeta{}, fmt.Errorf("http %d", resp.StatusCode)
	}

	counter := &countingReader{
		r:        resp.Body,
		total:    resp.ContentLength,
		started:  time.Now(),
		interval: h.interval,
		report:   onProgress,
	}
	n, err := fileutil.CopyAtomic(destPath, counter)
	if err != nil {
		return task.ArtifactMeta{}, fmt.Errorf("write artifact: %w", err)
	}
	counter.flush()

	return task.ArtifactMeta{SizeBytes: n, Title: deriveTitle(resp, sourceURL)}, nil
}

// countingReader reports throughput while the body is copied.
type countingReader struct {
	r        io.Reader
	total    int64
	done     int64
	started  time.Time
	last     time.Time
	interval time.Duration
	report   task.ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.done += int64(n)
	if time.Since(c.last) >= c.interval {
		c.flush()
	}
	return n, err //nolint:wrapcheck // io.Reader contract
}

func (c *countingReader) flush() {
	if c.report == nil {
		return
	}
	now := time.Now()
	c.last = now
	sample := task.ProgressSample{Done: c.done}
	if c.total > 0 {
		sample.Total = c.total
	}
	if elapsed := now.Sub(c.started).Seconds(); elapsed > 0 {
		sample.Rate = float64(c.done) / elapsed
	}
	if sample.Rate > 0 && sample.Total > sample.Done {
		sample.ETA = time.Duration(float64(sample.Total-sample.Done) / sample.Rate * float64(time.Second))
	}
	c.report(sample)
}

// deriveTitle prefers the Content-Disposition file name and falls back to the last path element.
func deriveTitle(resp *http.Response, sourceURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	p := resp.Request.URL.Path
	if p == "" {
		p = sourceURL
	}
	base := path.Base(strings.TrimRight(p, "/"))
	if base == "/" || base == "." || base == "" {
		return ""
	}
	return base
}
