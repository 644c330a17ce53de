// Package relay uploads local files to an external storage endpoint and returns
// the public link it answers with.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"resty.dev/v3"
)

const (
	defaultFileField = "file"
	defaultTimeout   = 10 * time.Minute
	retryBackoff     = 2 * time.Second
)

type Options struct {
	Endpoint  string
	FileField string
	// LinkField is a dot separated path into a JSON response, e.g. "data.url".
	// When empty the trimmed response body is the link.
	LinkField string
	Timeout   time.Duration
	Retries   int
	Headers   map[string]string
}

// Client posts one multipart upload per file.
type Client struct {
	client    *resty.Client
	endpoint  string
	fileField string
	linkField string
	retries   int
	backoff   time.Duration
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("relay endpoint is required")
	}
	if opts.FileField == "" {
		opts.FileField = defaultFileField
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetHeaders(opts.Headers)

	return &Client{
		client:    client,
		endpoint:  opts.Endpoint,
		fileField: opts.FileField,
		linkField: opts.LinkField,
		retries:   max(opts.Retries, 0),
		backoff:   retryBackoff,
	}, nil
}

// Relay uploads path and returns the link. Retryable failures are retried with a fixed
// backoff; a cancelled context stops immediately.
func (c *Client) Relay(ctx context.Context, path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return "", ctx.Err() //nolint:wrapcheck
			}
			log.Info().Str("file", path).Int("attempt", attempt+1).Msg("retrying upload")
		}

		link, retryable, err := c.upload(ctx, path)
		if err == nil {
			return link, nil
		}
		lastErr = err
		log.Warn().Str("file", path).Int("attempt", attempt+1).Bool("retryable", retryable).Err(err).Msg("upload attempt failed")
		if ctx.Err() != nil {
			return "", ctx.Err() //nolint:wrapcheck
		}
		if !retryable {
			break
		}
	}
	return "", lastErr
}

// upload performs one attempt. Transport failures and 5xx answers are retryable;
// a 4xx rejection or an unusable response body is not.
func (c *Client) upload(ctx context.Context, path string) (string, bool, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetFile(c.fileField, path).
		Post(c.endpoint)
	if err != nil {
		return "", true, fmt.Errorf("upload: %w", err)
	}
	if resp.IsError() {
		return "", resp.StatusCode() >= http.StatusInternalServerError,
			fmt.Errorf("upload rejected: http %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	link, err := extractLink(resp.String(), c.linkField)
	return link, false, err
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.client.Close() //nolint:wrapcheck
}

func extractLink(body, field string) (string, error) {
	if field == "" {
		link := strings.TrimSpace(body)
		if link == "" {
			return "", errors.New("empty upload response")
		}
		return link, nil
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	cur := doc
	for _, key := range strings.Split(field, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("upload response has no %q", field)
		}
		cur = obj[key]
	}
	link, ok := cur.(string)
	if !ok || strings.TrimSpace(link) == "" {
		return "", fmt.Errorf("upload response has no %q", field)
	}
	return strings.TrimSpace(link), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
