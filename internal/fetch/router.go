// Package fetch holds the adapters that retrieve a remote resource into a local file.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"mediarelay/internal/task"
)

// Modes accepted by NewRouter.
const (
	ModeHTTP  = "http"
	ModeYTDLP = "ytdlp"
	ModeAuto  = "auto"
)

// Router picks an adapter per source URL. In auto mode hosts listed in ytdlpHosts
// (and their subdomains) go to yt-dlp, everything else is streamed over HTTP.
type Router struct {
	mode       string
	http       task.Fetcher
	ytdlp      task.Fetcher
	ytdlpHosts []string
}

func NewRouter(mode string, httpFetcher, ytdlpFetcher task.Fetcher, ytdlpHosts []string) (*Router, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeAuto
	}
	switch mode {
	case ModeHTTP, ModeYTDLP, ModeAuto:
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", mode)
	}
	hosts := make([]string, 0, len(ytdlpHosts))
	for _, h := range ytdlpHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Router{mode: mode, http: httpFetcher, ytdlp: ytdlpFetcher, ytdlpHosts: hosts}, nil
}

func (r *Router) Fetch(ctx context.Context, sourceURL, destPath string, onProgress task.ProgressFunc) (task.ArtifactMeta, error) {
	return r.pick(sourceURL).Fetch(ctx, sourceURL, destPath, onProgress) //nolint:wrapcheck
}

func (r *Router) pick(sourceURL string) task.Fetcher { //nolint:ireturn
	switch r.mode {
	case ModeHTTP:
		return r.http
	case ModeYTDLP:
		return r.ytdlp
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return r.http
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range r.ytdlpHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return r.ytdlp
		}
	}
	return r.http
}
