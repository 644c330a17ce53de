package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediarelay/internal/task"
)

func newStubServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clip.mp4":
			w.Header().Set("Content-Length", "4096")
			_, _ = w.Write(bytes.Repeat([]byte("x"), 4096))
		case "/named":
			w.Header().Set("Content-Disposition", `attachment; filename="holiday.mkv"`)
			_, _ = w.Write([]byte("hello"))
		case "/bad":
			http.Error(w, "nope", http.StatusTeapot)
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestHTTPFetchWritesArtifact(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "source.mp4")
	var samples []task.ProgressSample
	meta, err := NewHTTP(2*time.Second).Fetch(context.Background(), srv.URL+"/clip.mp4", dest, func(s task.ProgressSample) {
		samples = append(samples, s)
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if meta.SizeBytes != 4096 || meta.Title != "clip.mp4" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	b, err := os.ReadFile(dest)
	if err != nil || len(b) != 4096 {
		t.Fatalf("artifact not written: %d bytes, err=%v", len(b), err)
	}
	if len(samples) == 0 {
		t.Fatalf("expected progress samples")
	}
	last := samples[len(samples)-1]
	if last.Done != 4096 || last.Total != 4096 {
		t.Fatalf("final sample should report completion: %+v", last)
	}
}

func TestHTTPFetchTitleFromContentDisposition(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	meta, err := NewHTTP(0).Fetch(context.Background(), srv.URL+"/named", filepath.Join(t.TempDir(), "a.bin"), nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if meta.Title != "holiday.mkv" {
		t.Fatalf("expected title from header, got %q", meta.Title)
	}
}

func TestHTTPFetchFailures(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()
	dir := t.TempDir()

	_, err := NewHTTP(time.Second).Fetch(context.Background(), srv.URL+"/bad", filepath.Join(dir, "bad.bin"), nil)
	if err == nil || !strings.Contains(err.Error(), "http 418") {
		t.Fatalf("expected http 418 error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "bad.bin")); !os.IsNotExist(statErr) {
		t.Fatalf("no artifact should be written on failure")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = NewHTTP(time.Minute).Fetch(ctx, srv.URL+"/slow", filepath.Join(dir, "slow.bin"), nil)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

type namedFetcher string

func (n namedFetcher) Fetch(context.Context, string, string, task.ProgressFunc) (task.ArtifactMeta, error) {
	return task.ArtifactMeta{Title: string(n)}, nil
}

func TestRouterPicksAdapter(t *testing.T) {
	r, err := NewRouter("auto", namedFetcher("http"), namedFetcher("ytdlp"), []string{"youtube.com", " Vimeo.com "})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	cases := map[string]string{
		"https://www.youtube.com/watch?v=1": "ytdlp",
		"https://vimeo.com/42":              "ytdlp",
		"https://notyoutube.com/v.mp4":      "http",
		"https://cdn.example.org/v.mp4":     "http",
	}
	for in, want := range cases {
		meta, _ := r.Fetch(context.Background(), in, "", nil)
		if meta.Title != want {
			t.Fatalf("%s routed to %s, want %s", in, meta.Title, want)
		}
	}

	forced, _ := NewRouter("ytdlp", namedFetcher("http"), namedFetcher("ytdlp"), nil)
	if meta, _ := forced.Fetch(context.Background(), "https://cdn.example.org/v.mp4", "", nil); meta.Title != "ytdlp" {
		t.Fatalf("forced mode ignored")
	}
	if _, err := NewRouter("torrent", nil, nil, nil); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
