package fetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/rs/zerolog/log"

	"mediarelay/internal/task"
)

// YTDLP fetches media pages (video hosts, playlists reduced to one item) through yt-dlp.
// The yt-dlp binary must be on PATH.
type YTDLP struct {
	format string
}

// NewYTDLP returns a yt-dlp backed fetcher. An empty format lets yt-dlp pick.
func NewYTDLP(format string) *YTDLP {
	return &YTDLP{format: format}
}

// Fetch downloads sourceURL next to destPath. yt-dlp decides the extension, so the
// final path is reported in ArtifactMeta.Path.
func (y *YTDLP) Fetch(ctx context.Context, sourceURL, destPath string, onProgress task.ProgressFunc) (task.ArtifactMeta, error) {
	var meta task.ArtifactMeta

	dl := ytdlp.New().
		NoPlaylist().
		ForceOverwrites().
		RestrictFilenames().
		Output(strings.TrimSuffix(destPath, filepath.Ext(destPath)) + ".%(ext)s")
	if y.format != "" {
		dl = dl.Format(y.format)
	}

	dl.ProgressFunc(sampleInterval, func(update ytdlp.ProgressUpdate) {
		if update.Info != nil && update.Info.Title != nil && meta.Title == "" {
			meta.Title = *update.Info.Title
		}
		if update.Filename != "" {
			meta.Path = update.Filename
		}
		if onProgress != nil {
			onProgress(sampleFromUpdate(update))
		}
	})

	result, err := dl.Run(ctx, sourceURL)
	if err != nil {
		if ctx.Err() != nil {
			return meta, ctx.Err() //nolint:wrapcheck
		}
		log.Warn().Str("url", sourceURL).Err(err).Msg("yt-dlp failed")
		return meta, fmt.Errorf("yt-dlp: %w", err)
	}

	if info, err := result.GetExtractedInfo(); err == nil && len(info) > 0 {
		if info[0].Filename != nil {
			meta.Path = *info[0].Filename
		}
		if info[0].Title != nil && meta.Title == "" {
			meta.Title = *info[0].Title
		}
	}
	if meta.Path == "" {
		return meta, errors.New("yt-dlp reported no output file")
	}
	return meta, nil
}

func sampleFromUpdate(update ytdlp.ProgressUpdate) task.ProgressSample {
	sample := task.ProgressSample{
		Done:  int64(update.DownloadedBytes),
		Total: int64(update.TotalBytes),
		ETA:   update.ETA(),
	}
	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
			sample.Rate = float64(update.DownloadedBytes) / elapsed
		}
	}
	return sample
}
