// Package chunk splits large artifacts into ordered, size-bounded segment files.
//
// Splitting is byte-based: segment i holds bytes [i*max, (i+1)*max) of the source, so
// concatenating the segments in order reproduces the source exactly.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	fileutil "mediarelay/internal/file"
)

// Segment is one produced piece of the source artifact.
type Segment struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

// ProgressFunc is invoked after each segment is written.
type ProgressFunc func(done, total int)

var ErrInvalidSize = errors.New("segment size must be positive")

// Count returns how many segments an artifact of the given size produces.
func Count(size, maxSize int64) int {
	if maxSize <= 0 || size <= 0 {
		return 0
	}
	return int((size + maxSize - 1) / maxSize)
}

// NeedsSplit reports whether an artifact exceeds the threshold.
func NeedsSplit(size, threshold int64) bool {
	return threshold > 0 && size > threshold
}

// Split writes the segments of srcPath into dstDir as part-001<ext>, part-002<ext>, ...
// Segments already written are removed if a later one fails.
func Split(ctx context.Context, srcPath, dstDir string, maxSize int64, onProgress ProgressFunc) ([]Segment, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	src, err := os.Open(srcPath) //nolint:gosec // path is owned by the pipeline
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	total := Count(info.Size(), maxSize)
	if total == 0 {
		return nil, fmt.Errorf("source %s is empty", srcPath)
	}
	if err := fileutil.EnsureDir(dstDir); err != nil {
		return nil, err //nolint:wrapcheck
	}

	ext := filepath.Ext(srcPath)
	segments := make([]Segment, 0, total)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			removeSegments(segments)
			return nil, err //nolint:wrapcheck
		}
		offset := int64(i) * maxSize
		section := io.NewSectionReader(src, offset, maxSize)
		segPath := filepath.Join(dstDir, fmt.Sprintf("part-%03d%s", i+1, ext))
		written, err := fileutil.CopyAtomic(segPath, section)
		if err != nil {
			removeSegments(segments)
			return nil, fmt.Errorf("write segment %d: %w", i+1, err)
		}
		segments = append(segments, Segment{Index: i, Path: segPath, Size: written})
		if onProgress != nil {
			onProgress(i+1, total)
		}
	}
	return segments, nil
}

func removeSegments(segments []Segment) {
	for _, s := range segments {
		_ = os.Remove(s.Path)
	}
}
