package task

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"mediarelay/internal/chunk"
	fileutil "mediarelay/internal/file"
	"mediarelay/internal/history"
)

// runPipeline executes the stages of one admitted task. It is the single exit path:
// the working directory is removed and the admission slot released exactly once,
// whatever stage failed.
func (m *Manager) runPipeline(ctx context.Context, taskID string) {
	defer m.scheduler.Release(taskID)
	defer m.forgetCancel(taskID)

	workDir := m.workDir(taskID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Str("task_id", taskID).Err(err).Msg("remove work dir failed")
		}
	}()

	if err := m.process(ctx, taskID, workDir); err != nil {
		if isCancellation(ctx, err) {
			err = &Error{Kind: KindCancelled, Err: ErrCancelled}
		}
		m.failTask(taskID, err)
	}
}

func (m *Manager) process(ctx context.Context, taskID, workDir string) error {
	if err := m.store.Transition(taskID, StateProcessing, Change{Message: "Processing URL", Percent: 5}); err != nil {
		return newError(KindInternal, "start processing: %w", err)
	}
	rec, err := m.store.Get(taskID)
	if err != nil {
		return newError(KindInternal, "load task: %w", err)
	}
	log.Info().Str("task_id", taskID).Str("url", rec.SourceURL).Msg("task processing started")

	_ = m.store.AppendProgress(taskID, ProgressEvent{Message: "Validating link", Percent: 10})
	if err := validateSource(rec.SourceURL); err != nil {
		return err
	}

	artifactPath, meta, err := m.fetch(ctx, taskID, rec.SourceURL, workDir)
	if err != nil {
		return err
	}

	segments, err := m.segment(ctx, taskID, artifactPath, workDir, meta)
	if err != nil {
		return err
	}

	if err := m.relaySegments(ctx, taskID, segments, meta); err != nil {
		return err
	}
	return m.complete(taskID)
}

func (m *Manager) fetch(ctx context.Context, taskID, sourceURL, workDir string) (string, ArtifactMeta, error) {
	if err := m.store.Transition(taskID, StateFetching, Change{Message: "Download started"}); err != nil {
		return "", ArtifactMeta{}, newError(KindInternal, "enter fetching: %w", err)
	}
	if err := fileutil.EnsureDir(workDir); err != nil {
		return "", ArtifactMeta{}, newError(KindInternal, "failed to create work dir: %w", err)
	}
	dest := filepath.Join(workDir, "source"+sourceExt(sourceURL))

	meta, err := m.fetcher.Fetch(ctx, sourceURL, dest, func(sample ProgressSample) {
		_ = m.store.AppendProgress(taskID, fetchEvent(sample))
	})
	if err != nil {
		return "", ArtifactMeta{}, &Error{Kind: KindFetch, Err: err}
	}

	artifactPath := dest
	if meta.Path != "" {
		artifactPath = meta.Path
	}
	size, err := fileutil.Size(artifactPath)
	if err != nil {
		return "", ArtifactMeta{}, newError(KindFetch, "fetched artifact missing: %w", err)
	}
	if size == 0 {
		return "", ArtifactMeta{}, newError(KindFetch, "fetched artifact is empty")
	}
	meta.SizeBytes = size
	log.Info().Str("task_id", taskID).Int64("bytes", size).Str("title", meta.Title).Msg("fetch finished")
	return artifactPath, meta, nil
}

func (m *Manager) segment(ctx context.Context, taskID, artifactPath, workDir string, meta ArtifactMeta) ([]chunk.Segment, error) {
	if !chunk.NeedsSplit(meta.SizeBytes, m.segmentThreshold) {
		return []chunk.Segment{{Index: 0, Path: artifactPath, Size: meta.SizeBytes}}, nil
	}

	total := chunk.Count(meta.SizeBytes, m.segmentThreshold)
	if err := m.store.Transition(taskID, StateChunking, Change{
		Message:   fmt.Sprintf("Splitting into %d segments", total),
		Title:     meta.Title,
		SizeBytes: meta.SizeBytes,
	}); err != nil {
		return nil, newError(KindInternal, "enter chunking: %w", err)
	}
	segments, err := chunk.Split(ctx, artifactPath, filepath.Join(workDir, "segments"), m.segmentThreshold, func(done, total int) {
		_ = m.store.AppendProgress(taskID, ProgressEvent{
			Message: fmt.Sprintf("Segment %d of %d written", done, total),
			Percent: float64(done) / float64(total) * 100,
		})
	})
	if err != nil {
		return nil, newError(KindInternal, "split artifact: %w", err)
	}
	// the whole artifact is no longer needed once segments exist
	_ = os.Remove(artifactPath)
	return segments, nil
}

func (m *Manager) relaySegments(ctx context.Context, taskID string, segments []chunk.Segment, meta ArtifactMeta) error {
	total := len(segments)
	if err := m.store.Transition(taskID, StateRelaying, Change{
		Message:   fmt.Sprintf("Uploading %d segment(s)", total),
		Title:     meta.Title,
		SizeBytes: meta.SizeBytes,
	}); err != nil {
		return newError(KindInternal, "enter relaying: %w", err)
	}

	for i, seg := range segments {
		link, err := m.relayer.Relay(ctx, seg.Path)
		if err != nil {
			return newError(KindRelay, "segment %d of %d: %w", i+1, total, err)
		}
		_ = m.store.AppendProgress(taskID, ProgressEvent{
			Message: fmt.Sprintf("Segment %d of %d uploaded", i+1, total),
			Percent: float64(i+1) / float64(total) * 100,
			Link:    link,
		})
		log.Info().Str("task_id", taskID).Int("segment", i+1).Int("segments", total).Str("link", link).Msg("segment relayed")
	}
	return nil
}

func (m *Manager) complete(taskID string) error {
	if err := m.store.Transition(taskID, StateCompleted, Change{Message: "Upload complete"}); err != nil {
		return newError(KindInternal, "enter completed: %w", err)
	}
	rec, err := m.store.Get(taskID)
	if err != nil {
		return nil //nolint:nilerr // task already completed
	}
	if m.history != nil {
		entry := history.Entry{
			TaskID:      rec.ID,
			Title:       rec.Title,
			SizeBytes:   rec.SizeBytes,
			Links:       rec.Outputs,
			CompletedAt: time.Now(),
		}
		if rec.FinishedAt != nil {
			entry.CompletedAt = *rec.FinishedAt
		}
		if err := m.history.Record(entry); err != nil {
			log.Warn().Str("task_id", taskID).Err(err).Msg("persist history failed")
		}
	}
	log.Info().Str("task_id", taskID).Int("links", len(rec.Outputs)).Msg("task completed")
	return nil
}

func (m *Manager) failTask(taskID string, cause error) {
	kind := KindOf(cause)
	if err := m.store.Transition(taskID, StateFailed, Change{Message: "Error: " + cause.Error(), Cause: cause}); err != nil {
		log.Error().Str("task_id", taskID).Err(err).Msg("mark task failed")
		return
	}
	evt := log.Warn()
	if kind == KindInternal {
		evt = log.Error()
	}
	evt.Str("task_id", taskID).Str("kind", string(kind)).Err(cause).Msg("task failed")
}

// validateSource accepts absolute http(s) URLs with a host.
func validateSource(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return newError(KindValidation, "invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return newError(KindValidation, "invalid url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return newError(KindValidation, "invalid url %q: missing host", raw)
	}
	return nil
}

// sourceExt keeps a short extension from the URL path so segments stay recognisable.
func sourceExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".bin"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}
