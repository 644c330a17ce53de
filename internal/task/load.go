package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

var errInterrupted = errors.New("interrupted by restart")

// LoadFromDisk restores persisted tasks into memory.
// Tasks that were not finished in a previous run are marked as failed and their
// leftover working files removed.
func (m *Manager) LoadFromDisk() error {
	if m.store.persister == nil {
		return nil
	}
	loaded, err := m.store.persister.LoadRecords(context.Background())
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, rec := range loaded {
		m.store.restore(rec)
		if rec.State.IsTerminal() {
			continue
		}
		cause := &Error{Kind: KindInternal, Err: errInterrupted}
		if err := m.store.Transition(rec.ID, StateFailed, Change{Message: "Error: " + cause.Error(), Cause: cause}); err != nil {
			log.Warn().Str("task_id", rec.ID).Err(err).Msg("fail interrupted task")
		}
	}
	if err := os.RemoveAll(filepath.Join(m.dataDir, "work")); err != nil {
		log.Warn().Err(err).Msg("remove stale work dir failed")
	}
	log.Info().Int("tasks", len(loaded)).Msg("tasks restored from disk")
	return nil
}
