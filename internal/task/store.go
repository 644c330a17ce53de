package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	fileutil "mediarelay/internal/file"
)

// Persister abstracts durable storage of task records.
// Default implementation is file-based: one status.json per task under dataDir/tasks/<id>.
type Persister interface {
	SaveRecord(ctx context.Context, r Record) error
	LoadRecords(ctx context.Context) ([]Record, error)
	DeleteRecord(ctx context.Context, id string) error
}

// fileStore implements Persister using the local filesystem under dataDir.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) Persister { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) taskDir(taskID string) string {
	return filepath.Join(s.dataDir, "tasks", taskID)
}

func (s *fileStore) statusPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "status.json")
}

func (s *fileStore) SaveRecord(ctx context.Context, r Record) error { //nolint:revive // context reserved for future use
	return fileutil.WriteJSONAtomic(s.statusPath(r.ID), r) //nolint:wrapcheck
}

func (s *fileStore) DeleteRecord(ctx context.Context, id string) error { //nolint:revive // context reserved for future use
	if err := os.RemoveAll(s.taskDir(id)); err != nil {
		return fmt.Errorf("remove task dir: %w", err)
	}
	return nil
}

func (s *fileStore) LoadRecords(ctx context.Context) ([]Record, error) { //nolint:revive // context reserved for future use
	root := filepath.Join(s.dataDir, "tasks")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.statusPath(e.Name())) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		var r Record
		if err := json.Unmarshal(b, &r); err != nil || r.ID == "" {
			log.Warn().Str("task_dir", e.Name()).Err(err).Msg("skipping unreadable task record")
			continue
		}
		records = append(records, r)
	}
	return records, nil
}
