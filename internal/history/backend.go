package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver used by gorm below

	fileutil "mediarelay/internal/file"
)

// JSONFile stores the history as a JSON array rewritten atomically on every save.
type JSONFile struct {
	path string
}

func NewJSONFile(path string) *JSONFile { return &JSONFile{path: path} }

func (f *JSONFile) Load() ([]Entry, error) {
	raw, err := os.ReadFile(f.path) //nolint:gosec // path is controlled by configuration
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return entries, nil
}

func (f *JSONFile) Save(entries []Entry) error {
	return fileutil.WriteJSONAtomic(f.path, entries) //nolint:wrapcheck
}

type entryRow struct {
	ID          uint   `gorm:"primarykey"`
	Position    int    `gorm:"not null;index"`
	TaskID      string `gorm:"size:64;not null"`
	Title       string `gorm:"type:text"`
	SizeBytes   int64
	Links       string `gorm:"type:text"`
	CompletedAt time.Time
}

func (entryRow) TableName() string { return "completion_history" }

// SQLite keeps the history in a single table. Save rewrites the table in one transaction.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database file and migrates the history table.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: path}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load() ([]Entry, error) {
	var rows []entryRow
	if err := s.db.Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		var links []string
		if r.Links != "" {
			if err := json.Unmarshal([]byte(r.Links), &links); err != nil {
				return nil, fmt.Errorf("decode links of %s: %w", r.TaskID, err)
			}
		}
		entries = append(entries, Entry{
			TaskID:      r.TaskID,
			Title:       r.Title,
			SizeBytes:   r.SizeBytes,
			Links:       links,
			CompletedAt: r.CompletedAt,
		})
	}
	return entries, nil
}

func (s *SQLite) Save(entries []Entry) error {
	rows := make([]entryRow, 0, len(entries))
	for i, e := range entries {
		links, err := json.Marshal(e.Links)
		if err != nil {
			return fmt.Errorf("encode links: %w", err)
		}
		rows = append(rows, entryRow{
			Position:    i,
			TaskID:      e.TaskID,
			Title:       e.Title,
			SizeBytes:   e.SizeBytes,
			Links:       string(links),
			CompletedAt: e.CompletedAt,
		})
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&entryRow{}).Error; err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}

// Close releases the underlying connection pool.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err //nolint:wrapcheck
	}
	return sqlDB.Close() //nolint:wrapcheck
}
