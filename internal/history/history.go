package history

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCapacity is the number of completions kept when no capacity is configured.
const DefaultCapacity = 20

// Entry describes one finished task.
type Entry struct {
	TaskID      string    `json:"task_id"`
	Title       string    `json:"title"`
	SizeBytes   int64     `json:"size_bytes"`
	Links       []string  `json:"links"`
	CompletedAt time.Time `json:"completed_at"`
}

// Backend persists the whole history, most recent first.
type Backend interface {
	Load() ([]Entry, error)
	Save(entries []Entry) error
}

// History is a bounded, most-recent-first list of completions.
type History struct {
	// saveMu orders backend writes so the last Save always carries the newest entries.
	saveMu   sync.Mutex
	mu       sync.RWMutex
	capacity int
	entries  []Entry
	backend  Backend
}

// New creates a history and loads whatever the backend holds. A nil backend keeps the
// history in memory only. Load failures are logged and start an empty history.
func New(capacity int, backend Backend) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &History{capacity: capacity, backend: backend}
	if backend == nil {
		return h
	}
	loaded, err := backend.Load()
	if err != nil {
		log.Warn().Err(err).Msg("history load failed, starting empty")
		return h
	}
	if len(loaded) > capacity {
		loaded = loaded[:capacity]
	}
	h.entries = loaded
	return h
}

// Record inserts the entry at the head, evicts the tail beyond capacity and rewrites the backend.
// The in-memory history is updated even when the backend write fails.
func (h *History) Record(entry Entry) error {
	entry.Links = append([]string(nil), entry.Links...)

	h.saveMu.Lock()
	defer h.saveMu.Unlock()

	h.mu.Lock()
	next := make([]Entry, 0, min(len(h.entries)+1, h.capacity))
	next = append(next, entry)
	next = append(next, h.entries...)
	if len(next) > h.capacity {
		next = next[:h.capacity]
	}
	h.entries = next
	snapshot := cloneEntries(next)
	h.mu.Unlock()

	if h.backend == nil {
		return nil
	}
	return h.backend.Save(snapshot)
}

// List returns up to limit entries, most recent first. A non-positive limit returns everything.
func (h *History) List(limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	return cloneEntries(h.entries[:limit])
}

// Len reports the number of stored entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Capacity reports the configured bound.
func (h *History) Capacity() int { return h.capacity }

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		e.Links = append([]string(nil), e.Links...)
		out[i] = e
	}
	return out
}
