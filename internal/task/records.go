package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Change carries the optional data attached to a state transition.
type Change struct {
	Message   string
	Percent   float64
	Cause     error
	Title     string
	SizeBytes int64
}

// Store maps task identities to records. AppendProgress and Transition are the only
// mutators; readers always receive deep copies.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*Record
	persister Persister
	now       func() time.Time
	newID     func() string
}

func NewStore(persister Persister) *Store {
	return &Store{
		records:   make(map[string]*Record),
		persister: persister,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create allocates a queued record with an empty progress log.
func (s *Store) Create(sourceURL string) (Record, error) {
	s.mu.Lock()
	id := s.newID()
	if _, taken := s.records[id]; taken {
		id = s.newID()
		if _, taken := s.records[id]; taken {
			s.mu.Unlock()
			return Record{}, newError(KindInternal, "identity collision on %s", id)
		}
	}
	now := s.now()
	rec := &Record{
		ID:           id,
		SourceURL:    sourceURL,
		State:        StateQueued,
		ProgressLog:  []ProgressEvent{},
		Outputs:      []string{},
		CreatedAt:    now,
		LastModified: now,
	}
	s.records[id] = rec
	snapshot := rec.clone()
	s.mu.Unlock()

	s.persist(snapshot)
	return snapshot, nil
}

// Get returns a consistent copy of the record.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrTaskNotFound
	}
	return rec.clone(), nil
}

// AppendProgress appends an event to the task's log. Within one stage the percent never
// goes backwards; a lower value is clamped to the previous one. An event carrying a Link
// also appends the link to the task outputs.
func (s *Store) AppendProgress(id string, ev ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.State.IsTerminal() {
		return ErrTerminal
	}
	if ev.Kind == "" {
		ev.Kind = EventProgress
	}
	if ev.Stage == "" {
		ev.Stage = rec.State
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.Percent = clampPercent(ev.Percent)
	if last, ok := rec.Current(); ok && last.Stage == ev.Stage && ev.Percent < last.Percent {
		ev.Percent = last.Percent
	}
	rec.ProgressLog = append(rec.ProgressLog, ev)
	if ev.Link != "" {
		rec.Outputs = append(rec.Outputs, ev.Link)
	}
	rec.LastModified = ev.Timestamp
	return nil
}

// Transition moves the task to next, appending a stage event. Moving to failed records
// the cause and its kind; terminal states stamp FinishedAt.
func (s *Store) Transition(id string, next State, ch Change) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if !rec.State.CanTransition(next) {
		from := rec.State
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}

	now := s.now()
	rec.State = next
	if ch.Title != "" {
		rec.Title = ch.Title
	}
	if ch.SizeBytes > 0 {
		rec.SizeBytes = ch.SizeBytes
	}
	switch next {
	case StateProcessing:
		rec.StartedAt = &now
	case StateCompleted:
		rec.FinishedAt = &now
		ch.Percent = 100
	case StateFailed:
		rec.FinishedAt = &now
		if ch.Cause != nil {
			rec.Error = ch.Cause.Error()
			rec.ErrorKind = KindOf(ch.Cause)
		}
	}
	rec.ProgressLog = append(rec.ProgressLog, ProgressEvent{
		Kind:      EventStage,
		Stage:     next,
		Message:   ch.Message,
		Percent:   clampPercent(ch.Percent),
		Timestamp: now,
	})
	rec.LastModified = now
	snapshot := rec.clone()
	s.mu.Unlock()

	s.persist(snapshot)
	return nil
}

// List returns every record ordered by creation time.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stale returns non-terminal records that have not changed for longer than olderThan.
func (s *Store) Stale(olderThan time.Duration) []Record {
	cutoff := s.now().Add(-olderThan)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if !rec.State.IsTerminal() && rec.LastModified.Before(cutoff) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Prune drops terminal records last modified before now-olderThan and returns their ids.
func (s *Store) Prune(olderThan time.Duration) []string {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	var pruned []string
	for id, rec := range s.records {
		if rec.State.IsTerminal() && rec.LastModified.Before(cutoff) {
			delete(s.records, id)
			pruned = append(pruned, id)
		}
	}
	s.mu.Unlock()

	if s.persister != nil {
		for _, id := range pruned {
			if err := s.persister.DeleteRecord(context.Background(), id); err != nil {
				log.Warn().Str("task_id", id).Err(err).Msg("delete pruned task failed")
			}
		}
	}
	return pruned
}

// restore inserts a record loaded from disk, keeping its identity.
func (s *Store) restore(rec Record) {
	if rec.ProgressLog == nil {
		rec.ProgressLog = []ProgressEvent{}
	}
	if rec.Outputs == nil {
		rec.Outputs = []string{}
	}
	s.mu.Lock()
	s.records[rec.ID] = &rec
	s.mu.Unlock()
}

func (s *Store) persist(rec Record) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveRecord(context.Background(), rec); err != nil { // best-effort
		log.Warn().Str("task_id", rec.ID).Err(err).Msg("persist task failed")
	}
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
