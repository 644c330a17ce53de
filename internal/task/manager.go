package task

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"mediarelay/internal/admission"
	"mediarelay/internal/history"
)

// Recorder receives an entry for every completed task.
type Recorder interface {
	Record(entry history.Entry) error
}

// Manager owns the task store and the admission scheduler and runs one pipeline
// goroutine per admitted task.
type Manager struct {
	store            *Store
	scheduler        *admission.Scheduler
	dataDir          string
	segmentThreshold int64
	fetcher          Fetcher
	relayer          Relayer
	history          Recorder

	mu            sync.Mutex
	cancels       map[string]context.CancelFunc
	pendingCancel map[string]struct{}
	baseCtx       context.Context
	workersWG     sync.WaitGroup
}

// AdminSnapshot is the operational view of the scheduler.
type AdminSnapshot struct {
	Limit       int      `json:"limit"`
	ActiveCount int      `json:"active_count"`
	QueueLength int      `json:"queue_length"`
	Active      []string `json:"active"`
	Queued      []string `json:"queued"`
	Admitted    uint64   `json:"admitted"`
	Released    uint64   `json:"released"`
}

// NewManagerWithOptions creates a manager with provided configuration.
func NewManagerWithOptions(opts Options) *Manager {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = defaultMaxConcurrent
	}
	if opts.SegmentThreshold <= 0 {
		opts.SegmentThreshold = defaultSegmentThreshold
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	m := &Manager{
		store:            NewStore(opts.Persister),
		dataDir:          opts.DataDir,
		segmentThreshold: opts.SegmentThreshold,
		fetcher:          opts.Fetcher,
		relayer:          opts.Relayer,
		history:          opts.History,
		cancels:          make(map[string]context.CancelFunc),
		pendingCancel:    make(map[string]struct{}),
		baseCtx:          context.Background(),
	}
	m.scheduler = admission.New(opts.MaxConcurrentTasks, m.launch)
	return m
}

// Enqueue creates a task for sourceURL and hands it to the scheduler.
// Well-formedness of the URL is checked by the pipeline, so malformed input still
// yields a queryable failed task.
func (m *Manager) Enqueue(sourceURL string) (Record, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return Record{}, ErrNoURL
	}
	rec, err := m.store.Create(sourceURL)
	if err != nil {
		return Record{}, err
	}
	admitted := m.scheduler.Submit(rec.ID)
	log.Info().Str("task_id", rec.ID).Str("url", sourceURL).Bool("admitted", admitted).Msg("task enqueued")
	return rec, nil
}

// GetTask returns a snapshot of the task.
func (m *Manager) GetTask(taskID string) (Record, error) {
	return m.store.Get(taskID)
}

// ListTasks returns all known tasks, oldest first.
func (m *Manager) ListTasks() []Record { return m.store.List() }

// QueuePosition returns the 1-based wait position, 0 when the task is not waiting.
func (m *Manager) QueuePosition(taskID string) int { return m.scheduler.Position(taskID) }

// IsBusy reports whether every processing slot is taken.
func (m *Manager) IsBusy() bool { return m.scheduler.Busy() }

// Snapshot returns active and queued counts for monitoring.
func (m *Manager) Snapshot() AdminSnapshot {
	snap := m.scheduler.Snapshot()
	return AdminSnapshot{
		Limit:       snap.Limit,
		ActiveCount: len(snap.Active),
		QueueLength: len(snap.Queued),
		Active:      snap.Active,
		Queued:      snap.Queued,
		Admitted:    snap.Admitted,
		Released:    snap.Released,
	}
}

// Cancel aborts a task. A waiting task is removed from the queue and failed right away;
// a running task has its context cancelled and fails from its own pipeline.
func (m *Manager) Cancel(taskID string) error {
	rec, err := m.store.Get(taskID)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return ErrTerminal
	}

	if m.scheduler.Cancel(taskID) {
		cause := &Error{Kind: KindCancelled, Err: ErrCancelled}
		if err := m.store.Transition(taskID, StateFailed, Change{Message: "Cancelled while queued", Cause: cause}); err != nil {
			return err
		}
		log.Info().Str("task_id", taskID).Msg("queued task cancelled")
		return nil
	}

	if err := m.cancelRunning(taskID); err != nil {
		return err
	}
	log.Info().Str("task_id", taskID).Msg("running task cancel requested")
	return nil
}

// cancelRunning cancels an admitted task's context, or remembers the request when the
// pipeline goroutine has not registered yet. A pipeline reaches its terminal state
// before it drops its cancel func, so a missing func on a terminal task means it
// already finished.
func (m *Manager) cancelRunning(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
		return nil
	}
	rec, err := m.store.Get(taskID)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return ErrTerminal
	}
	m.pendingCancel[taskID] = struct{}{}
	return nil
}

// SetBaseContext sets the base context used to control long-running operations (e.g., downloads).
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// WaitAll blocks until all in-flight task workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// launch is the scheduler callback for an admitted task.
func (m *Manager) launch(taskID string) {
	m.mu.Lock()
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancels[taskID] = cancel
	if _, ok := m.pendingCancel[taskID]; ok {
		delete(m.pendingCancel, taskID)
		cancel()
	}
	m.mu.Unlock()

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.runPipeline(ctx, taskID)
	}()
}

func (m *Manager) forgetCancel(taskID string) {
	m.mu.Lock()
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
		delete(m.cancels, taskID)
	}
	delete(m.pendingCancel, taskID)
	m.mu.Unlock()
}

func (m *Manager) workDir(taskID string) string {
	return filepath.Join(m.dataDir, "work", taskID)
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
