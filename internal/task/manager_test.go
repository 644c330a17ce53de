package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediarelay/internal/history"
)

type fetchFunc func(ctx context.Context, sourceURL, dest string, onProgress ProgressFunc) (ArtifactMeta, error)

func (f fetchFunc) Fetch(ctx context.Context, sourceURL, dest string, onProgress ProgressFunc) (ArtifactMeta, error) {
	return f(ctx, sourceURL, dest, onProgress)
}

type relayFunc func(ctx context.Context, path string) (string, error)

func (f relayFunc) Relay(ctx context.Context, path string) (string, error) { return f(ctx, path) }

func writeArtifact(dest string, size int) error {
	return os.WriteFile(dest, make([]byte, size), 0o600)
}

func okFetcher(size int) fetchFunc {
	return func(_ context.Context, _ string, dest string, onProgress ProgressFunc) (ArtifactMeta, error) {
		onProgress(ProgressSample{Done: int64(size / 2), Total: int64(size)})
		onProgress(ProgressSample{Done: int64(size), Total: int64(size)})
		return ArtifactMeta{Title: "clip"}, writeArtifact(dest, size)
	}
}

func countingRelayer() relayFunc {
	var n int32
	return func(context.Context, string) (string, error) {
		return fmt.Sprintf("https://files.example/%d", atomic.AddInt32(&n, 1)), nil
	}
}

func newTestManager(t *testing.T, limit int, f Fetcher, r Relayer, h Recorder) *Manager {
	t.Helper()
	return NewManagerWithOptions(Options{
		DataDir:            t.TempDir(),
		MaxConcurrentTasks: limit,
		SegmentThreshold:   1 << 20,
		Fetcher:            f,
		Relayer:            r,
		History:            h,
	})
}

func waitTerminal(t *testing.T, m *Manager, id string) Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := m.GetTask(id); err == nil && got.State.IsTerminal() {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for task %s", id)
	return Record{}
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !m.WaitAll(ctx) {
		t.Fatalf("workers did not finish")
	}
}

func TestScenarioSequentialAdmission(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	fetcher := fetchFunc(func(_ context.Context, sourceURL, dest string, _ ProgressFunc) (ArtifactMeta, error) {
		mu.Lock()
		order = append(order, sourceURL)
		mu.Unlock()
		switch sourceURL {
		case "https://e.org/t1":
			time.Sleep(100 * time.Millisecond)
		case "https://e.org/t2":
			return ArtifactMeta{}, errors.New("extractor failed")
		}
		return ArtifactMeta{}, writeArtifact(dest, 64)
	})
	m := newTestManager(t, 1, fetcher, countingRelayer(), nil)

	var ids []string
	for _, u := range []string{"https://e.org/t1", "https://e.org/t2", "https://e.org/t3"} {
		rec, err := m.Enqueue(u)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	if snap := m.Snapshot(); snap.ActiveCount != 1 || snap.QueueLength != 2 {
		t.Fatalf("expected 1 active and 2 queued, got %+v", snap)
	}
	if m.QueuePosition(ids[2]) != 2 {
		t.Fatalf("expected t3 at queue position 2, got %d", m.QueuePosition(ids[2]))
	}

	want := []State{StateCompleted, StateFailed, StateCompleted}
	for i, id := range ids {
		if got := waitTerminal(t, m, id); got.State != want[i] {
			t.Fatalf("task %d: expected %s, got %s (%s)", i+1, want[i], got.State, got.Error)
		}
	}
	waitIdle(t, m)

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[https://e.org/t1 https://e.org/t2 https://e.org/t3]" {
		t.Fatalf("unexpected admission order: %v", order)
	}
	failed, _ := m.GetTask(ids[1])
	if failed.ErrorKind != KindFetch {
		t.Fatalf("expected fetch error kind, got %s", failed.ErrorKind)
	}
	snap := m.Snapshot()
	if snap.Admitted != 3 || snap.Released != 3 || snap.ActiveCount != 0 {
		t.Fatalf("every admitted task must be released exactly once: %+v", snap)
	}
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 2
	var running, peak int32
	fetcher := fetchFunc(func(_ context.Context, _ string, dest string, _ ProgressFunc) (ArtifactMeta, error) {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return ArtifactMeta{}, writeArtifact(dest, 16)
	})
	m := newTestManager(t, limit, fetcher, countingRelayer(), nil)

	stop := make(chan struct{})
	heavyViolation := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			heavy := 0
			for _, rec := range m.ListTasks() {
				if rec.State.IsHeavy() {
					heavy++
				}
			}
			if heavy > limit {
				select {
				case heavyViolation <- heavy:
				default:
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var ids []string
	for i := 0; i < 10; i++ {
		rec, _ := m.Enqueue(fmt.Sprintf("https://e.org/%d.mp4", i))
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		waitTerminal(t, m, id)
	}
	waitIdle(t, m)
	close(stop)

	if atomic.LoadInt32(&peak) > limit {
		t.Fatalf("peak fetch concurrency %d exceeded %d", peak, limit)
	}
	select {
	case n := <-heavyViolation:
		t.Fatalf("observed %d tasks in heavy states", n)
	default:
	}
}

func TestChunkedRelayFailureKeepsPartialOutputs(t *testing.T) {
	var calls int32
	relayer := relayFunc(func(_ context.Context, path string) (string, error) {
		if atomic.AddInt32(&calls, 1) == 2 {
			return "", errors.New("upload rejected")
		}
		return "https://files.example/" + filepath.Base(path), nil
	})
	m := NewManagerWithOptions(Options{
		DataDir:            t.TempDir(),
		MaxConcurrentTasks: 1,
		SegmentThreshold:   300,
		Fetcher:            okFetcher(500),
		Relayer:            relayer,
	})

	rec, _ := m.Enqueue("https://e.org/movie.mp4")
	got := waitTerminal(t, m, rec.ID)
	waitIdle(t, m)

	if got.State != StateFailed || got.ErrorKind != KindRelay {
		t.Fatalf("expected relay failure, got %s/%s", got.State, got.ErrorKind)
	}
	if len(got.Outputs) != 1 || got.Outputs[0] != "https://files.example/part-001.mp4" {
		t.Fatalf("expected exactly segment 1 link, got %v", got.Outputs)
	}
	if !got.Partial() {
		t.Fatalf("expected partial delivery")
	}
	sawChunking := false
	for _, ev := range got.ProgressLog {
		if ev.Kind == EventStage && ev.Stage == StateChunking {
			sawChunking = true
		}
	}
	if !sawChunking {
		t.Fatalf("expected a chunking stage event")
	}
	if _, err := os.Stat(m.workDir(rec.ID)); !os.IsNotExist(err) {
		t.Fatalf("work dir should be removed, stat err=%v", err)
	}
	if snap := m.Snapshot(); snap.Released != 1 {
		t.Fatalf("expected one release, got %+v", snap)
	}
}

func TestHistoryKeepsMostRecentCompletions(t *testing.T) {
	h := history.New(20, nil)
	m := newTestManager(t, 1, okFetcher(32), countingRelayer(), h)

	var ids []string
	for i := 1; i <= 25; i++ {
		rec, err := m.Enqueue(fmt.Sprintf("https://e.org/%d.mp4", i))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		if got := waitTerminal(t, m, id); got.State != StateCompleted {
			t.Fatalf("expected completed, got %s (%s)", got.State, got.Error)
		}
	}
	waitIdle(t, m)

	list := h.List(20)
	if len(list) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(list))
	}
	for i, e := range list {
		if want := ids[24-i]; e.TaskID != want {
			t.Fatalf("history position %d: expected task %d", i, 25-i)
		}
		if len(e.Links) != 1 || e.SizeBytes != 32 {
			t.Fatalf("unexpected entry: %+v", e)
		}
	}
}

func TestValidationFailureNeverFetches(t *testing.T) {
	var fetched int32
	fetcher := fetchFunc(func(context.Context, string, string, ProgressFunc) (ArtifactMeta, error) {
		atomic.AddInt32(&fetched, 1)
		return ArtifactMeta{}, nil
	})
	m := newTestManager(t, 1, fetcher, countingRelayer(), nil)

	if _, err := m.Enqueue("   "); !errors.Is(err, ErrNoURL) {
		t.Fatalf("expected ErrNoURL, got %v", err)
	}
	rec, err := m.Enqueue("ftp://e.org/file")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitTerminal(t, m, rec.ID)
	waitIdle(t, m)
	if got.State != StateFailed || got.ErrorKind != KindValidation {
		t.Fatalf("expected validation failure, got %s/%s", got.State, got.ErrorKind)
	}
	for _, ev := range got.ProgressLog {
		if ev.Stage == StateFetching {
			t.Fatalf("task must not reach fetching: %+v", ev)
		}
	}
	if atomic.LoadInt32(&fetched) != 0 {
		t.Fatalf("fetcher must not be called")
	}
	if snap := m.Snapshot(); snap.Released != 1 {
		t.Fatalf("validation failure must release its slot: %+v", snap)
	}
}

func TestCancelQueuedAndRunning(t *testing.T) {
	started := make(chan struct{}, 1)
	fetcher := fetchFunc(func(ctx context.Context, _ string, _ string, _ ProgressFunc) (ArtifactMeta, error) {
		started <- struct{}{}
		<-ctx.Done()
		return ArtifactMeta{}, ctx.Err()
	})
	m := newTestManager(t, 1, fetcher, countingRelayer(), nil)

	running, _ := m.Enqueue("https://e.org/a.mp4")
	queued, _ := m.Enqueue("https://e.org/b.mp4")
	<-started

	if err := m.Cancel(queued.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	got, _ := m.GetTask(queued.ID)
	if got.State != StateFailed || got.ErrorKind != KindCancelled {
		t.Fatalf("queued task should fail as cancelled immediately, got %s/%s", got.State, got.ErrorKind)
	}

	if err := m.Cancel(running.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	got = waitTerminal(t, m, running.ID)
	waitIdle(t, m)
	if got.ErrorKind != KindCancelled {
		t.Fatalf("expected cancelled kind, got %s", got.ErrorKind)
	}
	if err := m.Cancel(running.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("cancel of finished task should return ErrTerminal, got %v", err)
	}
	if err := m.Cancel("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	snap := m.Snapshot()
	if snap.Admitted != 1 || snap.Released != 1 || snap.QueueLength != 0 {
		t.Fatalf("cancelled queued task must not be admitted: %+v", snap)
	}
}

func TestFetchProgressIsLogged(t *testing.T) {
	m := newTestManager(t, 1, okFetcher(2048), countingRelayer(), nil)
	rec, _ := m.Enqueue("https://e.org/v.mp4")
	got := waitTerminal(t, m, rec.ID)
	waitIdle(t, m)

	var fetchEvents []ProgressEvent
	for _, ev := range got.ProgressLog {
		if ev.Kind == EventProgress && ev.Stage == StateFetching {
			fetchEvents = append(fetchEvents, ev)
		}
	}
	if len(fetchEvents) != 2 || fetchEvents[0].Percent != 50 || fetchEvents[1].Percent != 100 {
		t.Fatalf("unexpected fetch events: %+v", fetchEvents)
	}
	if got.Title != "clip" || got.SizeBytes != 2048 {
		t.Fatalf("artifact metadata not recorded: %+v", got)
	}
	if got.State != StateCompleted || len(got.Outputs) != 1 {
		t.Fatalf("expected single-segment completion, got %s outputs=%v", got.State, got.Outputs)
	}
}

func TestPersistAndLoadFromDisk(t *testing.T) {
	dataDir := t.TempDir()
	persister := NewFileStore(dataDir)
	m := NewManagerWithOptions(Options{DataDir: dataDir, Persister: persister, Fetcher: okFetcher(8), Relayer: countingRelayer()})

	done, _ := m.Enqueue("https://e.org/done.mp4")
	waitTerminal(t, m, done.ID)
	waitIdle(t, m)

	interrupted := Record{ID: "t-interrupted", SourceURL: "https://e.org/x", State: StateRelaying, CreatedAt: time.Now()}
	if err := persister.SaveRecord(context.Background(), interrupted); err != nil {
		t.Fatalf("persist: %v", err)
	}

	m2 := NewManagerWithOptions(Options{DataDir: dataDir, Persister: persister, Fetcher: okFetcher(8), Relayer: countingRelayer()})
	if err := m2.LoadFromDisk(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, err := m2.GetTask("t-interrupted"); err != nil || got.State != StateFailed || got.ErrorKind != KindInternal {
		t.Fatalf("expected interrupted task failed after load, got: %+v, err=%v", got, err)
	}
	if got, err := m2.GetTask(done.ID); err != nil || got.State != StateCompleted || len(got.Outputs) != 1 {
		t.Fatalf("expected completed task restored, got: %+v, err=%v", got, err)
	}
}

func TestSweepPrunesFinishedTasks(t *testing.T) {
	dataDir := t.TempDir()
	m := NewManagerWithOptions(Options{DataDir: dataDir, Persister: NewFileStore(dataDir), Fetcher: okFetcher(8), Relayer: countingRelayer()})
	rec, _ := m.Enqueue("https://e.org/v.mp4")
	waitTerminal(t, m, rec.ID)
	waitIdle(t, m)

	m.store.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	res := m.Sweep(24*time.Hour, time.Hour)
	if len(res.Pruned) != 1 || res.Pruned[0] != rec.ID {
		t.Fatalf("expected task pruned, got %+v", res)
	}
	if _, err := m.GetTask(rec.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("pruned task should be gone, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "tasks", rec.ID)); !os.IsNotExist(err) {
		t.Fatalf("pruned task dir should be removed, stat err=%v", err)
	}
}

func TestFormatETA(t *testing.T) {
	cases := map[time.Duration]string{
		0:                          "00:00",
		75 * time.Second:           "01:15",
		time.Hour + 2*time.Minute:  "1:02:00",
		-5 * time.Second:           "00:00",
		1500 * time.Millisecond:    "00:02",
	}
	for in, want := range cases {
		if got := FormatETA(in); got != want {
			t.Fatalf("FormatETA(%s)=%q want %q", in, got, want)
		}
	}
	ev := fetchEvent(ProgressSample{Done: 512, Total: 1024, Rate: 2048, ETA: 3 * time.Second})
	if ev.Percent != 50 || ev.Speed == "" || ev.Stage != StateFetching {
		t.Fatalf("unexpected fetch event: %+v", ev)
	}
}

func TestCancelRunningAfterPipelineFinished(t *testing.T) {
	m := newTestManager(t, 1, okFetcher(8), countingRelayer(), nil)
	rec, _ := m.Enqueue("https://e.org/v.mp4")
	waitTerminal(t, m, rec.ID)
	waitIdle(t, m)

	// the state check in Cancel passed just before the pipeline ended
	if err := m.cancelRunning(rec.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	m.mu.Lock()
	_, pending := m.pendingCancel[rec.ID]
	m.mu.Unlock()
	if pending {
		t.Fatalf("finished task must not be left in pendingCancel")
	}
}

func TestCancelBeforeGoroutineRegisters(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, _ string, dest string, _ ProgressFunc) (ArtifactMeta, error) {
		if err := ctx.Err(); err != nil {
			return ArtifactMeta{}, err
		}
		return ArtifactMeta{}, writeArtifact(dest, 8)
	})
	m := newTestManager(t, 1, fetcher, countingRelayer(), nil)
	rec, err := m.store.Create("https://e.org/v.mp4")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.cancelRunning(rec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	m.launch(rec.ID)
	got := waitTerminal(t, m, rec.ID)
	waitIdle(t, m)
	if got.ErrorKind != KindCancelled {
		t.Fatalf("expected cancelled kind, got %s (%s)", got.ErrorKind, got.Error)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingCancel) != 0 || len(m.cancels) != 0 {
		t.Fatalf("cancel bookkeeping leaked: pending=%v cancels=%d", m.pendingCancel, len(m.cancels))
	}
}
