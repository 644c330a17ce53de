package task

import (
	"context"
	"time"
)

type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateFetching   State = "fetching"
	StateChunking   State = "chunking"
	StateRelaying   State = "relaying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateQueued:     {StateProcessing, StateFailed},
	StateProcessing: {StateFetching, StateFailed},
	StateFetching:   {StateChunking, StateRelaying, StateFailed},
	StateChunking:   {StateRelaying, StateFailed},
	StateRelaying:   {StateCompleted, StateFailed},
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool { return s == StateCompleted || s == StateFailed }

// IsHeavy reports whether the state holds an admission slot doing fetch/chunk/relay I/O.
func (s State) IsHeavy() bool {
	return s == StateFetching || s == StateChunking || s == StateRelaying
}

// CanTransition reports whether next is a legal successor of s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type EventKind string

const (
	// EventStage marks a state change; percent accounting restarts after it.
	EventStage    EventKind = "stage"
	EventProgress EventKind = "progress"
)

// ProgressEvent is one immutable entry of a task's progress log.
type ProgressEvent struct {
	Kind      EventKind     `json:"kind"`
	Stage     State         `json:"stage"`
	Message   string        `json:"message"`
	Percent   float64       `json:"percent"`
	Speed     string        `json:"speed,omitempty"`
	ETA       time.Duration `json:"eta,omitempty"`
	Link      string        `json:"link,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Record is the full state of one request.
type Record struct {
	ID           string          `json:"id"`
	SourceURL    string          `json:"source_url"`
	State        State           `json:"state"`
	Title        string          `json:"title,omitempty"`
	SizeBytes    int64           `json:"size_bytes,omitempty"`
	ProgressLog  []ProgressEvent `json:"progress_log"`
	Outputs      []string        `json:"outputs"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	LastModified time.Time       `json:"last_modified"`
}

// Current returns the most recent progress event.
func (r Record) Current() (ProgressEvent, bool) {
	if len(r.ProgressLog) == 0 {
		return ProgressEvent{}, false
	}
	return r.ProgressLog[len(r.ProgressLog)-1], true
}

// Partial reports a failed task that still delivered some segments.
func (r Record) Partial() bool { return r.State == StateFailed && len(r.Outputs) > 0 }

func (r *Record) clone() Record {
	out := *r
	out.ProgressLog = append([]ProgressEvent(nil), r.ProgressLog...)
	out.Outputs = append([]string(nil), r.Outputs...)
	if r.StartedAt != nil {
		started := *r.StartedAt
		out.StartedAt = &started
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

// ProgressSample is one fetch progress report. Zero Total, Rate or ETA mean unknown.
type ProgressSample struct {
	Done  int64
	Total int64
	Rate  float64 // bytes per second
	ETA   time.Duration
}

type ProgressFunc func(ProgressSample)

// ArtifactMeta describes a fetched artifact. Path is set when the fetcher chose
// a different file name than the requested destination.
type ArtifactMeta struct {
	SizeBytes int64
	Title     string
	Path      string
}

// Fetcher retrieves a remote resource into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, destPath string, onProgress ProgressFunc) (ArtifactMeta, error)
}

// Relayer uploads a local file and returns its public link.
type Relayer interface {
	Relay(ctx context.Context, path string) (string, error)
}

type Options struct {
	DataDir            string
	MaxConcurrentTasks int
	SegmentThreshold   int64
	Fetcher            Fetcher
	Relayer            Relayer
	History            Recorder
	Persister          Persister
}

const (
	defaultMaxConcurrent    = 1
	defaultSegmentThreshold = 1900 << 20
)
