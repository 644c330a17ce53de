// Package admission bounds how many task pipelines run at once.
//
// The Scheduler owns an active set and a FIFO wait queue behind one mutex. Submit and
// Release hand slots over inside the same critical section, so a freed slot is given to
// the queue head immediately and N+1 pipelines can never be admitted.
package admission

import (
	"container/list"
	"sync"
)

// LaunchFunc starts the pipeline of an admitted task. It is called outside the
// scheduler lock and must not block.
type LaunchFunc func(id string)

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Limit    int      `json:"limit"`
	Active   []string `json:"active"`
	Queued   []string `json:"queued"`
	Admitted uint64   `json:"admitted"`
	Released uint64   `json:"released"`
}

// Scheduler admits at most limit tasks and queues the rest in arrival order.
type Scheduler struct {
	mu       sync.Mutex
	limit    int
	active   map[string]struct{}
	order    []string
	queue    *list.List
	queued   map[string]*list.Element
	launch   LaunchFunc
	admitted uint64
	released uint64
}

// New creates a scheduler. A limit below one is treated as one.
func New(limit int, launch LaunchFunc) *Scheduler {
	if limit <= 0 {
		limit = 1
	}
	return &Scheduler{
		limit:  limit,
		active: make(map[string]struct{}, limit),
		queue:  list.New(),
		queued: make(map[string]*list.Element),
		launch: launch,
	}
}

// Submit admits the task if a slot is free, otherwise appends it to the wait queue.
// It reports whether the task was admitted. Submitting an id that is already active or
// queued is a no-op.
func (s *Scheduler) Submit(id string) bool {
	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.queued[id]; ok {
		s.mu.Unlock()
		return false
	}
	if len(s.active) >= s.limit {
		s.queued[id] = s.queue.PushBack(id)
		s.mu.Unlock()
		return false
	}
	s.admitLocked(id)
	s.mu.Unlock()

	s.start(id)
	return true
}

// Release frees the slot held by id and admits the head of the wait queue.
// Releasing an id that is not active is a no-op and returns false.
func (s *Scheduler) Release(id string) bool {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.active, id)
	s.removeOrder(id)
	s.released++

	next := ""
	if head := s.queue.Front(); head != nil {
		next = s.queue.Remove(head).(string) //nolint:forcetypeassert // queue only holds ids
		delete(s.queued, next)
		s.admitLocked(next)
	}
	s.mu.Unlock()

	if next != "" {
		s.start(next)
	}
	return true
}

// Cancel removes a waiting task from the queue. It reports false when the task is not
// queued (already admitted or unknown).
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.queued[id]
	if !ok {
		return false
	}
	s.queue.Remove(elem)
	delete(s.queued, id)
	return true
}

// IsActive reports whether id currently holds a slot.
func (s *Scheduler) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Busy reports whether every slot is taken.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) >= s.limit
}

// Position returns the 1-based queue position of id, or 0 when it is not waiting.
func (s *Scheduler) Position(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[id]; !ok {
		return 0
	}
	pos := 1
	for e := s.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == id { //nolint:forcetypeassert // queue only holds ids
			return pos
		}
		pos++
	}
	return 0
}

// Snapshot returns the current counters, active ids in admission order and queued ids in FIFO order.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Limit:    s.limit,
		Active:   append([]string(nil), s.order...),
		Queued:   make([]string, 0, s.queue.Len()),
		Admitted: s.admitted,
		Released: s.released,
	}
	for e := s.queue.Front(); e != nil; e = e.Next() {
		snap.Queued = append(snap.Queued, e.Value.(string)) //nolint:forcetypeassert // queue only holds ids
	}
	return snap
}

func (s *Scheduler) admitLocked(id string) {
	s.active[id] = struct{}{}
	s.order = append(s.order, id)
	s.admitted++
}

func (s *Scheduler) removeOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) start(id string) {
	if s.launch != nil {
		s.launch(id)
	}
}
