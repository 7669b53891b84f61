package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubscriberFunc receives every message appended to a job after the
// subscription was registered. There is no replay of earlier messages.
type SubscriberFunc func(msg Message)

// Store tracks running automation jobs and fans progress messages out to
// subscribers. Delivery is synchronous, best-effort and at most once: a slow
// subscriber delays the producing call, operations against unknown job ids
// are silently dropped, and completed jobs are evicted a fixed TTL after
// completion whether or not anyone observed them.
//
// A Store is explicitly constructed and injected; there is no package-level
// instance.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
	ttl  time.Duration

	// Overridable for tests.
	now   func() time.Time
	after func(d time.Duration, fn func())
}

type jobEntry struct {
	job       Job
	artifacts map[string][]byte
	subs      map[int]SubscriberFunc
	nextSub   int
}

// NewStore creates a Store whose completed jobs live for ttl after their
// terminal message.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		jobs:  make(map[string]*jobEntry),
		ttl:   ttl,
		now:   time.Now,
		after: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// GenerateJobID produces a unique, lexically sortable identifier from a
// millisecond timestamp and a random suffix. Collisions within a job's
// lifetime window are treated as negligible, not impossible.
func GenerateJobID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// CreateJob registers a new running job with an empty message sequence and
// subscriber set. Registering an id that is already present is a caller
// error; the store does not define behavior for it. Callers must use an id
// generator that avoids collisions within the TTL window.
func (s *Store) CreateJob(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &jobEntry{
		job: Job{
			ID:        id,
			Name:      name,
			Status:    StatusRunning,
			StartedAt: s.now(),
		},
		artifacts: make(map[string][]byte),
		subs:      make(map[int]SubscriberFunc),
	}
}

// AddProgress appends a message to the job and notifies current subscribers.
// Unknown ids (never created, or already evicted) are dropped without error.
func (s *Store) AddProgress(id string, phase Phase, text, detail, step string) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	msg := s.appendLocked(entry, phase, text, detail, step, nil)
	subs := snapshotSubs(entry)
	s.mu.Unlock()

	notify(subs, msg)
}

// CompleteJob moves the job to its terminal state, stores any artifacts on
// the job, appends the terminal message carrying the serializable result,
// notifies subscribers, and schedules eviction after the store TTL. Unknown
// ids and already-terminal jobs are no-ops.
func (s *Store) CompleteJob(id string, success bool, out Outcome) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok || entry.job.Status != StatusRunning {
		s.mu.Unlock()
		return
	}

	phase := PhaseComplete
	if success {
		entry.job.Status = StatusComplete
	} else {
		entry.job.Status = StatusError
		phase = PhaseError
	}

	result := &Result{
		Success:     success,
		Message:     out.Message,
		Diagnostics: out.Diagnostics,
		HasArtifact: make(map[string]bool, len(out.Artifacts)),
	}
	if len(out.Refs) > 0 {
		result.Refs = make(map[string]string, len(out.Refs))
		for k, v := range out.Refs {
			result.Refs[k] = v
		}
	}
	for name, data := range out.Artifacts {
		entry.artifacts[name] = data
		result.HasArtifact[name] = len(data) > 0
	}
	entry.job.Result = result

	text := out.Message
	if text == "" {
		if success {
			text = "Job complete"
		} else {
			text = "Job failed"
		}
	}
	msg := s.appendLocked(entry, phase, text, out.Detail, "", result)
	subs := snapshotSubs(entry)
	s.mu.Unlock()

	notify(subs, msg)

	s.after(s.ttl, func() {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
	})
}

// Job returns a point-in-time snapshot, or false if the id is unknown.
func (s *Store) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	snap := entry.job
	snap.Messages = append([]Message(nil), entry.job.Messages...)
	return snap, true
}

// Artifact returns the raw bytes of a named artifact captured at completion.
func (s *Store) Artifact(id, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	data, ok := entry.artifacts[name]
	return data, ok
}

// Subscribe registers fn for messages appended after this call and returns
// an unsubscribe handle. Calling the handle more than once is safe. Unknown
// ids return a no-op handle.
func (s *Store) Subscribe(id string, fn SubscriberFunc) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return func() {}
	}
	key := entry.nextSub
	entry.nextSub++
	entry.subs[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.jobs[id]; ok {
			delete(e.subs, key)
		}
	}
}

func (s *Store) appendLocked(entry *jobEntry, phase Phase, text, detail, step string, result *Result) Message {
	now := s.now()
	msg := Message{
		Timestamp: now,
		Elapsed:   formatElapsed(now.Sub(entry.job.StartedAt)),
		Phase:     phase,
		Step:      step,
		Text:      text,
		Detail:    detail,
		Result:    result,
	}
	entry.job.Messages = append(entry.job.Messages, msg)
	return msg
}

// snapshotSubs copies the subscriber set so callbacks run outside the store
// lock; a callback may therefore subscribe or unsubscribe without deadlock.
// Iteration order between subscribers is unspecified.
func snapshotSubs(entry *jobEntry) []SubscriberFunc {
	subs := make([]SubscriberFunc, 0, len(entry.subs))
	for _, fn := range entry.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []SubscriberFunc, msg Message) {
	for _, fn := range subs {
		fn(msg)
	}
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(100 * time.Millisecond).String()
}
