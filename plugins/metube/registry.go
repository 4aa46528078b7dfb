package metube

import (
	"sort"
	"sync"
	"time"

	kit "notifyhub/internal/transport"
)

// Registry is the in-memory map of tracked, unresolved downloads.
// Registration arrives from command handlers concurrently with the
// scan's iteration, so every operation takes the one mutex and
// iteration hands out copies; no I/O ever happens under the lock.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*DownloadTask
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]*DownloadTask{}}
}

// Register tracks a new key. First submission wins; re-registering an
// existing key is a no-op and returns false.
func (r *Registry) Register(key string, owner kit.ChatTarget, title string, now time.Time) bool {
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[key]; exists {
		return false
	}
	next, _ := NextInterval(0)
	r.tasks[key] = &DownloadTask{
		Key:          key,
		Title:        title,
		Owner:        owner,
		SubmittedAt:  now,
		NextInterval: next,
		Status:       StatusSubmitted,
	}
	return true
}

// Lookup returns a copy of the task for key.
func (r *Registry) Lookup(key string) (DownloadTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return DownloadTask{}, false
	}
	return *t, true
}

// Remove drops the task for key. Returns true if it existed.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	delete(r.tasks, key)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Due returns copies of the tasks whose next check is due at now,
// measured from the last check, or from submission for tasks never
// checked. The caller must call MarkChecked for each after processing
// it.
func (r *Registry) Due(now time.Time) []DownloadTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DownloadTask
	for _, t := range r.tasks {
		ref := t.LastChecked
		if ref.IsZero() {
			ref = t.SubmittedAt
		}
		if now.Sub(ref) >= t.NextInterval {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// MarkChecked records a completed check: bumps the counter, recomputes
// the interval tier from elapsed time, and removes the task when the
// tier is exhausted. expired=true means the task crossed the 72h
// cutoff and was dropped without any notification.
func (r *Registry) MarkChecked(key string, now time.Time) (expired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return false
	}
	t.LastChecked = now
	t.CheckCount++
	t.Status = StatusMonitoring

	next, alive := NextInterval(now.Sub(t.SubmittedAt))
	if !alive {
		t.Status = StatusExpired
		delete(r.tasks, key)
		return true
	}
	t.NextInterval = next
	return false
}

// Snapshot returns copies of all tracked tasks, oldest first.
func (r *Registry) Snapshot() []DownloadTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DownloadTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}
