package deletion

import (
	"sync"
	"time"
)

// TerminalFunc is notified after a job reaches a terminal state and is purged.
type TerminalFunc func(job Job)

// Registry is the single source of truth for live deletion jobs.
// At most one live job exists per key; terminal jobs are purged immediately.
type Registry struct {
	mu         sync.Mutex
	jobs       map[Key]*Job
	seq        uint64
	onTerminal TerminalFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTerminalHook registers fn to be called for every job that leaves the registry.
func WithTerminalHook(fn TerminalFunc) RegistryOption {
	return func(r *Registry) { r.onTerminal = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		jobs: make(map[Key]*Job),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Upsert registers a pending job for key due at due. A prior live job for the
// same key is cancelled first.
func (r *Registry) Upsert(key Key, due time.Time) Handle {
	r.mu.Lock()
	var superseded *Job
	if prev, ok := r.jobs[key]; ok {
		prev.Status = StatusCancelled
		superseded = prev
	}
	r.seq++
	j := &Job{
		Key:       key,
		DueTime:   due,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		gen:       r.seq,
	}
	r.jobs[key] = j
	r.mu.Unlock()

	if superseded != nil {
		r.notify(*superseded)
	}
	return Handle{key: key, gen: j.gen, reg: r}
}

// Cancel cancels and removes the live job for key. It is a no-op if absent.
func (r *Registry) Cancel(key Key) bool {
	return r.cancelGen(key, 0)
}

// cancelGen cancels the job for key; gen 0 matches any generation.
func (r *Registry) cancelGen(key Key, gen uint64) bool {
	r.mu.Lock()
	j, ok := r.jobs[key]
	if !ok || (gen != 0 && j.gen != gen) {
		r.mu.Unlock()
		return false
	}
	j.Status = StatusCancelled
	delete(r.jobs, key)
	snap := *j
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// Get returns a snapshot of the live job for key.
func (r *Registry) Get(key Key) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[key]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// MarkTerminal finalizes and purges the live job for key.
// Non-terminal statuses and absent keys are ignored.
func (r *Registry) MarkTerminal(key Key, status Status) bool {
	return r.finish(key, 0, status)
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// CancelAll cancels every live job and returns how many were cancelled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	cancelled := make([]Job, 0, len(r.jobs))
	for k, j := range r.jobs {
		j.Status = StatusCancelled
		cancelled = append(cancelled, *j)
		delete(r.jobs, k)
	}
	r.mu.Unlock()

	for _, j := range cancelled {
		r.notify(j)
	}
	return len(cancelled)
}

// fire moves a pending or retrying job of generation gen to Firing and counts
// the attempt. It returns false when the job was cancelled or superseded.
func (r *Registry) fire(key Key, gen uint64) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[key]
	if !ok || j.gen != gen {
		return Job{}, false
	}
	if j.Status != StatusPending && j.Status != StatusRetrying {
		return Job{}, false
	}
	j.Status = StatusFiring
	j.Attempts++
	return *j, true
}

// retry re-arms a firing job of generation gen for another attempt.
func (r *Registry) retry(key Key, gen uint64, due time.Time, backoff time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[key]
	if !ok || j.gen != gen || j.Status != StatusFiring {
		return false
	}
	j.Status = StatusRetrying
	j.DueTime = due
	j.Backoff = backoff
	return true
}

// finish applies a terminal status to generation gen (0 matches any) and purges it.
func (r *Registry) finish(key Key, gen uint64, status Status) bool {
	if !status.Terminal() {
		return false
	}
	r.mu.Lock()
	j, ok := r.jobs[key]
	if !ok || (gen != 0 && j.gen != gen) {
		r.mu.Unlock()
		return false
	}
	j.Status = status
	delete(r.jobs, key)
	snap := *j
	r.mu.Unlock()

	r.notify(snap)
	return true
}

func (r *Registry) notify(j Job) {
	if r.onTerminal != nil {
		r.onTerminal(j)
	}
}
