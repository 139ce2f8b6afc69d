// internal/process/adapter.go
package process

import (
	"errors"
	"sync"
	"time"

	"github.com/tendant/simple-watermarker/pkg/schema"
)

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job captures the minimal metadata the worker tracks for auditing purposes.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Files     int       `json:"files"`
	Status    JobStatus `json:"status"`
	Percent   int       `json:"percent"`
	Entries   int       `json:"entries,omitempty"`
	Skipped   []string  `json:"skipped,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewJob(kind, id string, files int) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		Kind:      kind,
		Files:     files,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func MarkRunning(j *Job)   { j.Status = JobStatusRunning; j.UpdatedAt = time.Now() }
func MarkSucceeded(j *Job) { j.Status = JobStatusSucceeded; j.Percent = 100; j.UpdatedAt = time.Now() }
func MarkCancelled(j *Job) { j.Status = JobStatusCancelled; j.UpdatedAt = time.Now() }
func MarkFailed(j *Job, err error) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	if err != nil {
		j.Error = err.Error()
	}
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}

// Registry keeps the most recent jobs in memory, evicting the oldest
// finished ones past its limit.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
}

func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = 100
	}
	return &Registry{jobs: make(map[string]*Job), limit: limit}
}

func (r *Registry) Track(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; !ok {
		r.order = append(r.order, j.ID)
	}
	r.jobs[j.ID] = j
	r.evict()
}

// Get returns a copy of the job so callers cannot race the worker.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	out := *j
	out.Skipped = append([]string(nil), j.Skipped...)
	return out, true
}

// Observe folds a pipeline event into the job's record.
func (r *Registry) Observe(ev schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[ev.JobID]
	if !ok || j.Done() {
		return
	}
	switch ev.Type {
	case schema.EventProgress:
		if j.Status == JobStatusPending {
			MarkRunning(j)
		}
		j.Percent = ev.Percent
		j.UpdatedAt = time.Now()
	case schema.EventResult:
		j.Entries = ev.Entries
		j.Skipped = append([]string(nil), ev.Skipped...)
		MarkSucceeded(j)
	case schema.EventCancelled:
		MarkCancelled(j)
	case schema.EventError:
		var err error
		if ev.Error != "" {
			err = errors.New(ev.Error)
		}
		MarkFailed(j, err)
	}
}

func (r *Registry) evict() {
	for len(r.order) > r.limit {
		evicted := false
		for i, id := range r.order {
			if r.jobs[id].Done() {
				delete(r.jobs, id)
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
