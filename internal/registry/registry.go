// Package registry guards the one-active-job-per-resource invariant.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrAlreadyRunning is returned by TryAcquire when a job for the
// resource type is still running. Duplicate syncs are rejected, never
// queued.
var ErrAlreadyRunning = errors.New("sync already running")

// SyncJob is the registry's record of one sync run. It is owned by
// the registry; callers mutate it only through registry methods.
type SyncJob struct {
	ID        string
	Resource  string
	State     State
	StartedAt time.Time
	EndedAt   *time.Time
	Processed int
	Failed    int
	Skipped   int
	Limit     int
}

// JobStatus is an immutable snapshot of a job for observers.
type JobStatus struct {
	ID        string     `json:"id"`
	Resource  string     `json:"resource"`
	State     State      `json:"state"`
	StartedAt time.Time  `json:"started"`
	EndedAt   *time.Time `json:"ended,omitempty"`
	Processed int        `json:"records_processed"`
	Failed    int        `json:"records_failed"`
	Skipped   int        `json:"records_skipped"`
	Limit     int        `json:"limit,omitempty"`
}

// Registry is the only shared mutable state between jobs. All access
// goes through its mutex.
type Registry struct {
	mu     sync.Mutex
	active map[string]*SyncJob
	// last terminal status per resource, kept for the dashboard until
	// the next acquisition
	last map[string]JobStatus
	log  *zap.Logger
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		active: make(map[string]*SyncJob),
		last:   make(map[string]JobStatus),
		log:    log,
	}
}

// TryAcquire transitions a resource from Idle to Running. It is
// atomic across concurrent callers: at most one job per resource type
// can exist, while different resource types proceed independently.
func (r *Registry) TryAcquire(resource string, limit int) (*SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.active[resource]; running {
		return nil, errors.Wrap(ErrAlreadyRunning, resource)
	}

	job := &SyncJob{
		ID:        uuid.NewString(),
		Resource:  resource,
		State:     StateRunning,
		StartedAt: time.Now().UTC(),
		Limit:     limit,
	}
	r.active[resource] = job
	delete(r.last, resource)
	r.log.Info("job acquired", zap.String("resource", resource), zap.String("job_id", job.ID))
	return job, nil
}

// AddProgress accumulates batch results into the job's counters.
func (r *Registry) AddProgress(job *SyncJob, processed, failed, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.Processed += processed
	job.Failed += failed
	job.Skipped += skipped
}

// Release transitions Running to the terminal outcome and vacates the
// slot so the resource is immediately acquirable again. It must be
// called on every orchestrator exit path. The returned snapshot is
// the job's terminal status; callers must use it rather than
// re-reading by resource, since a new job may acquire the slot the
// moment the mutex is dropped.
func (r *Registry) Release(job *SyncJob, outcome State) JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	job.State = outcome
	job.EndedAt = &now
	delete(r.active, job.Resource)
	st := statusOf(job)
	r.last[job.Resource] = st
	r.log.Info("job released",
		zap.String("resource", job.Resource),
		zap.String("outcome", string(outcome)),
		zap.Int("processed", job.Processed),
		zap.Int("failed", job.Failed))
	return st
}

// Status returns the current snapshot of one job, running or last
// terminal. The bool reports whether anything is known.
func (r *Registry) Status(resource string) (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.active[resource]; ok {
		return statusOf(job), true
	}
	st, ok := r.last[resource]
	return st, ok
}

// Snapshot returns the status of every known job, keyed by resource.
func (r *Registry) Snapshot() map[string]JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]JobStatus, len(r.active)+len(r.last))
	for res, st := range r.last {
		out[res] = st
	}
	for res, job := range r.active {
		out[res] = statusOf(job)
	}
	return out
}

// ActiveCount reports how many jobs are currently running.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func statusOf(j *SyncJob) JobStatus {
	return JobStatus{
		ID:        j.ID,
		Resource:  j.Resource,
		State:     j.State,
		StartedAt: j.StartedAt,
		EndedAt:   j.EndedAt,
		Processed: j.Processed,
		Failed:    j.Failed,
		Skipped:   j.Skipped,
		Limit:     j.Limit,
	}
}
