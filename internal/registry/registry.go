package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
)

var ErrNotFound = errors.New("job not found")

// Registry holds the two job maps keyed by request id: pending jobs
// waiting on an invoice, and completed jobs retained so later requests
// can chain off them. A request id lives in at most one of the two at
// any time.
//
// TakePending is the mutual-exclusion primitive for execution: it must
// remove and return the job atomically so that, with poll ticks racing,
// exactly one caller observes ok=true per id.
type Registry interface {
	// Has reports whether the id is known to either map.
	Has(ctx context.Context, id string) (bool, error)

	PutPending(ctx context.Context, job *domain.Job) error
	TakePending(ctx context.Context, id string) (*domain.Job, bool, error)
	DeletePending(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]*domain.Job, error)

	PutCompleted(ctx context.Context, job *domain.Job) error
	// GetCompleted returns ErrNotFound for unknown ids.
	GetCompleted(ctx context.Context, id string) (*domain.Job, error)
}

// MemoryRegistry keeps both maps in process memory. It is the default
// backend; chain history does not survive a restart with it.
type MemoryRegistry struct {
	mu        sync.Mutex
	pending   map[string]*domain.Job
	completed map[string]*domain.Job
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		pending:   make(map[string]*domain.Job),
		completed: make(map[string]*domain.Job),
	}
}

func (r *MemoryRegistry) Has(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, inPending := r.pending[id]
	_, inCompleted := r.completed[id]
	return inPending || inCompleted, nil
}

func (r *MemoryRegistry) PutPending(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[job.ID()] = cloneJob(job)
	return nil
}

func (r *MemoryRegistry) TakePending(_ context.Context, id string) (*domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.pending[id]
	if !ok {
		return nil, false, nil
	}
	delete(r.pending, id)
	return cloneJob(job), true, nil
}

func (r *MemoryRegistry) DeletePending(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, id)
	return nil
}

func (r *MemoryRegistry) ListPending(_ context.Context) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]*domain.Job, 0, len(r.pending))
	for _, job := range r.pending {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs, nil
}

func (r *MemoryRegistry) PutCompleted(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed[job.ID()] = cloneJob(job)
	return nil
}

func (r *MemoryRegistry) GetCompleted(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.completed[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Input != nil {
		input := *job.Input
		clone.Input = &input
	}
	return &clone
}
