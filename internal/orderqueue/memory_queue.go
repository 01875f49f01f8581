package orderqueue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   []Job
	ids    map[string]struct{}
	closed bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ids: make(map[string]struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	job = prepare(job)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.ids[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	q.jobs = append(q.jobs, job)
	q.ids[job.ID] = struct{}{}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, ErrClosed
	}
	if len(q.jobs) == 0 {
		return Job{}, ErrEmpty
	}
	return q.jobs[0], nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for i, job := range q.jobs {
		if job.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			delete(q.ids, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (q *MemoryQueue) Pending(ctx context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)
	return out, nil
}

func (q *MemoryQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return len(q.jobs), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
