// Package orderqueue holds submitted orders until the processor feeds them to
// the matching engine.
package orderqueue

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-match/internal/matching"
)

var (
	// ErrEmpty is returned by Dequeue when no job is waiting.
	ErrEmpty = errors.New("queue is empty")
	// ErrClosed is returned by every operation on a closed queue.
	ErrClosed = errors.New("queue is closed")
	// ErrDuplicate is returned when a job id is already queued.
	ErrDuplicate = errors.New("job already queued")
	// ErrNotFound is returned by Ack for an unknown job id.
	ErrNotFound = errors.New("job not found")
)

// Job is one order waiting to be matched.
type Job struct {
	ID         string         `json:"id"`
	Order      matching.Order `json:"order"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Queue is a FIFO of jobs with at-least-once delivery: Dequeue hands out the
// oldest unacknowledged job and keeps returning it until Ack removes it.
type Queue interface {
	// Enqueue appends a job. The job id defaults to the order id.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue returns the oldest unacknowledged job, or ErrEmpty.
	Dequeue(ctx context.Context) (Job, error)
	// Ack removes a processed job.
	Ack(ctx context.Context, id string) error
	// Pending lists every unacknowledged job, oldest first.
	Pending(ctx context.Context) ([]Job, error)
	// Size returns the number of unacknowledged jobs.
	Size(ctx context.Context) (int, error)
	Close() error
}

func prepare(job Job) Job {
	if job.ID == "" {
		job.ID = job.Order.ID
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	return job
}
