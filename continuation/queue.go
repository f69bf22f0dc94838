package continuation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow kind")
	ErrLeaseLost       = errors.New("queue lease lost")
)

// Queue is a durable at-least-once job queue. A dequeued job stays invisible
// until it is completed, released, or its lease expires, after which it is
// delivered again.
type Queue interface {
	Enqueue(ctx context.Context, payload *Payload, delay time.Duration) error
	// Dequeue returns nil when nothing is due.
	Dequeue(ctx context.Context, workerID string) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Advance acknowledges job and enqueues next in one atomic step. When the
	// lease no longer matches, nothing is written and ErrLeaseLost is
	// returned. A nil next only acknowledges.
	Advance(ctx context.Context, job *Job, next *Payload, delay time.Duration) error
	// Release makes the job visible again after delay.
	Release(ctx context.Context, job *Job, delay time.Duration) error
	Len(ctx context.Context) (int, error)
}
