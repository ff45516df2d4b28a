package jobs

import (
	"context"
	"time"
)

const (
	defaultMemoryAttempts   = 5
	defaultMemoryRetryDelay = time.Second
)

// MemoryQueue is a buffered channel. Jobs are lost on restart, so it is only
// suitable for development and single-process deployments. A job that is not
// acknowledged is redelivered after a linear backoff until it has been
// delivered MaxAttempts times.
type MemoryQueue struct {
	ch   chan Job
	poll time.Duration

	MaxAttempts int
	RetryDelay  time.Duration
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{
		ch:          make(chan Job, size),
		poll:        time.Second,
		MaxAttempts: defaultMemoryAttempts,
		RetryDelay:  defaultMemoryRetryDelay,
	}
}

// Enqueue never blocks; a full buffer returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) ([]Job, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	select {
	case job := <-q.ch:
		job.Attempt++
		job.final = q.MaxAttempts > 0 && job.Attempt >= q.MaxAttempts
		return []Job{job}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, Job) error { return nil }

// Retry puts an unacknowledged job back after RetryDelay times the attempts
// made so far. A job on its last attempt returns ErrAttemptsExhausted.
func (q *MemoryQueue) Retry(_ context.Context, job Job) error {
	if job.final {
		return ErrAttemptsExhausted
	}
	delay := q.RetryDelay * time.Duration(job.Attempt)
	time.AfterFunc(delay, func() {
		// Blocks until there is room; redelivery must not lose the job.
		q.ch <- job
	})
	return nil
}

func (q *MemoryQueue) Len() int { return len(q.ch) }
