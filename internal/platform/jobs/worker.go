package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type HandlerFunc func(ctx context.Context, job Job) error

// Observer is told the outcome of every handled job.
type Observer func(kind string, err error)

// Worker runs a fixed number of goroutines that receive and dispatch jobs.
// A job whose handler fails is not acknowledged and, on queues that
// implement Retrier, is handed back for redelivery.
type Worker struct {
	queue    Queue
	workers  int
	logger   zerolog.Logger
	observer Observer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(queue Queue, workers int, logger zerolog.Logger) *Worker {
	if workers < 1 {
		workers = 1
	}
	return &Worker{
		queue:    queue,
		workers:  workers,
		logger:   logger.With().Str("component", "jobs").Logger(),
		handlers: make(map[string]HandlerFunc),
	}
}

func (w *Worker) Handle(kind string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

func (w *Worker) SetObserver(o Observer) {
	w.observer = o
}

// Run blocks until ctx is cancelled and every goroutine has returned.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Int("workers", w.workers).Msg("job worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info().Msg("job worker stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error().Err(err).Int("worker", id).Msg("receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, job := range jobs {
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	start := time.Now()
	err := w.dispatch(ctx, job)
	if w.observer != nil {
		w.observer(job.Kind, err)
	}

	log := w.logger.With().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Str("tenant_id", job.TenantID).
		Dur("latency", time.Since(start)).
		Logger()
	if err != nil {
		log.Error().Err(err).Int("attempt", job.Attempt).Msg("job failed")
		w.retry(ctx, job, log)
		return
	}
	if err := w.queue.Ack(ctx, job); err != nil {
		log.Warn().Err(err).Msg("job ack failed")
		return
	}
	log.Info().Msg("job completed")
}

// retry hands a failed job back to queues that redeliver on request. SQS
// redelivers on its own once the visibility timeout lapses.
func (w *Worker) retry(ctx context.Context, job Job, log zerolog.Logger) {
	r, ok := w.queue.(Retrier)
	if !ok {
		return
	}
	switch err := r.Retry(ctx, job); {
	case errors.Is(err, ErrAttemptsExhausted):
		log.Error().Int("attempt", job.Attempt).Msg("job dropped after final attempt")
	case err != nil:
		log.Error().Err(err).Msg("job retry failed")
	}
}

func (w *Worker) dispatch(ctx context.Context, job Job) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[job.Kind]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
