// Package jobs moves slow work (PDF rendering, uploads) off the request path.
// A Queue carries Jobs; a Worker pulls them and dispatches by Kind.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	KindConsentRender   = "consent.render"
	KindStatementRender = "statement.render"
)

// Job is one unit of background work. TenantID names the schema the job
// operates on.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	TenantID   string          `json:"tenant_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt counts deliveries, starting at 1. Zero when the queue does
	// not track it.
	Attempt int `json:"attempt,omitempty"`

	// receipt identifies the delivery for Ack. Not serialized.
	receipt string
	final   bool
}

func NewJob(kind, tenantID string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		TenantID:   tenantID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Final reports whether the queue will not deliver this job again if it
// fails. Handlers use it to settle state that would otherwise wait for a
// retry.
func (j Job) Final() bool { return j.final }

// Queue is implemented by MemoryQueue and SQSQueue. Receive blocks for at
// most a short poll interval and may return no jobs. Jobs that are not
// acknowledged may be delivered again.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Receive(ctx context.Context) ([]Job, error)
	Ack(ctx context.Context, job Job) error
}

// Retrier is implemented by queues that redeliver failed jobs on request
// rather than on a visibility timeout.
type Retrier interface {
	Retry(ctx context.Context, job Job) error
}

var (
	ErrQueueFull         = errors.New("job queue is full")
	ErrAttemptsExhausted = errors.New("job delivery attempts exhausted")
)
