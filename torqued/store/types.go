package store

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusRetry     Status = "retry"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BackoffPolicy selects the retry delay curve.
type BackoffPolicy string

const (
	BackoffLinear      BackoffPolicy = "linear"
	BackoffExponential BackoffPolicy = "exponential"
)

// Task is the durable record of one web-hook delivery.
// The store owns every field; workers only ever hold a snapshot plus a
// time-bounded claim.
type Task struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	DueAt        time.Time  `json:"due_at"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`

	// LastStatusCode is 0 until an outbound response has been observed.
	LastStatusCode int    `json:"last_status_code,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	// Timeout is the per-task outbound request deadline. Persisted as
	// whole seconds.
	Timeout       time.Duration `json:"timeout_seconds"`
	BackoffPolicy BackoffPolicy `json:"backoff_policy"`

	// MaxAttempts of 0 means retry indefinitely on transient errors.
	MaxAttempts int `json:"max_attempts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns a copy safe to hand across goroutines.
func (t *Task) Snapshot() *Task {
	cp := *t
	if t.ClaimedUntil != nil {
		cu := *t.ClaimedUntil
		cp.ClaimedUntil = &cu
	}
	if t.Body != nil {
		cp.Body = append([]byte(nil), t.Body...)
	}
	if t.Headers != nil {
		cp.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// Statuses enumerates every lifecycle state, in lifecycle order.
// Used by stats aggregation so that counts always carry all keys.
var Statuses = []Status{
	StatusPending,
	StatusExecuting,
	StatusRetry,
	StatusCompleted,
	StatusFailed,
}
