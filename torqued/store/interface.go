package store

import (
	"context"
	"time"
)

// Store is the durable, transactional record of every task. It is the
// single source of truth; the notify bus is only ever a hint layered on
// top of it. It abstracts over Postgres (production) and Memory (tests,
// single-process dev mode).
type Store interface {
	// Insert durably commits a new task before returning.
	// Returns ErrConflict if the id already exists.
	Insert(ctx context.Context, task *Task) error

	// Claim atomically transitions an eligible task to executing and
	// returns its snapshot. A task is eligible when its status is pending
	// or retry, due_at <= now, and any previous claim has expired. The
	// claim increments attempts and holds until now+claimDuration. Exactly
	// one of any set of concurrent claimers can succeed; the rest get
	// ErrNotClaimable.
	Claim(ctx context.Context, id string, now time.Time, claimDuration time.Duration) (*Task, error)

	// Complete, Fail and ScheduleRetry commit the outcome of a dispatch
	// attempt. Each clears claimed_until. expectedAttempts is the value
	// observed at claim time; the commit is rejected with ErrFenced if the
	// stored counter has moved on.
	Complete(ctx context.Context, id string, expectedAttempts int, statusCode int) error
	Fail(ctx context.Context, id string, expectedAttempts int, statusCode int, reason string) error
	ScheduleRetry(ctx context.Context, id string, expectedAttempts int, dueAt time.Time, statusCode int, reason string) error

	// SelectDue returns up to limit ids eligible for claiming at now.
	SelectDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// SweepTerminal deletes completed/failed tasks whose updated_at is
	// older than olderThan, returning the number removed.
	SweepTerminal(ctx context.Context, olderThan time.Time) (int64, error)

	// Get returns a snapshot, or (nil, nil) when the id is unknown.
	Get(ctx context.Context, id string) (*Task, error)

	// Delete removes a task regardless of state. ErrNotFound if unknown.
	Delete(ctx context.Context, id string) error

	// DeleteAll purges every task.
	DeleteAll(ctx context.Context) error

	// CountByStatus returns aggregate counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Close releases the backing connections.
	Close()
}
