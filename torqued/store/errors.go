package store

import "errors"

var (
	// ErrConflict is returned by Insert when the task id already exists.
	ErrConflict = errors.New("task id already exists")

	// ErrNotFound is returned when the referenced task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrNotClaimable is returned by Claim when the task is missing, not
	// due, terminal, or currently claimed by someone else. Expected under
	// contention; callers discard the id and move on.
	ErrNotClaimable = errors.New("task not claimable")

	// ErrFenced is returned by the transition commits when the stored
	// attempts counter no longer matches the claimant's snapshot. The task
	// is owned by a later attempt.
	ErrFenced = errors.New("commit fenced: task re-claimed by a later attempt")
)
