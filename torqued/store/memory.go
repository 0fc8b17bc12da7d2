package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with a mutex-guarded map. It mirrors the
// PostgresStore semantics exactly (claim eligibility, fencing) so the
// worker and poller behave identically against either backend. Used in
// tests and single-process dev mode.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Insert(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return ErrConflict
	}
	s.tasks[task.ID] = task.Snapshot()
	return nil
}

func claimable(t *Task, now time.Time) bool {
	if t.Status != StatusPending && t.Status != StatusRetry {
		return false
	}
	if t.DueAt.After(now) {
		return false
	}
	return t.ClaimedUntil == nil || !t.ClaimedUntil.After(now)
}

func (s *MemoryStore) Claim(ctx context.Context, id string, now time.Time, claimDuration time.Duration) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || !claimable(t, now) {
		return nil, ErrNotClaimable
	}

	until := now.Add(claimDuration)
	t.Status = StatusExecuting
	t.ClaimedUntil = &until
	t.Attempts++
	t.UpdatedAt = now
	return t.Snapshot(), nil
}

// fenced locates the task and verifies the claimant still owns the attempt.
// Callers hold the mutex.
func (s *MemoryStore) fenced(id string, expectedAttempts int) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusExecuting || t.Attempts != expectedAttempts {
		return nil, ErrFenced
	}
	return t, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, expectedAttempts int, statusCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.fenced(id, expectedAttempts)
	if err != nil {
		return err
	}
	t.Status = StatusCompleted
	t.ClaimedUntil = nil
	t.LastStatusCode = statusCode
	t.LastError = ""
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, expectedAttempts int, statusCode int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.fenced(id, expectedAttempts)
	if err != nil {
		return err
	}
	t.Status = StatusFailed
	t.ClaimedUntil = nil
	t.LastStatusCode = statusCode
	t.LastError = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ScheduleRetry(ctx context.Context, id string, expectedAttempts int, dueAt time.Time, statusCode int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.fenced(id, expectedAttempts)
	if err != nil {
		return err
	}
	t.Status = StatusRetry
	t.ClaimedUntil = nil
	t.DueAt = dueAt
	t.LastStatusCode = statusCode
	t.LastError = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type due struct {
		id string
		at time.Time
	}
	var eligible []due
	for id, t := range s.tasks {
		if claimable(t, now) {
			eligible = append(eligible, due{id, t.DueAt})
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].at.Before(eligible[j].at) })

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	ids := make([]string, 0, len(eligible))
	for _, d := range eligible {
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (s *MemoryStore) SweepTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(olderThan) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Snapshot(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*Task)
	return nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int64, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}
