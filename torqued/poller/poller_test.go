package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torqueio/torque/torqued/bus"
	"github.com/torqueio/torque/torqued/store"
	"github.com/torqueio/torque/torqued/worker"
)

func insertTask(t *testing.T, s store.Store, id, url string, due time.Time) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), &store.Task{
		ID:            id,
		URL:           url,
		Status:        store.StatusPending,
		DueAt:         due,
		Timeout:       5 * time.Second,
		BackoffPolicy: store.BackoffExponential,
		CreatedAt:     due,
		UpdatedAt:     due,
	}))
}

func TestTickRepublishesDueIDs(t *testing.T) {
	s := store.NewMemoryStore()
	b := bus.NewMemoryBus(16)
	p := New(s, b, Config{
		Interval:    time.Second,
		GCInterval:  time.Minute,
		GCRetention: time.Hour,
	})

	now := time.Now()
	insertTask(t, s, "due", "http://h/ok", now.Add(-time.Second))
	insertTask(t, s, "later", "http://h/ok", now.Add(time.Hour))

	p.Tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	id, err := b.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, "due", id)

	// Nothing else was due.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = b.Consume(ctx2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSweepRemovesExpiredTerminals(t *testing.T) {
	s := store.NewMemoryStore()
	b := bus.NewMemoryBus(16)
	p := New(s, b, Config{
		Interval:    time.Second,
		GCInterval:  time.Minute,
		GCRetention: 0,
	})

	now := time.Now()
	insertTask(t, s, "done", "http://h/ok", now.Add(-time.Second))
	claimed, err := s.Claim(context.Background(), "done", now, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Complete(context.Background(), "done", claimed.Attempts, 200))

	// Retention zero: terminal rows are eligible as soon as they age at all.
	p.now = func() time.Time { return time.Now().Add(time.Minute) }
	p.Sweep(context.Background())

	got, err := s.Get(context.Background(), "done")
	require.NoError(t, err)
	require.Nil(t, got)
}

// The poller alone must drive a task to completion when the bus dropped
// the enqueue hint entirely.
func TestPollerRecoversDroppedHint(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	s := store.NewMemoryStore()
	b := bus.NewMemoryBus(16)

	// Enqueue without any publish: the hint was lost.
	insertTask(t, s, "orphan", hook.URL, time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(s, b, worker.Config{
		Count:         1,
		ClaimDuration: 30 * time.Second,
		IdleInterval:  5 * time.Second, // idle fallback disabled in practice
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
	})
	pool.Start(ctx)

	p := New(s, b, Config{
		Interval:    50 * time.Millisecond,
		GCInterval:  time.Minute,
		GCRetention: time.Hour,
	})
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		task, err := s.Get(context.Background(), "orphan")
		return err == nil && task != nil && task.Status == store.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	pool.Wait()
}
