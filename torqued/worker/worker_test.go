package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torqueio/torque/torqued/bus"
	"github.com/torqueio/torque/torqued/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// hookServer returns the given status codes in order, then keeps returning
// the last one. It records how many calls it saw and the last request.
type hookServer struct {
	mu      sync.Mutex
	codes   []int
	calls   int
	lastReq *http.Request
	server  *httptest.Server
}

func newHookServer(t *testing.T, codes ...int) *hookServer {
	h := &hookServer{codes: codes}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		code := h.codes[len(h.codes)-1]
		if h.calls < len(h.codes) {
			code = h.codes[h.calls]
		}
		h.calls++
		h.lastReq = r.Clone(context.Background())
		w.WriteHeader(code)
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *hookServer) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestPool(s store.Store, b bus.Bus, clock *fakeClock) *Pool {
	p := NewPool(s, b, Config{
		Count:         1,
		ClaimDuration: 30 * time.Second,
		BaseDelay:     1 * time.Second,
		MaxDelay:      60 * time.Second,
	})
	p.now = clock.Now
	return p
}

func enqueue(t *testing.T, s store.Store, clock *fakeClock, url string, maxAttempts int) string {
	t.Helper()
	now := clock.Now()
	task := &store.Task{
		ID:            "task-" + t.Name(),
		URL:           url,
		Body:          []byte("x"),
		Headers:       map[string]string{"Content-Type": "text/plain", "X-Custom": "abc"},
		Status:        store.StatusPending,
		DueAt:         now,
		Timeout:       5 * time.Second,
		BackoffPolicy: store.BackoffExponential,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.Insert(context.Background(), task))
	return task.ID
}

// drainUntilDue drives Dispatch against a task until it is terminal,
// advancing the clock past each retry due time. Returns the observed
// retry delays.
func drainUntilDue(t *testing.T, p *Pool, s store.Store, clock *fakeClock, id string, maxRounds int) []time.Duration {
	t.Helper()
	var delays []time.Duration
	for i := 0; i < maxRounds; i++ {
		p.Dispatch(id)
		task, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, task)
		if task.Status.Terminal() {
			return delays
		}
		require.Equal(t, store.StatusRetry, task.Status)
		delay := task.DueAt.Sub(clock.Now())
		require.Positive(t, delay)
		delays = append(delays, delay)
		clock.Advance(delay + time.Millisecond)
	}
	t.Fatalf("task %s not terminal after %d rounds", id, maxRounds)
	return nil
}

func TestDispatchHappyPath(t *testing.T) {
	hook := newHookServer(t, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)
	p.Dispatch(id)

	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, 200, task.LastStatusCode)
	require.Nil(t, task.ClaimedUntil)
	require.Equal(t, 1, hook.callCount())
}

func TestDispatchForwardsHeadersAndTaskID(t *testing.T) {
	hook := newHookServer(t, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)
	p.Dispatch(id)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Equal(t, http.MethodPost, hook.lastReq.Method)
	require.Equal(t, id, hook.lastReq.Header.Get(TaskIDHeader))
	require.Equal(t, "text/plain", hook.lastReq.Header.Get("Content-Type"))
	require.Equal(t, "abc", hook.lastReq.Header.Get("X-Custom"))
}

func TestDispatchTransientThenSuccess(t *testing.T) {
	hook := newHookServer(t, 502, 502, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)
	delays := drainUntilDue(t, p, s, clock, id, 5)

	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, task.Status)
	require.Equal(t, 3, task.Attempts)
	require.Equal(t, 200, task.LastStatusCode)

	// Retries scheduled at ~1s then ~2s.
	require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)
}

func TestDispatchPermanentFailure(t *testing.T) {
	hook := newHookServer(t, 404)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)
	p.Dispatch(id)

	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, 404, task.LastStatusCode)
	require.Equal(t, 1, hook.callCount())
}

func TestDispatchExhaustion(t *testing.T) {
	hook := newHookServer(t, 500)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)
	delays := drainUntilDue(t, p, s, clock, id, 6)

	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, task.Status)
	require.Equal(t, 5, task.Attempts)
	require.Equal(t, 500, task.LastStatusCode)
	require.Contains(t, task.LastError, "max attempts")

	// Four retries before the final attempt: 1, 2, 4, 8 seconds.
	require.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	}, delays)
}

func TestDispatchNetworkErrorIsTransient(t *testing.T) {
	hook := newHookServer(t, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	// Kill the server before the first attempt.
	url := hook.server.URL
	hook.server.Close()

	id := enqueue(t, s, clock, url, 5)
	p.Dispatch(id)

	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusRetry, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, 0, task.LastStatusCode)
	require.NotEmpty(t, task.LastError)
}

func TestDispatchDiscardsUnclaimableHint(t *testing.T) {
	hook := newHookServer(t, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)

	// Someone else holds the claim.
	_, err := s.Claim(context.Background(), id, clock.Now(), time.Minute)
	require.NoError(t, err)

	p.Dispatch(id)
	require.Equal(t, 0, hook.callCount())
}

func TestDispatchReclaimAfterWorkerDeath(t *testing.T) {
	hook := newHookServer(t, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	p := newTestPool(s, bus.NewMemoryBus(16), clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)

	// A worker claims and dies before committing.
	_, err := s.Claim(context.Background(), id, clock.Now(), 30*time.Second)
	require.NoError(t, err)

	// Before the claim expires the task is untouchable.
	p.Dispatch(id)
	require.Equal(t, 0, hook.callCount())

	// After expiry the next claim succeeds; one attempt was lost.
	clock.Advance(31 * time.Second)
	p.Dispatch(id)

	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, task.Status)
	require.Equal(t, 2, task.Attempts)
	require.Equal(t, 1, hook.callCount())
}

func TestRetryPublishThreshold(t *testing.T) {
	hook := newHookServer(t, 502, 502, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	b := bus.NewMemoryBus(16)
	p := newTestPool(s, b, clock)

	id := enqueue(t, s, clock, hook.server.URL, 5)

	// First retry is due in 1s: re-published immediately.
	p.Dispatch(id)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	got, err := b.Consume(ctx)
	cancel()
	require.NoError(t, err)
	require.Equal(t, id, got)

	// Second retry is due in 2s: left for the poller.
	clock.Advance(1100 * time.Millisecond)
	p.Dispatch(id)
	ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err = b.Consume(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDrainsOnCancel(t *testing.T) {
	hook := newHookServer(t, 200)
	s := store.NewMemoryStore()
	clock := newFakeClock()
	b := bus.NewMemoryBus(16)

	p := NewPool(s, b, Config{
		Count:         2,
		ClaimDuration: 30 * time.Second,
		IdleInterval:  50 * time.Millisecond,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
	})
	p.now = clock.Now

	id := enqueue(t, s, clock, hook.server.URL, 5)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	require.NoError(t, b.Publish(context.Background(), id))

	require.Eventually(t, func() bool {
		task, err := s.Get(context.Background(), id)
		return err == nil && task != nil && task.Status == store.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}
}
