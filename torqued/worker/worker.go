package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/torqueio/torque/torqued/bus"
	"github.com/torqueio/torque/torqued/observability"
	"github.com/torqueio/torque/torqued/store"
)

// TaskIDHeader carries the task identifier on every outbound POST.
const TaskIDHeader = "X-Task-Id"

const (
	maxRedirects = 5

	// publishThreshold bounds how soon a retry must be due for the worker
	// to re-publish it immediately. Anything later is the poller's job;
	// publishing eagerly would just spin hints at a task nobody can claim.
	publishThreshold = 1 * time.Second

	// storeRetries/storeRetryDelay bound the back-off-and-retry on store
	// interactions when the database is briefly unavailable.
	storeRetries    = 3
	storeRetryDelay = 250 * time.Millisecond
)

var errTooManyRedirects = errors.New("stopped after 5 redirects")

// Config tunes the worker pool.
type Config struct {
	Count         int
	ClaimDuration time.Duration

	// IdleInterval is how long a worker waits on the bus before falling
	// back to a direct due scan.
	IdleInterval time.Duration
	// DueBatch is the scan size of the idle fallback.
	DueBatch int

	// BaseDelay and MaxDelay parameterise the backoff curves.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Pool runs N workers, each cycling: wait for a task id, claim it through
// the store, perform the outbound POST, classify, and commit the
// transition. Bus messages are hints only; losing the claim race is the
// common case and is silently discarded.
type Pool struct {
	store  store.Store
	bus    bus.Bus
	cfg    Config
	client *http.Client
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewPool creates a worker pool. The shared HTTP client verifies TLS and
// follows at most 5 redirects; the per-task deadline is applied per
// request.
func NewPool(s store.Store, b bus.Bus, cfg Config) *Pool {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 2 * time.Second
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = 16
	}
	return &Pool{
		store: s,
		bus:   b,
		cfg:   cfg,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errTooManyRedirects
				}
				return nil
			},
		},
		now: time.Now,
	}
}

// Start launches the workers. They stop consuming when ctx is cancelled,
// finish any in-flight attempt, and exit; Wait blocks until then.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.run(ctx, n)
		}(i)
	}
	log.Printf("worker: started %d workers (claim %v, idle fallback %v)",
		p.cfg.Count, p.cfg.ClaimDuration, p.cfg.IdleInterval)
}

// Wait blocks until every worker has drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, n int) {
	for {
		id, err := p.nextID(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker %d: consume: %v", n, err)
			continue
		}
		if id == "" {
			// Idle and nothing due; go around.
			continue
		}
		p.Dispatch(id)
		if ctx.Err() != nil {
			return
		}
	}
}

// nextID waits on the bus for up to the idle interval, then falls back to
// a direct due scan. The scan is what guarantees progress when the bus is
// down or dropped a message.
func (p *Pool) nextID(ctx context.Context) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.IdleInterval)
	defer cancel()

	id, err := p.bus.Consume(waitCtx)
	if err == nil {
		return id, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		// Bus unavailable: polling covers for it.
		log.Printf("worker: bus consume failed, falling back to scan: %v", err)
	}

	ids, err := p.store.SelectDue(ctx, p.now(), p.cfg.DueBatch)
	if err != nil {
		return "", fmt.Errorf("select due: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	for _, due := range ids[1:] {
		// One id is handled here; hand the rest to idle peers.
		p.bus.Publish(ctx, due)
	}
	return ids[0], nil
}

// Dispatch performs one full attempt for id: claim, outbound POST,
// classify, fenced commit. The attempt runs on its own timeout-bounded
// context so an in-flight call drains cleanly across shutdown.
func (p *Pool) Dispatch(id string) {
	now := p.now()
	task, err := p.store.Claim(context.Background(), id, now, p.cfg.ClaimDuration)
	if err != nil {
		if errors.Is(err, store.ErrNotClaimable) {
			// Expected: stale hint, already claimed, or terminal.
			observability.ClaimConflicts.Inc()
			return
		}
		log.Printf("worker: claim %s: %v", id, err)
		return
	}

	statusCode, outcome, reason := p.execute(task)
	p.commit(task, statusCode, outcome, reason)
}

// execute performs the outbound POST and classifies the result.
func (p *Pool) execute(task *store.Task) (int, Outcome, string) {
	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(task.Body))
	if err != nil {
		// A stored URL that cannot form a request will never succeed.
		return 0, OutcomeFailed, fmt.Sprintf("build request: %v", err)
	}
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(TaskIDHeader, task.ID)

	start := time.Now()
	resp, err := p.client.Do(req)
	observability.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome, reason := ClassifyError(err)
		return 0, outcome, reason
	}
	defer resp.Body.Close()

	outcome := ClassifyResponse(resp.StatusCode)
	reason := ""
	if outcome != OutcomeCompleted {
		reason = fmt.Sprintf("hook returned %d", resp.StatusCode)
	}
	return resp.StatusCode, outcome, reason
}

// commit writes the classified outcome through the store, carrying the
// attempts value observed at claim time as the fence.
func (p *Pool) commit(task *store.Task, statusCode int, outcome Outcome, reason string) {
	// A transient outcome that exhausts the attempt budget is final.
	if outcome == OutcomeRetry && task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts {
		outcome = OutcomeFailed
		reason = fmt.Sprintf("max attempts (%d) exhausted: %s", task.MaxAttempts, reason)
	}

	var err error
	var dueAt time.Time
	switch outcome {
	case OutcomeCompleted:
		err = p.withStoreRetry(func(ctx context.Context) error {
			return p.store.Complete(ctx, task.ID, task.Attempts, statusCode)
		})
	case OutcomeFailed:
		err = p.withStoreRetry(func(ctx context.Context) error {
			return p.store.Fail(ctx, task.ID, task.Attempts, statusCode, reason)
		})
	case OutcomeRetry:
		delay := Delay(task.BackoffPolicy, task.Attempts, p.cfg.BaseDelay, p.cfg.MaxDelay)
		dueAt = p.now().Add(delay)
		err = p.withStoreRetry(func(ctx context.Context) error {
			return p.store.ScheduleRetry(ctx, task.ID, task.Attempts, dueAt, statusCode, reason)
		})
		if err == nil {
			observability.RetriesScheduled.WithLabelValues(string(task.BackoffPolicy)).Inc()
		}
	}

	if err != nil {
		if errors.Is(err, store.ErrFenced) {
			// A later attempt owns the task now; nothing to repair.
			log.Printf("worker: commit fenced for task %s attempt %d", task.ID, task.Attempts)
			return
		}
		log.Printf("worker: commit %s for task %s: %v", outcome, task.ID, err)
		return
	}

	observability.DispatchAttempts.WithLabelValues(outcome.String()).Inc()

	if outcome == OutcomeRetry && dueAt.Sub(p.now()) <= publishThreshold {
		p.bus.Publish(context.Background(), task.ID)
	}
}

// withStoreRetry retries a store commit a few times when the database is
// unavailable. Fencing and not-found reject immediately.
func (p *Pool) withStoreRetry(fn func(context.Context) error) error {
	var err error
	for i := 0; i < storeRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = fn(ctx)
		cancel()
		if err == nil || errors.Is(err, store.ErrFenced) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		time.Sleep(storeRetryDelay)
	}
	return err
}
