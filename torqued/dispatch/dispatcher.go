// Package dispatch is the enqueue path: it turns a validated ingress
// request into a durable task, then hints the workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/torqueio/torque/torqued/bus"
	"github.com/torqueio/torque/torqued/observability"
	"github.com/torqueio/torque/torqued/store"
)

// ErrInvalidURL is returned when the target url is missing or not an
// absolute http(s) URL. Surfaced as a 400 by the ingress layer.
var ErrInvalidURL = errors.New("url must be an absolute http or https URL")

// Defaults are applied to every enqueued task unless the request
// overrides them.
type Defaults struct {
	Timeout       time.Duration
	BackoffPolicy store.BackoffPolicy
	MaxAttempts   int
}

// EnqueueRequest is a validated ingress request.
type EnqueueRequest struct {
	URL     string
	Body    []byte
	Headers map[string]string // sanitised by ingress; forwarded verbatim

	// Optional per-task overrides; zero values take the defaults.
	Timeout     time.Duration
	MaxAttempts int
}

// Dispatcher persists new tasks and publishes their ids as a hint.
type Dispatcher struct {
	store    store.Store
	bus      bus.Bus
	defaults Defaults

	now func() time.Time
}

// New creates a Dispatcher.
func New(s store.Store, b bus.Bus, defaults Defaults) *Dispatcher {
	return &Dispatcher{store: s, bus: b, defaults: defaults, now: time.Now}
}

// Enqueue validates, durably persists the task as pending/due-now, then
// publishes the id. The publish strictly follows the commit: a task that
// exists only on the bus would be lost with it, while a task that exists
// only in the store is recovered by the poller.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Task, error) {
	target, err := url.Parse(req.URL)
	if err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, ErrInvalidURL
	}

	now := d.now()
	task := &store.Task{
		ID:            uuid.NewString(),
		URL:           req.URL,
		Body:          req.Body,
		Headers:       req.Headers,
		Status:        store.StatusPending,
		Attempts:      0,
		DueAt:         now,
		Timeout:       d.defaults.Timeout,
		BackoffPolicy: d.defaults.BackoffPolicy,
		MaxAttempts:   d.defaults.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Timeout > 0 {
		task.Timeout = req.Timeout
	}
	if req.MaxAttempts > 0 {
		task.MaxAttempts = req.MaxAttempts
	}

	if err := d.store.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	observability.TasksEnqueued.Inc()

	if err := d.bus.Publish(ctx, task.ID); err != nil {
		// Tolerable: the poller will pick the task up.
		log.Printf("dispatch: publish hint for %s failed: %v", task.ID, err)
	}
	return task, nil
}
