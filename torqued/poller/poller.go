// Package poller provides the liveness guarantee the notify bus cannot:
// it periodically scans the store for due tasks and republishes their ids,
// and sweeps terminal tasks past their retention.
package poller

import (
	"context"
	"log"
	"time"

	"github.com/torqueio/torque/torqued/bus"
	"github.com/torqueio/torque/torqued/observability"
	"github.com/torqueio/torque/torqued/store"
)

// Config tunes the poller.
type Config struct {
	Interval    time.Duration // due-scan tick
	Batch       int           // max ids republished per tick
	GCInterval  time.Duration
	GCRetention time.Duration
}

// Poller republishes due task ids and garbage-collects terminal tasks.
// It never claims a task itself; workers do all claiming.
type Poller struct {
	store store.Store
	bus   bus.Bus
	cfg   Config

	now func() time.Time
}

// New creates a Poller.
func New(s store.Store, b bus.Bus, cfg Config) *Poller {
	if cfg.Batch <= 0 {
		cfg.Batch = 128
	}
	return &Poller{store: s, bus: b, cfg: cfg, now: time.Now}
}

// Run ticks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	gcTicker := time.NewTicker(p.cfg.GCInterval)
	defer gcTicker.Stop()

	log.Printf("poller: running (interval %v, gc every %v, retention %v)",
		p.cfg.Interval, p.cfg.GCInterval, p.cfg.GCRetention)

	for {
		select {
		case <-ctx.Done():
			log.Printf("poller: stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		case <-gcTicker.C:
			p.Sweep(ctx)
		}
	}
}

// Tick republishes every currently-due id, up to the batch size.
func (p *Poller) Tick(ctx context.Context) {
	ids, err := p.store.SelectDue(ctx, p.now(), p.cfg.Batch)
	if err != nil {
		log.Printf("poller: select due: %v", err)
		return
	}
	for _, id := range ids {
		if err := p.bus.Publish(ctx, id); err != nil {
			// Best effort; the next tick will republish.
			return
		}
		observability.PollerSelected.Inc()
	}
}

// Sweep deletes terminal tasks older than the retention window.
func (p *Poller) Sweep(ctx context.Context) {
	n, err := p.store.SweepTerminal(ctx, p.now().Add(-p.cfg.GCRetention))
	if err != nil {
		log.Printf("poller: gc sweep: %v", err)
		return
	}
	if n > 0 {
		observability.GCSwept.Add(float64(n))
		log.Printf("poller: gc removed %d terminal tasks", n)
	}
}
