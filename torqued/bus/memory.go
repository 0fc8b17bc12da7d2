package bus

import (
	"context"
	"sync"

	"github.com/torqueio/torque/torqued/observability"
)

// MemoryBus implements Bus with a bounded in-process channel. Publish
// drops on a full buffer rather than blocking a producer; the poller
// recovers anything dropped. Suitable for single-process deployments and
// tests.
type MemoryBus struct {
	ch        chan string
	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryBus creates a bus buffering up to size ids.
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 1024
	}
	return &MemoryBus{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, id string) error {
	select {
	case <-b.done:
		observability.BusDropped.WithLabelValues("error").Inc()
		return context.Canceled
	case b.ch <- id:
		observability.BusPublished.Inc()
		return nil
	default:
		observability.BusDropped.WithLabelValues("full").Inc()
		return nil
	}
}

func (b *MemoryBus) Consume(ctx context.Context) (string, error) {
	select {
	case id := <-b.ch:
		return id, nil
	case <-b.done:
		return "", context.Canceled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
