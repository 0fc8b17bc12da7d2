// Package bus carries task identifiers from producers (dispatcher,
// retrying workers, poller) to idle workers. It is a best-effort hint
// channel: no durability, no ordering across producers, no deduplication.
// Losing a message never loses a task; the poller re-derives every
// decision from the task store.
package bus

import "context"

// Bus is the notify channel. A consumer receiving an id gains no right to
// the task and must still claim it through the store.
type Bus interface {
	// Publish sends an id without blocking. At-most-once; loss is
	// acceptable and only reported for accounting.
	Publish(ctx context.Context, id string) error

	// Consume blocks until an id is available or ctx is done.
	Consume(ctx context.Context) (string, error)

	// Close releases the channel.
	Close() error
}
