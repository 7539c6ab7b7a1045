// Package broker defines the Stream Broker Adapter: a thin abstraction
// over an ordered, consumer-group-capable log. RedisBroker backs it with
// Redis Streams in production; MemoryBroker backs it with an in-process
// ordered log for tests, grounded on the teacher's events.Stream.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry or group lookup has no match.
var ErrNotFound = errors.New("broker: not found")

// Message is a single entry read back from a stream.
type Message struct {
	ID     string
	Values map[string]string
}

// Broker is the stream abstraction every queue and router component
// depends on. Implementations must be safe for concurrent use.
type Broker interface {
	// XAdd appends values to stream, returning the assigned entry ID.
	XAdd(ctx context.Context, stream string, values map[string]string) (string, error)

	// XRead reads up to count entries from stream strictly after fromID
	// ("0" for the full history), independent of any consumer group.
	XRead(ctx context.Context, stream, fromID string, count int64) ([]Message, error)

	// CreateGroup creates a consumer group on stream starting at startID
	// ("0" for full history, "$" for new entries only). Creating a group
	// that already exists is not an error.
	CreateGroup(ctx context.Context, stream, group, startID string) error

	// XReadGroup reads up to count new entries for consumer in group,
	// blocking up to block for at least one entry.
	XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// XAck acknowledges entry ids in group, removing them from the
	// pending-entries list.
	XAck(ctx context.Context, stream, group string, ids ...string) error

	// XLen reports the number of entries currently retained on stream.
	XLen(ctx context.Context, stream string) (int64, error)

	// Del removes the given entry ids from stream outright.
	Del(ctx context.Context, stream string, ids ...string) error

	// Publish delivers values to every live Subscribe-r of channel without
	// persisting them; used for low-latency fan-out (connection lifecycle
	// events) where at-least-once stream semantics are not required.
	Publish(ctx context.Context, channel string, values map[string]string) error

	// Subscribe returns a channel of Message delivered to channel. The
	// returned cancel func must be called to release resources.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)

	// Close releases the broker's underlying connection(s).
	Close() error
}
