// Package bus provides the durable stream bus connecting the HTTP edge to
// the agent workers.
//
// Streams are append-only ordered logs with server-assigned monotonic entry
// IDs. Consumer groups deliver each entry to exactly one consumer in the
// group until it is acknowledged; unacked entries stay pending and are
// reclaimable after a grace period. Delivery is at-least-once; consumers are
// expected to be idempotent by (request_id, type).
package bus

import (
	"context"
	"errors"
	"time"
)

// Entry is one delivered stream entry.
type Entry struct {
	ID     string
	Stream string
	Values map[string]string
}

// Bus is the stream transport used by the orchestrator and every worker.
type Bus interface {
	// Publish appends values to a stream, creating it if missing, and
	// returns the server-assigned entry ID.
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)

	// EnsureGroup creates a consumer group at the head of a stream,
	// creating the stream if missing. An already-existing group is success.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup blocks up to block for new entries delivered to this
	// consumer. A nil slice with nil error means the block timed out.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// ReadPending claims entries that were delivered to any consumer of the
	// group but left unacked for at least minIdle (crash recovery).
	ReadPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// Ack acknowledges delivered entries for a group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Streams lists existing stream names matching a glob pattern.
	Streams(ctx context.Context, pattern string) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}

// ErrBusUnavailable is returned once publish retries are exhausted.
var ErrBusUnavailable = errors.New("bus unavailable")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")
