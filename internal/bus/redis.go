package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maice/maice/internal/common/logger"
)

const (
	publishAttempts    = 3
	publishBackoffBase = 100 * time.Millisecond
	publishBackoffCap  = 2 * time.Second
)

// RedisBus implements Bus on Redis Streams. One multiplexed client is shared
// per process; go-redis pools connections internally.
type RedisBus struct {
	client     *redis.Client
	logger     *logger.Logger
	trimMaxLen int64
}

// RedisOptions configures a RedisBus.
type RedisOptions struct {
	// URL is a redis:// connection string.
	URL string

	// TrimMaxLen caps stream length with approximate trimming on publish.
	// Zero disables trimming.
	TrimMaxLen int64
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, opts RedisOptions, log *logger.Logger) (*RedisBus, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrBusUnavailable, err)
	}
	log.Info("connected to redis", zap.String("addr", ropts.Addr))
	return &RedisBus{
		client:     client,
		logger:     log,
		trimMaxLen: opts.TrimMaxLen,
	}, nil
}

// Publish appends an entry with XADD, retrying transient failures with
// capped exponential backoff before surfacing ErrBusUnavailable.
func (b *RedisBus) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: toAnyMap(values),
	}
	if b.trimMaxLen > 0 {
		args.MaxLen = b.trimMaxLen
		args.Approx = true
	}

	backoff := publishBackoffBase
	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > publishBackoffCap {
				backoff = publishBackoffCap
			}
		}
		id, err := b.client.XAdd(ctx, args).Result()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.logger.Warn("xadd failed, retrying",
			zap.String("stream", stream),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("%w: publish to %s: %w", ErrBusUnavailable, stream, lastErr)
}

// EnsureGroup creates the consumer group from the start of the stream,
// creating the stream if missing. BUSYGROUP means the group already exists
// and is treated as success.
func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("%w: create group %s on %s: %w", ErrBusUnavailable, group, stream, err)
	}
	return nil
}

// ReadGroup reads new entries (the ">" cursor) for this consumer. A block
// timeout with nothing delivered returns (nil, nil).
func (b *RedisBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: xreadgroup %s: %w", ErrBusUnavailable, stream, err)
	}
	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Stream: s.Stream, Values: toStringMap(m.Values)})
		}
	}
	return entries, nil
}

// ReadPending claims entries that have sat unacked for at least minIdle,
// transferring ownership to this consumer.
func (b *RedisBus) ReadPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: xautoclaim %s: %w", ErrBusUnavailable, stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Stream: stream, Values: toStringMap(m.Values)})
	}
	return entries, nil
}

// Ack acknowledges delivered entries.
func (b *RedisBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("%w: xack %s: %w", ErrBusUnavailable, stream, err)
	}
	return nil
}

// Streams lists stream keys matching the pattern.
func (b *RedisBus) Streams(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		names  []string
	)
	for {
		keys, next, err := b.client.ScanType(ctx, cursor, pattern, 100, "stream").Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrBusUnavailable, pattern, err)
		}
		names = append(names, keys...)
		if next == 0 {
			return names, nil
		}
		cursor = next
	}
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func toAnyMap(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func toStringMap(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
