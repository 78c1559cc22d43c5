// Package agents hosts the worker pools that consume the ingress stream.
//
// Every worker shares one Runner shape: join the agent's consumer group on
// the ingress stream, read new entries, dispatch the on-topic ones, ack
// everything. Delivery is at-least-once, so handlers are idempotent by
// (request_id, type).
package agents

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
)

// Agent handles ingress messages addressed to it. Handle must not panic and
// must not block past ctx; an error is logged and the entry is still acked,
// because the agent is expected to have emitted a typed error egress before
// returning.
type Agent interface {
	Name() string
	Handle(ctx context.Context, msg *events.Message) error
}

// RunnerConfig tunes the read loop.
type RunnerConfig struct {
	Block          time.Duration // bus read block, default 1s
	PendingMinIdle time.Duration // reclaim entries pending longer than this
	ReclaimEvery   time.Duration // pending sweep interval
	BatchSize      int64
}

func (c *RunnerConfig) defaults() {
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.PendingMinIdle <= 0 {
		c.PendingMinIdle = 30 * time.Second
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// Runner drives one agent against the ingress stream.
type Runner struct {
	agent    Agent
	bus      bus.Bus
	cfg      RunnerConfig
	log      *logger.Logger
	consumer string
}

func NewRunner(agent Agent, b bus.Bus, cfg RunnerConfig, log *logger.Logger) *Runner {
	cfg.defaults()
	return &Runner{
		agent:    agent,
		bus:      b,
		cfg:      cfg,
		log:      log.WithAgent(agent.Name()),
		consumer: agent.Name() + "-" + uuid.NewString()[:8],
	}
}

// Run consumes until ctx is cancelled. Only bus-level failures are returned;
// per-message handler errors never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	group := bus.ConsumerGroup(r.agent.Name())
	if err := r.bus.EnsureGroup(ctx, bus.IngressStream, group); err != nil {
		return err
	}
	r.log.Info("Agent worker started",
		zap.String("group", group),
		zap.String("consumer", r.consumer))

	// Reclaim anything a crashed predecessor left pending.
	r.reclaim(ctx, group)

	lastReclaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := r.bus.ReadGroup(ctx, bus.IngressStream, group, r.consumer, r.cfg.BatchSize, r.cfg.Block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
				return err
			}
			r.log.WithError(err).Warn("Ingress read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		r.dispatch(ctx, group, entries)

		if time.Since(lastReclaim) >= r.cfg.ReclaimEvery {
			r.reclaim(ctx, group)
			lastReclaim = time.Now()
		}
	}
}

func (r *Runner) reclaim(ctx context.Context, group string) {
	entries, err := r.bus.ReadPending(ctx, bus.IngressStream, group, r.consumer, r.cfg.PendingMinIdle, r.cfg.BatchSize)
	if err != nil {
		r.log.WithError(err).Warn("Pending reclaim failed")
		return
	}
	if len(entries) > 0 {
		r.log.Info("Reclaimed pending entries", zap.Int("count", len(entries)))
		r.dispatch(ctx, group, entries)
	}
}

func (r *Runner) dispatch(ctx context.Context, group string, entries []bus.Entry) {
	for _, entry := range entries {
		msg := events.Decode(entry.Values)

		// The ingress stream is shared; entries for other agents are acked
		// untouched so they do not pile up as this group's pending.
		if msg.TargetAgent == r.agent.Name() {
			if err := r.agent.Handle(ctx, msg); err != nil {
				r.log.WithError(err).
					WithRequestID(msg.RequestID).
					Error("Message handling failed", zap.String("type", msg.Type))
			}
		}

		if err := r.bus.Ack(ctx, bus.IngressStream, group, entry.ID); err != nil {
			r.log.WithError(err).Warn("Ack failed", zap.String("entry_id", entry.ID))
		}
	}
}
