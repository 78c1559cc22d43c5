package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/metrics"
)

// drainWindow bounds the trailing reader that acks residual egress after a
// client disconnect.
const drainWindow = 10 * time.Second

// Frame is one SSE frame: the bus fields mirrored verbatim, the event name
// defaulted from the message type.
type Frame struct {
	Event string
	Data  map[string]any
}

// SendFunc delivers a frame to the client. A false return means the client
// is gone.
type SendFunc func(Frame) bool

// Relay streams one session's egress to one client.
type Relay struct {
	bus     bus.Bus
	log     *logger.Logger
	block   time.Duration
	timeout time.Duration
}

func NewRelay(b bus.Bus, block, timeout time.Duration, log *logger.Logger) *Relay {
	if block <= 0 {
		block = time.Second
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Relay{bus: b, log: log, block: block, timeout: timeout}
}

// Run reads the session egress stream and forwards each entry as one frame,
// in append order, until a terminal type, the per-turn timeout, or client
// disconnect. Every delivered entry is acked. On timeout an error frame is
// emitted before returning; on disconnect residual entries are drained and
// acked by a bounded trailing reader so the group holds no stale pending.
func (r *Relay) Run(ctx context.Context, turn *Turn, send SendFunc) error {
	stream := bus.SessionStream(turn.SessionID)
	consumer := "orchestrator-" + uuid.NewString()
	log := r.log.WithSessionID(turn.SessionID).WithRequestID(turn.RequestID)
	deadline := time.Now().Add(r.timeout)
	started := time.Now()

	defer func() {
		metrics.TurnDuration.WithLabelValues(string(turn.Mode)).Observe(time.Since(started).Seconds())
	}()

	for {
		if ctx.Err() != nil {
			log.Debug("Client disconnected, draining egress tail")
			go r.drain(stream, consumer, log)
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			log.Warn("Turn timed out")
			metrics.ChatErrors.WithLabelValues("timeout").Inc()
			send(errorFrame(turn, "요청 시간이 초과되었습니다."))
			go r.drain(stream, consumer, log)
			return context.DeadlineExceeded
		}

		block := r.block
		if remaining := time.Until(deadline); remaining < block {
			block = remaining
		}
		entries, err := r.bus.ReadGroup(ctx, stream, bus.OrchestratorGroup, consumer, 10, block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.WithError(err).Error("Egress read failed")
			metrics.ChatErrors.WithLabelValues("bus").Inc()
			send(errorFrame(turn, "스트림을 읽는 중 오류가 발생했습니다."))
			return err
		}

		for _, entry := range entries {
			msg := events.Decode(entry.Values)
			done, alive := r.deliver(turn, msg, send, log)
			if err := r.bus.Ack(ctx, stream, bus.OrchestratorGroup, entry.ID); err != nil {
				log.WithError(err).Warn("Egress ack failed", zap.String("entry_id", entry.ID))
			}
			if done {
				return nil
			}
			if !alive {
				log.Debug("Client send failed, draining egress tail")
				go r.drain(stream, consumer, log)
				return context.Canceled
			}
		}
	}
}

// deliver forwards one decoded message. done means the turn is over; alive
// false means the client stopped accepting frames.
func (r *Relay) deliver(turn *Turn, msg *events.Message, send SendFunc, log *logger.Logger) (done, alive bool) {
	if msg.RequestID != "" && msg.RequestID != turn.RequestID {
		// Residue from an earlier turn: delivery is at-least-once, so a
		// worker that crashed between publish and ack re-emits its terminal
		// on redelivery. Ack and drop so it cannot close this turn.
		log.Debug("Dropping egress from another turn",
			zap.String("type", msg.Type),
			zap.String("entry_request_id", msg.RequestID))
		return false, true
	}
	if !events.KnownEgress(msg.Type) {
		// Unknown egress types are dropped, never forwarded.
		log.Warn("Dropping unknown egress type", zap.String("type", msg.Type))
		return false, true
	}
	metrics.SSEFrames.WithLabelValues(msg.Type).Inc()
	alive = send(frameFor(msg))
	return isTerminal(msg), alive
}

// isTerminal applies the turn-ending rules: the fixed terminal set, plus
// classification_result when the verdict is unanswerable.
func isTerminal(msg *events.Message) bool {
	if events.Terminal(msg.Type) {
		return true
	}
	if msg.Type == events.TypeClassificationResult {
		if c, err := msg.ClassificationPayload("classification_result"); err == nil {
			return c.Quality == events.QualityUnanswerable
		}
	}
	return false
}

// drain is the trailing reader: it claims and acks residual egress for a
// disconnected client until the terminal marker or the drain window closes.
func (r *Relay) drain(stream, consumer string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainWindow)
	defer cancel()
	for {
		entries, err := r.bus.ReadGroup(ctx, stream, bus.OrchestratorGroup, consumer, 10, r.block)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if err := r.bus.Ack(ctx, stream, bus.OrchestratorGroup, entry.ID); err != nil {
				log.WithError(err).Debug("Drain ack failed")
				return
			}
			if isTerminal(events.Decode(entry.Values)) {
				return
			}
		}
	}
}

// frameFor mirrors the bus fields into the SSE payload.
func frameFor(msg *events.Message) Frame {
	data := make(map[string]any, len(msg.Payload)+6)
	for k, v := range msg.Payload {
		data[k] = v
	}
	data[events.FieldType] = msg.Type
	data["event"] = msg.Type
	if msg.SessionID != "" {
		data[events.FieldSessionID] = msg.SessionID
	}
	if msg.RequestID != "" {
		data[events.FieldRequestID] = msg.RequestID
	}
	if msg.AgentName != "" {
		data[events.FieldAgentName] = msg.AgentName
	}
	if !msg.Timestamp.IsZero() {
		data[events.FieldTimestamp] = msg.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return Frame{Event: msg.Type, Data: data}
}

func errorFrame(turn *Turn, message string) Frame {
	return Frame{
		Event: events.TypeError,
		Data: map[string]any{
			events.FieldType:      events.TypeError,
			"event":               events.TypeError,
			events.FieldSessionID: turn.SessionID,
			events.FieldRequestID: turn.RequestID,
			"error":               message,
			events.FieldTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}
