package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/events"
)

// PublishEgress stamps and publishes an agent result on the session's egress
// stream.
func PublishEgress(ctx context.Context, b bus.Bus, agentName string, msg *events.Message) error {
	msg.AgentName = agentName
	msg.Timestamp = time.Now().UTC()
	values, err := events.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode egress %s: %w", msg.Type, err)
	}
	if _, err := b.Publish(ctx, bus.SessionStream(msg.SessionID), values); err != nil {
		return fmt.Errorf("publish egress %s: %w", msg.Type, err)
	}
	return nil
}

// PublishIngress publishes a fan-out message addressed to another agent.
func PublishIngress(ctx context.Context, b bus.Bus, msg *events.Message) error {
	msg.Timestamp = time.Now().UTC()
	values, err := events.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode ingress %s: %w", msg.Type, err)
	}
	if _, err := b.Publish(ctx, bus.IngressStream, values); err != nil {
		return fmt.Errorf("publish ingress %s: %w", msg.Type, err)
	}
	return nil
}
