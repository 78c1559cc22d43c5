package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
)

type recordingAgent struct {
	name string

	mu      sync.Mutex
	handled []*events.Message
}

func (a *recordingAgent) Name() string { return a.name }

func (a *recordingAgent) Handle(_ context.Context, msg *events.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handled = append(a.handled, msg)
	return nil
}

func (a *recordingAgent) messages() []*events.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*events.Message, len(a.handled))
	copy(out, a.handled)
	return out
}

func publish(t *testing.T, mb *bus.MemoryBus, msg *events.Message) {
	t.Helper()
	values, err := events.Encode(msg)
	require.NoError(t, err)
	_, err = mb.Publish(context.Background(), bus.IngressStream, values)
	require.NoError(t, err)
}

func TestRunner_DispatchesOnTopicAcksOffTopic(t *testing.T) {
	mb := bus.NewMemoryBus(0)
	agent := &recordingAgent{name: events.AgentClassifier}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	runner := NewRunner(agent, mb, RunnerConfig{Block: 20 * time.Millisecond}, log)

	publish(t, mb, &events.Message{
		Type:        events.TypeClassifyQuestion,
		TargetAgent: events.AgentClassifier,
		SessionID:   "sess-1",
		RequestID:   "req-1",
		Payload:     map[string]any{"question": "등차수열의 정의를 설명해줘"},
	})
	publish(t, mb, &events.Message{
		Type:        events.TypeGenerateSummary,
		TargetAgent: events.AgentObserver,
		SessionID:   "sess-1",
		RequestID:   "req-2",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(agent.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := agent.messages()
	assert.Equal(t, events.TypeClassifyQuestion, msgs[0].Type)
	assert.Equal(t, "req-1", msgs[0].RequestID)

	// Both entries are acked, including the off-topic one.
	group := bus.ConsumerGroup(events.AgentClassifier)
	require.Eventually(t, func() bool {
		return mb.PendingCount(bus.IngressStream, group) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunner_ReclaimsStalePending(t *testing.T) {
	mb := bus.NewMemoryBus(0)
	ctx := context.Background()
	group := bus.ConsumerGroup(events.AgentClassifier)
	require.NoError(t, mb.EnsureGroup(ctx, bus.IngressStream, group))

	publish(t, mb, &events.Message{
		Type:        events.TypeClassifyQuestion,
		TargetAgent: events.AgentClassifier,
		SessionID:   "sess-1",
		RequestID:   "req-1",
	})

	// A crashed consumer read the entry but never acked it.
	entries, err := mb.ReadGroup(ctx, bus.IngressStream, group, "dead-consumer", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	agent := &recordingAgent{name: events.AgentClassifier}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	runner := NewRunner(agent, mb, RunnerConfig{
		Block:          20 * time.Millisecond,
		PendingMinIdle: time.Nanosecond,
		ReclaimEvery:   10 * time.Millisecond,
	}, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = runner.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return len(agent.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "req-1", agent.messages()[0].RequestID)
}
