package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/llm"
	"github.com/maice/maice/internal/llm/prompts"
	"github.com/maice/maice/internal/session"
)

const testPrompts = `
ObserverAgent:
  system_prompt: "Summarize the tutoring conversation as JSON."
  user_template: "{{conversation}}"
`

func newTestObserver(t *testing.T, gw llm.Gateway) (*Observer, *bus.MemoryBus, *session.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	reg, err := prompts.Parse([]byte(testPrompts))
	require.NoError(t, err)
	mb := bus.NewMemoryBus(0)
	store := session.NewStore(session.NewMemoryRepository(), log)
	return New(mb, gw, reg, store, log), mb, store
}

func readAll(t *testing.T, mb *bus.MemoryBus, stream string) []*events.Message {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mb.EnsureGroup(ctx, stream, "test"))
	var msgs []*events.Message
	for {
		entries, err := mb.ReadGroup(ctx, stream, "test", "t1", 100, 0)
		require.NoError(t, err)
		if len(entries) == 0 {
			return msgs
		}
		for _, e := range entries {
			msgs = append(msgs, events.Decode(e.Values))
			require.NoError(t, mb.Ack(ctx, stream, "test", e.ID))
		}
	}
}

func summaryMsg() *events.Message {
	return &events.Message{
		Type:        events.TypeGenerateSummary,
		TargetAgent: events.AgentObserver,
		SessionID:   "sess-1",
		RequestID:   "req-1",
		Payload:     map[string]any{"conversation_text": "학생: 등차수열이 뭐야?\nMAICE: 차이가 일정한 수열이에요."},
	}
}

func TestObserver_PersistsSummaryAndTitle(t *testing.T) {
	gw := llm.NewScriptedGateway().QueueCompletion(
		`{"summary":"- 등차수열의 정의를 다룸","student_status":{"level":"basic"},"title":"등차수열 기초"}`)
	o, mb, store := newTestObserver(t, gw)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)
	msg := summaryMsg()
	msg.SessionID = sess.ID

	require.NoError(t, o.Handle(ctx, msg))

	sum, err := store.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "- 등차수열의 정의를 다룸", sum.ConversationSummary)
	assert.Contains(t, sum.StudentStatus, `"level":"basic"`)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "등차수열 기초", got.Title)
	assert.Equal(t, session.StageSummarized, got.Stage)

	egress := readAll(t, mb, bus.SessionStream(sess.ID))
	require.Len(t, egress, 1)
	assert.Equal(t, events.TypeSummaryResult, egress[0].Type)
	assert.Equal(t, "- 등차수열의 정의를 다룸", egress[0].String("summary"))
}

func TestObserver_ExistingTitleKept(t *testing.T) {
	gw := llm.NewScriptedGateway().QueueCompletion(
		`{"summary":"요약","title":"새 제목"}`)
	o, _, store := newTestObserver(t, gw)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, store.SetTitle(ctx, sess.ID, "기존 제목", false))

	msg := summaryMsg()
	msg.SessionID = sess.ID
	require.NoError(t, o.Handle(ctx, msg))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "기존 제목", got.Title)
}

func TestObserver_UnstructuredReplyBecomesSummary(t *testing.T) {
	gw := llm.NewScriptedGateway().QueueCompletion("학생이 등차수열 개념을 물어봤습니다.")
	o, mb, store := newTestObserver(t, gw)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)
	msg := summaryMsg()
	msg.SessionID = sess.ID
	require.NoError(t, o.Handle(ctx, msg))

	sum, err := store.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "학생이 등차수열 개념을 물어봤습니다.", sum.ConversationSummary)

	egress := readAll(t, mb, bus.SessionStream(sess.ID))
	require.Len(t, egress, 1)
}

func TestObserver_LLMFailureIsSilent(t *testing.T) {
	boom := &llm.Error{Provider: "scripted", Status: 500, Err: errors.New("down")}
	gw := llm.NewScriptedGateway().QueueCompletionError(boom)
	o, mb, _ := newTestObserver(t, gw)

	require.NoError(t, o.Handle(context.Background(), summaryMsg()))
	assert.Empty(t, readAll(t, mb, bus.SessionStream("sess-1")))
}
