package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/config"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/session"
	"github.com/maice/maice/internal/user"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// pinnedAssigner returns an assigner whose repository already holds the
// user, pinning the mode for the test.
func pinnedAssigner(t *testing.T, userID string, mode user.Mode) *user.Assigner {
	t.Helper()
	repo := user.NewMemoryRepository()
	require.NoError(t, repo.Insert(context.Background(), &user.User{UserID: userID, AssignedMode: mode}))
	return user.NewAssigner(repo, testLogger(t))
}

func newTestService(t *testing.T, mode user.Mode) (*Service, *bus.MemoryBus, *session.Store) {
	t.Helper()
	mb := bus.NewMemoryBus(0)
	store := session.NewStore(session.NewMemoryRepository(), testLogger(t))
	svc := NewService(mb, store, pinnedAssigner(t, "student-1", mode), config.AgentsConfig{}, testLogger(t))
	return svc, mb, store
}

func readIngress(t *testing.T, mb *bus.MemoryBus) []*events.Message {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mb.EnsureGroup(ctx, bus.IngressStream, "test"))
	entries, err := mb.ReadGroup(ctx, bus.IngressStream, "test", "t1", 100, 0)
	require.NoError(t, err)
	msgs := make([]*events.Message, len(entries))
	for i, e := range entries {
		msgs[i] = events.Decode(e.Values)
		require.NoError(t, mb.Ack(ctx, bus.IngressStream, "test", e.ID))
	}
	return msgs
}

func TestStartTurn_AgentModeKicksOffClassifier(t *testing.T) {
	svc, mb, store := newTestService(t, user.ModeAgent)
	ctx := context.Background()

	turn, err := svc.StartTurn(ctx, &ChatRequest{UserID: "student-1", Question: "등차수열의 정의를 설명해줘"})
	require.NoError(t, err)
	assert.Equal(t, user.ModeAgent, turn.Mode)
	assert.NotEmpty(t, turn.SessionID)
	assert.NotEmpty(t, turn.RequestID)

	msgs := readIngress(t, mb)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.TypeClassifyQuestion, msgs[0].Type)
	assert.Equal(t, events.AgentClassifier, msgs[0].TargetAgent)
	assert.Equal(t, "등차수열의 정의를 설명해줘", msgs[0].String("question"))
	assert.True(t, msgs[0].Bool("is_new_question"))

	// The user message is on the transcript before any agent runs.
	transcript, err := store.Messages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, session.SenderUser, transcript[0].Sender)
}

func TestStartTurn_AgentModeCarriesHistoryAsContext(t *testing.T) {
	svc, mb, store := newTestService(t, user.ModeAgent)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "student-1")
	require.NoError(t, err)

	turn, err := svc.StartTurn(ctx, &ChatRequest{
		UserID:    "student-1",
		Question:  "그럼 등비수열은?",
		SessionID: sess.ID,
		History: []events.HistoryEntry{
			{Role: "user", Content: "등차수열이 뭐야?"},
			{Role: "assistant", Content: "이웃한 항의 차가 일정한 수열이에요."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, turn.SessionID)

	msgs := readIngress(t, mb)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.TypeClassifyQuestion, msgs[0].Type)
	assert.False(t, msgs[0].Bool("is_new_question"))
	assert.Contains(t, msgs[0].String("context"), "학생: 등차수열이 뭐야?")
	assert.Contains(t, msgs[0].String("context"), "MAICE: 이웃한 항의 차가 일정한 수열이에요.")
}

func TestStartTurn_FreepassKicksOffFreeTalker(t *testing.T) {
	svc, mb, _ := newTestService(t, user.ModeFreepass)

	history := []events.HistoryEntry{{Role: "user", Content: "미분이 뭐야?"}}
	turn, err := svc.StartTurn(context.Background(), &ChatRequest{
		UserID:   "student-1",
		Question: "sin x의 도함수는?",
		History:  history,
	})
	require.NoError(t, err)
	assert.Equal(t, user.ModeFreepass, turn.Mode)

	msgs := readIngress(t, mb)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.TypeFreepassRequest, msgs[0].Type)
	assert.Equal(t, events.AgentFreeTalker, msgs[0].TargetAgent)
	assert.Equal(t, history, msgs[0].HistoryPayload("conversation_history"))
}

func TestStartTurn_SecondInFlightTurnRejected(t *testing.T) {
	svc, _, _ := newTestService(t, user.ModeAgent)
	ctx := context.Background()

	turn, err := svc.StartTurn(ctx, &ChatRequest{UserID: "student-1", Question: "질문 1"})
	require.NoError(t, err)

	_, err = svc.StartTurn(ctx, &ChatRequest{UserID: "student-1", Question: "질문 2", SessionID: turn.SessionID})
	assert.ErrorIs(t, err, ErrTurnInFlight)

	svc.EndTurn(turn)
	_, err = svc.StartTurn(ctx, &ChatRequest{UserID: "student-1", Question: "질문 2", SessionID: turn.SessionID})
	assert.NoError(t, err)
}

func TestStartTurn_UnknownSessionRejected(t *testing.T) {
	svc, _, _ := newTestService(t, user.ModeAgent)

	_, err := svc.StartTurn(context.Background(), &ChatRequest{
		UserID:    "student-1",
		Question:  "질문",
		SessionID: "no-such-session",
	})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSubmitClarification_PublishesToImprovement(t *testing.T) {
	svc, mb, store := newTestService(t, user.ModeAgent)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "student-1")
	require.NoError(t, err)

	require.NoError(t, svc.SubmitClarification(ctx, sess.ID, "req-9", "이차방정식이야"))

	msgs := readIngress(t, mb)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.TypeUserClarification, msgs[0].Type)
	assert.Equal(t, events.AgentImprovement, msgs[0].TargetAgent)
	assert.Equal(t, "req-9", msgs[0].RequestID)
	assert.Equal(t, "이차방정식이야", msgs[0].String("clarification_answer"))
}

func TestSubmitClarification_UnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t, user.ModeAgent)
	err := svc.SubmitClarification(context.Background(), "missing", "req-1", "답변")
	assert.ErrorIs(t, err, session.ErrNotFound)
}
