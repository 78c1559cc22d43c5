package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice/maice/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewStore(NewMemoryRepository(), log)
}

func TestStore_CreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StageNew, sess.Stage)
	assert.True(t, sess.IsActive)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_StageTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)

	for _, stage := range []Stage{StageClassifying, StageClarifying, StageAnswering, StageAnswered, StageSummarized} {
		require.NoError(t, store.SetStage(ctx, sess.ID, stage), string(stage))
	}

	// Backwards within the turn is rejected.
	err = store.SetStage(ctx, sess.ID, StageAnswering)
	assert.ErrorIs(t, err, ErrStageTransition)

	// A new turn may reset to classifying.
	assert.NoError(t, store.SetStage(ctx, sess.ID, StageClassifying))
}

func TestStore_ClarifyingMayRepeat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, store.SetStage(ctx, sess.ID, StageClassifying))
	require.NoError(t, store.SetStage(ctx, sess.ID, StageClarifying))
	assert.NoError(t, store.SetStage(ctx, sess.ID, StageClarifying))
	assert.NoError(t, store.SetStage(ctx, sess.ID, StageAnswering))
}

func TestStore_TitleIsSetOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, store.SetTitle(ctx, sess.ID, "등차수열 질문", false))
	require.NoError(t, store.SetTitle(ctx, sess.ID, "다른 제목", false))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "등차수열 질문", got.Title)

	require.NoError(t, store.SetTitle(ctx, sess.ID, "강제 제목", true))
	got, err = store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "강제 제목", got.Title)
}

func TestStore_TranscriptIsAppendOnlyOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "user-1")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, &Message{SessionID: sess.ID, Sender: SenderUser, Content: "질문"})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, &Message{SessionID: sess.ID, Sender: SenderMaice, Content: "답변"})
	require.NoError(t, err)

	msgs, err := store.Messages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, SenderUser, msgs[0].Sender)
	assert.Equal(t, SenderMaice, msgs[1].Sender)
}

func TestStore_ClarifyTurnsUpsertByTurnNumber(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendClarifyTurn(ctx, &ClarifyTurn{
		RequestID: "r1", TurnNumber: 1, Focus: "problem_text", Question: "어떤 문제야?",
	}))
	// Same turn updated with the student's response.
	require.NoError(t, store.AppendClarifyTurn(ctx, &ClarifyTurn{
		RequestID: "r1", TurnNumber: 1, Focus: "problem_text", Question: "어떤 문제야?",
		StudentResponse: "이차방정식이야",
	}))
	require.NoError(t, store.AppendClarifyTurn(ctx, &ClarifyTurn{
		RequestID: "r1", TurnNumber: 2, Focus: "topic", Question: "식을 알려줘",
	}))

	turns, err := store.ClarifyTurns(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "이차방정식이야", turns[0].StudentResponse)
	assert.Equal(t, 2, turns[1].TurnNumber)
}

func TestStore_SummaryOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSummary(ctx, &Summary{SessionID: "s1", ConversationSummary: "first"}))
	require.NoError(t, store.UpsertSummary(ctx, &Summary{SessionID: "s1", ConversationSummary: "second"}))

	sum, err := store.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "second", sum.ConversationSummary)
}
