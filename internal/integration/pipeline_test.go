// Package integration exercises the full chat pipeline in-process: the chat
// service and SSE relay on one side, the worker agents on the other, joined
// by the in-memory bus with a scripted LLM gateway.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice/maice/internal/agents"
	"github.com/maice/maice/internal/agents/classifier"
	"github.com/maice/maice/internal/agents/freetalker"
	"github.com/maice/maice/internal/agents/generator"
	"github.com/maice/maice/internal/agents/improvement"
	"github.com/maice/maice/internal/agents/observer"
	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/config"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/llm"
	"github.com/maice/maice/internal/llm/prompts"
	"github.com/maice/maice/internal/orchestrator"
	"github.com/maice/maice/internal/session"
	"github.com/maice/maice/internal/user"
)

const testPrompts = `
QuestionClassifierAgent:
  system_prompt: classify
  user_template: "{{question}} [{{content_hash}}] {{context}}"
QuestionImprovementAgent:
  system_prompt: probe
  user_template: "{{question}} / {{focus}} / {{responses}}"
QuestionImprovementAgent.judge:
  system_prompt: judge
  user_template: "{{question}} / {{focus}} / {{answer}}"
QuestionImprovementAgent.compose:
  system_prompt: compose
  user_template: "{{question}} / {{dialog}}"
AnswerGeneratorAgent:
  system_prompt: answer
  user_template: "{{question}} / {{context}}"
AnswerGeneratorAgent.decline:
  system_prompt: decline
  user_template: "{{question}} / {{reasoning}}"
FreeTalkerAgent:
  system_prompt: freetalk
  user_template: "{{history}} / {{message}}"
ObserverAgent:
  system_prompt: observe
  user_template: "{{conversation}}"
`

// pipeline is one fully wired in-process deployment.
type pipeline struct {
	bus     *bus.MemoryBus
	store   *session.Store
	gw      *llm.ScriptedGateway
	service *orchestrator.Service
	relay   *orchestrator.Relay
	cancel  context.CancelFunc
}

func startPipeline(t *testing.T, mode user.Mode) *pipeline {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	mb := bus.NewMemoryBus(0)
	store := session.NewStore(session.NewMemoryRepository(), log)
	gw := llm.NewScriptedGateway()
	registry, err := prompts.Parse([]byte(testPrompts))
	require.NoError(t, err)

	userRepo := user.NewMemoryRepository()
	require.NoError(t, userRepo.Insert(context.Background(), &user.User{UserID: "student-1", AssignedMode: mode}))

	workers := []agents.Agent{
		classifier.New(mb, gw, registry, store, 0, log),
		improvement.New(mb, gw, registry, store, 3, log),
		generator.New(mb, gw, registry, store, 0, log),
		freetalker.New(mb, gw, registry, store, 0, log),
		observer.New(mb, gw, registry, store, log),
	}
	ctx, cancel := context.WithCancel(context.Background())
	for _, w := range workers {
		runner := agents.NewRunner(w, mb, agents.RunnerConfig{Block: 10 * time.Millisecond}, log)
		go func() { _ = runner.Run(ctx) }()
	}
	t.Cleanup(cancel)

	return &pipeline{
		bus:     mb,
		store:   store,
		gw:      gw,
		service: orchestrator.NewService(mb, store, user.NewAssigner(userRepo, log), config.AgentsConfig{}, log),
		relay:   orchestrator.NewRelay(mb, 20*time.Millisecond, 5*time.Second, log),
		cancel:  cancel,
	}
}

// runTurn starts a turn and relays its frames into the returned channel,
// which is closed when the relay finishes.
func (p *pipeline) runTurn(t *testing.T, req *orchestrator.ChatRequest) (*orchestrator.Turn, <-chan orchestrator.Frame) {
	t.Helper()
	turn, err := p.service.StartTurn(context.Background(), req)
	require.NoError(t, err)

	frames := make(chan orchestrator.Frame, 64)
	go func() {
		defer close(frames)
		defer p.service.EndTurn(turn)
		_ = p.relay.Run(context.Background(), turn, func(f orchestrator.Frame) bool {
			frames <- f
			return true
		})
	}()
	return turn, frames
}

func nextFrame(t *testing.T, frames <-chan orchestrator.Frame) orchestrator.Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "relay finished before the expected frame")
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return orchestrator.Frame{}
	}
}

func drainFrames(t *testing.T, frames <-chan orchestrator.Frame) []orchestrator.Frame {
	t.Helper()
	var out []orchestrator.Frame
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for the relay to finish")
		}
	}
}

func frameEvents(frames []orchestrator.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func TestAnswerableQuestionStreamsAnswer(t *testing.T) {
	p := startPipeline(t, user.ModeAgent)
	p.gw.
		QueueCompletion(`{"knowledge_code":"K1","quality":"answerable","reasoning":"정의 질문","missing_fields":[]}`).
		QueueCompletion(`{"summary":"등차수열 개념 학습","student_status":{"understanding":"high"},"title":"등차수열"}`)
	p.gw.QueueStream("등차수열은 ", "이웃한 항의 차가 일정한 수열입니다.")

	turn, frames := p.runTurn(t, &orchestrator.ChatRequest{UserID: "student-1", Question: "등차수열의 정의를 설명해줘"})
	all := drainFrames(t, frames)

	require.Equal(t, []string{"classification_result", "answer_chunk", "answer_chunk", "streaming_complete"}, frameEvents(all))
	last := all[len(all)-1]
	assert.Equal(t, "등차수열은 이웃한 항의 차가 일정한 수열입니다.", last.Data["full_response"])

	ctx := context.Background()
	msgs, err := p.store.Messages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.SenderUser, msgs[0].Sender)
	assert.Equal(t, session.SenderMaice, msgs[1].Sender)

	// The observer runs after the turn is already closed for the client.
	assert.Eventually(t, func() bool {
		sum, err := p.store.Summary(ctx, turn.SessionID)
		return err == nil && sum.ConversationSummary == "등차수열 개념 학습"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		sess, err := p.store.GetSession(ctx, turn.SessionID)
		return err == nil && sess.Title == "등차수열"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClarificationDialogRoundTrip(t *testing.T) {
	p := startPipeline(t, user.ModeAgent)
	p.gw.
		QueueCompletion(`{"knowledge_code":"K2","quality":"needs_clarify","reasoning":"문제가 없음","missing_fields":["problem_text","topic"]}`).
		QueueCompletion("어떤 문제를 풀고 있나요?").
		QueueCompletion("resolved").
		QueueCompletion("어떤 단원의 내용인가요?").
		QueueCompletion("resolved").
		QueueCompletion("x^2-5x+6=0을 어떻게 푸는지 설명해줘").
		QueueCompletion(`{"summary":"이차방정식 풀이","student_status":{},"title":"이차방정식"}`)
	p.gw.QueueStream("인수분해하면 ", "(x-2)(x-3)=0 입니다.")

	turn, frames := p.runTurn(t, &orchestrator.ChatRequest{UserID: "student-1", Question: "이거 어떻게 풀어?"})

	f := nextFrame(t, frames)
	assert.Equal(t, "classification_result", f.Event)

	f = nextFrame(t, frames)
	require.Equal(t, "clarification_question", f.Event)
	assert.Equal(t, "어떤 문제를 풀고 있나요?", f.Data["question"])
	assert.Equal(t, "1", f.Data["question_index"])
	assert.Equal(t, "2", f.Data["total_questions"])

	// The student answers through the clarification endpoint; the original
	// stream picks up from there.
	require.NoError(t, p.service.SubmitClarification(context.Background(), turn.SessionID, turn.RequestID, "이차방정식이야"))

	f = nextFrame(t, frames)
	require.Equal(t, "clarification_question", f.Event)
	assert.Equal(t, "2", f.Data["question_index"])

	require.NoError(t, p.service.SubmitClarification(context.Background(), turn.SessionID, turn.RequestID, "x^2-5x+6=0"))

	rest := drainFrames(t, frames)
	require.Equal(t, []string{"clarification_complete", "answer_chunk", "answer_chunk", "streaming_complete"}, frameEvents(rest))
	assert.Equal(t, "x^2-5x+6=0을 어떻게 푸는지 설명해줘", rest[0].Data["improved_question"])

	turns, err := p.store.ClarifyTurns(context.Background(), turn.RequestID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "이차방정식이야", turns[0].StudentResponse)
	assert.Equal(t, "x^2-5x+6=0", turns[1].StudentResponse)
}

func TestUnanswerableQuestionEndsTurn(t *testing.T) {
	p := startPipeline(t, user.ModeAgent)
	p.gw.QueueCompletion(`{"knowledge_code":"K1","quality":"unanswerable","reasoning":"수학 질문이 아님","missing_fields":[]}`)

	_, frames := p.runTurn(t, &orchestrator.ChatRequest{UserID: "student-1", Question: "오늘 날씨는?"})
	all := drainFrames(t, frames)

	require.Equal(t, []string{"classification_result"}, frameEvents(all))
	assert.Empty(t, p.gw.StreamCalls, "no answer should be generated")
}

func TestFreepassModeBypassesClassification(t *testing.T) {
	p := startPipeline(t, user.ModeFreepass)
	p.gw.QueueStream("sin x의 도함수는 ", "cos x입니다.")

	_, frames := p.runTurn(t, &orchestrator.ChatRequest{
		UserID:   "student-1",
		Question: "sin x의 도함수는?",
		History:  []events.HistoryEntry{{Role: "user", Content: "미분이 뭐야?"}, {Role: "assistant", Content: "변화율을 구하는 연산이에요."}},
	})
	all := drainFrames(t, frames)

	require.Equal(t, []string{"freepass_chunk", "freepass_chunk", "streaming_complete"}, frameEvents(all))
	assert.Empty(t, p.gw.CompleteCalls, "the classifier must not run in freepass mode")
	require.Len(t, p.gw.StreamCalls, 1)
	assert.Contains(t, p.gw.StreamCalls[0].User, "미분이 뭐야?")
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	p := startPipeline(t, user.ModeFreepass)
	// The single free-talker worker consumes kickoffs in publish order, so
	// the first script answers the first turn.
	p.gw.QueueStream("1번 ", "답변")
	p.gw.QueueStream("2번 ", "답변", "입니다")

	turn1, frames1 := p.runTurn(t, &orchestrator.ChatRequest{UserID: "student-1", Question: "첫 번째 질문"})
	turn2, frames2 := p.runTurn(t, &orchestrator.ChatRequest{UserID: "student-1", Question: "두 번째 질문"})
	require.NotEqual(t, turn1.SessionID, turn2.SessionID)

	all1 := drainFrames(t, frames1)
	all2 := drainFrames(t, frames2)

	require.Equal(t, []string{"freepass_chunk", "freepass_chunk", "streaming_complete"}, frameEvents(all1))
	require.Equal(t, []string{"freepass_chunk", "freepass_chunk", "freepass_chunk", "streaming_complete"}, frameEvents(all2))

	for _, f := range all1 {
		assert.Equal(t, turn1.SessionID, f.Data["session_id"])
	}
	for _, f := range all2 {
		assert.Equal(t, turn2.SessionID, f.Data["session_id"])
	}
	assert.Equal(t, "1번 답변", all1[len(all1)-1].Data["full_response"])
	assert.Equal(t, "2번 답변입니다", all2[len(all2)-1].Data["full_response"])
}

func TestClassifierFailureTerminatesTurn(t *testing.T) {
	p := startPipeline(t, user.ModeAgent)
	// No scripted completion: the gateway fails with an empty-response error.

	_, frames := p.runTurn(t, &orchestrator.ChatRequest{UserID: "student-1", Question: "등차수열이 뭐야?"})
	all := drainFrames(t, frames)

	require.Equal(t, []string{"classification_failed"}, frameEvents(all))
	assert.Equal(t, "LLM 분류 실패 - 빈 응답", all[0].Data["error"])
}

func TestMidStreamFailureCarriesPartialAnswer(t *testing.T) {
	p := startPipeline(t, user.ModeAgent)
	p.gw.QueueCompletion(`{"knowledge_code":"K2","quality":"answerable","reasoning":"풀이 질문","missing_fields":[]}`)
	p.gw.QueueStreamFailure(assert.AnError, "근의 공식은 ")

	turn, frames := p.runTurn(t, &orchestrator.ChatRequest{UserID: "student-1", Question: "근의 공식 알려줘"})
	all := drainFrames(t, frames)

	require.Equal(t, []string{"classification_result", "answer_chunk", "answer_error"}, frameEvents(all))
	last := all[len(all)-1]
	assert.Equal(t, "근의 공식은 ", last.Data["full_response"])

	// The failed answer is never recorded or summarized.
	msgs, err := p.store.Messages(context.Background(), turn.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	_, err = p.store.Summary(context.Background(), turn.SessionID)
	assert.Error(t, err)
}
