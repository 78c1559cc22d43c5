// Package improvement runs the clarification sub-dialog: it probes the
// student about each missing field of an underspecified question, then
// composes an improved question for the answer generator.
package improvement

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/maice/maice/internal/agents"
	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/llm"
	"github.com/maice/maice/internal/llm/prompts"
	"github.com/maice/maice/internal/session"
)

// Prompt registry keys. The probe template is registered under the agent
// name; the judge and composer are sub-templates.
const (
	PromptProbe   = events.AgentImprovement
	PromptJudge   = events.AgentImprovement + ".judge"
	PromptCompose = events.AgentImprovement + ".compose"
)

// Clarify dialog states.
const (
	stateChoosingFocus   = "choosing_focus"
	stateAwaitingStudent = "awaiting_student"
	stateProbing         = "probing"
	stateFinalizing      = "finalizing"
)

// Judge verdicts for a student response against the current focus.
const (
	verdictResolved = "resolved"
	verdictPartial  = "partial"
	verdictSkip     = "skip"
)

type clarifyState struct {
	sessionID string
	question  string
	missing   []string
	turn      int // probes asked so far
	total     int // planned probe budget, for question_index/total_questions
	responses []string
	state     string
}

// Improvement is the clarifier worker. Dialog state is per request_id and
// lives in memory; persisted clarify turns are the durable record.
type Improvement struct {
	bus      bus.Bus
	gw       llm.Gateway
	prompts  *prompts.Registry
	store    *session.Store
	log      *logger.Logger
	maxTurns int

	mu     sync.Mutex
	states map[string]*clarifyState
}

var _ agents.Agent = (*Improvement)(nil)

func New(b bus.Bus, gw llm.Gateway, reg *prompts.Registry, store *session.Store, maxTurns int, log *logger.Logger) *Improvement {
	if maxTurns <= 0 {
		maxTurns = 3
	}
	return &Improvement{
		bus:      b,
		gw:       gw,
		prompts:  reg,
		store:    store,
		log:      log.WithAgent(events.AgentImprovement),
		maxTurns: maxTurns,
		states:   make(map[string]*clarifyState),
	}
}

func (a *Improvement) Name() string { return events.AgentImprovement }

func (a *Improvement) Handle(ctx context.Context, msg *events.Message) error {
	switch msg.Type {
	case events.TypeNeedsClarify:
		return a.handleNeedsClarify(ctx, msg)
	case events.TypeUserClarification:
		return a.handleStudentResponse(ctx, msg)
	default:
		a.log.Debug("Ignoring unexpected ingress type", zap.String("type", msg.Type))
		return nil
	}
}

func (a *Improvement) handleNeedsClarify(ctx context.Context, msg *events.Message) error {
	missing := msg.StringSlice("missing_fields")
	total := len(missing)
	if total > a.maxTurns {
		total = a.maxTurns
	}
	st := &clarifyState{
		sessionID: msg.SessionID,
		question:  msg.String("question"),
		missing:   missing,
		total:     total,
		state:     stateChoosingFocus,
	}
	a.mu.Lock()
	a.states[msg.RequestID] = st
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.SetStage(ctx, msg.SessionID, session.StageClarifying); err != nil {
			a.log.WithError(err).Debug("Stage update skipped")
		}
	}
	return a.advance(ctx, msg.RequestID, st)
}

func (a *Improvement) handleStudentResponse(ctx context.Context, msg *events.Message) error {
	a.mu.Lock()
	st, ok := a.states[msg.RequestID]
	a.mu.Unlock()
	log := a.log.WithSessionID(msg.SessionID).WithRequestID(msg.RequestID)
	if !ok {
		log.Warn("Clarification response for unknown request")
		return a.fail(ctx, msg.SessionID, msg.RequestID, fmt.Errorf("no clarification in progress"))
	}

	answer := msg.String("clarification_answer")
	st.state = stateProbing
	st.responses = append(st.responses, answer)
	a.persistTurn(ctx, msg.RequestID, st, answer)

	verdict, err := a.judge(ctx, st, answer)
	if err != nil {
		a.drop(msg.RequestID)
		return a.fail(ctx, st.sessionID, msg.RequestID, err)
	}
	switch verdict {
	case verdictPartial:
		// Focus unresolved; the next probe refines it.
	default:
		// Resolved, or the student gave up on this focus.
		if len(st.missing) > 0 {
			st.missing = st.missing[1:]
		}
	}
	return a.advance(ctx, msg.RequestID, st)
}

// advance asks the next probe, or finalizes once the missing fields are
// exhausted or the turn budget is spent.
func (a *Improvement) advance(ctx context.Context, requestID string, st *clarifyState) error {
	if len(st.missing) == 0 || st.turn >= a.maxTurns {
		return a.finalize(ctx, requestID, st)
	}
	st.state = stateChoosingFocus
	focus := st.missing[0]

	tpl, err := a.prompts.Get(PromptProbe)
	if err != nil {
		a.drop(requestID)
		return a.fail(ctx, st.sessionID, requestID, err)
	}
	resp, err := a.gw.Complete(ctx, llm.Request{
		System: tpl.SystemPrompt,
		User: tpl.Render(map[string]string{
			"question":  st.question,
			"focus":     focus,
			"responses": strings.Join(st.responses, "\n"),
		}),
		MaxTokens: 300,
	})
	if err != nil || resp.Text == "" {
		if err == nil {
			err = llm.ErrEmptyResponse
		}
		a.drop(requestID)
		return a.fail(ctx, st.sessionID, requestID, err)
	}

	st.turn++
	if st.turn > st.total {
		// Refinement probes after a partial answer extend the announced
		// budget; the index must never exceed the total.
		st.total = st.turn
	}
	st.state = stateAwaitingStudent
	a.persistProbe(ctx, requestID, st, focus, resp.Text)

	return agents.PublishEgress(ctx, a.bus, a.Name(), &events.Message{
		Type:      events.TypeClarificationQ,
		SessionID: st.sessionID,
		RequestID: requestID,
		Payload: map[string]any{
			"question":        resp.Text,
			"question_index":  st.turn,
			"total_questions": st.total,
			"missing_fields":  st.missing,
		},
	})
}

// judge asks the LLM whether the answer resolves the current focus. An
// unrecognized reply counts as resolved so the dialog keeps moving.
func (a *Improvement) judge(ctx context.Context, st *clarifyState, answer string) (string, error) {
	if len(st.missing) == 0 {
		return verdictResolved, nil
	}
	tpl, err := a.prompts.Get(PromptJudge)
	if err != nil {
		return "", err
	}
	resp, err := a.gw.Complete(ctx, llm.Request{
		System: tpl.SystemPrompt,
		User: tpl.Render(map[string]string{
			"question": st.question,
			"focus":    st.missing[0],
			"answer":   answer,
		}),
		MaxTokens: 50,
	})
	if err != nil {
		return "", err
	}
	reply := strings.ToLower(resp.Text)
	switch {
	case strings.Contains(reply, verdictPartial):
		return verdictPartial, nil
	case strings.Contains(reply, verdictSkip):
		return verdictSkip, nil
	default:
		return verdictResolved, nil
	}
}

func (a *Improvement) finalize(ctx context.Context, requestID string, st *clarifyState) error {
	st.state = stateFinalizing
	defer a.drop(requestID)

	improved, err := a.compose(ctx, requestID, st)
	if err != nil {
		return a.fail(ctx, st.sessionID, requestID, err)
	}

	if err := agents.PublishEgress(ctx, a.bus, a.Name(), &events.Message{
		Type:      events.TypeClarificationDone,
		SessionID: st.sessionID,
		RequestID: requestID,
		Payload: map[string]any{
			"improved_question": improved,
			"user_responses":    st.responses,
		},
	}); err != nil {
		return err
	}

	classification := a.classification(ctx, requestID)
	return agents.PublishIngress(ctx, a.bus, &events.Message{
		Type:        events.TypeReadyForAnswer,
		TargetAgent: events.AgentGenerator,
		SessionID:   st.sessionID,
		RequestID:   requestID,
		Payload: map[string]any{
			"question":              improved,
			"context":               strings.Join(st.responses, "\n"),
			"classification_result": classification,
		},
	})
}

func (a *Improvement) compose(ctx context.Context, requestID string, st *clarifyState) (string, error) {
	turns := a.dialogText(ctx, requestID, st)
	tpl, err := a.prompts.Get(PromptCompose)
	if err != nil {
		return "", err
	}
	resp, err := a.gw.Complete(ctx, llm.Request{
		System: tpl.SystemPrompt,
		User: tpl.Render(map[string]string{
			"question": st.question,
			"dialog":   turns,
		}),
		MaxTokens: 300,
	})
	if err != nil {
		return "", err
	}
	if resp.Text == "" {
		return "", llm.ErrEmptyResponse
	}
	return resp.Text, nil
}

// dialogText renders the persisted probe/response pairs for the composer.
func (a *Improvement) dialogText(ctx context.Context, requestID string, st *clarifyState) string {
	if a.store == nil {
		return strings.Join(st.responses, "\n")
	}
	turns, err := a.store.ClarifyTurns(ctx, requestID)
	if err != nil || len(turns) == 0 {
		return strings.Join(st.responses, "\n")
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "Q%d: %s\nA%d: %s\n", t.TurnNumber, t.Question, t.TurnNumber, t.StudentResponse)
	}
	return sb.String()
}

// classification returns the stored record with the verdict upgraded to
// answerable, falling back to a default when nothing was persisted.
func (a *Improvement) classification(ctx context.Context, requestID string) *events.Classification {
	result := &events.Classification{
		KnowledgeCode: "K1",
		Quality:       events.QualityAnswerable,
		MissingFields: []string{},
		UnitTags:      []string{},
		Reasoning:     "보완 질문으로 답변 가능",
	}
	if a.store == nil {
		return result
	}
	stored, err := a.store.Classification(ctx, requestID)
	if err != nil {
		return result
	}
	result.KnowledgeCode = stored.KnowledgeCode
	result.UnitTags = stored.UnitTags
	result.Reasoning = stored.Reasoning
	return result
}

func (a *Improvement) persistProbe(ctx context.Context, requestID string, st *clarifyState, focus, question string) {
	if a.store == nil {
		return
	}
	err := a.store.AppendClarifyTurn(ctx, &session.ClarifyTurn{
		RequestID:  requestID,
		TurnNumber: st.turn,
		Focus:      focus,
		Question:   question,
	})
	if err != nil {
		a.log.WithError(err).WithRequestID(requestID).Warn("Failed to persist clarify probe")
	}
}

func (a *Improvement) persistTurn(ctx context.Context, requestID string, st *clarifyState, answer string) {
	if a.store == nil || st.turn == 0 {
		return
	}
	turns, err := a.store.ClarifyTurns(ctx, requestID)
	if err != nil || len(turns) == 0 {
		return
	}
	last := turns[len(turns)-1]
	last.StudentResponse = answer
	if err := a.store.AppendClarifyTurn(ctx, last); err != nil {
		a.log.WithError(err).WithRequestID(requestID).Warn("Failed to persist clarify response")
	}
}

func (a *Improvement) fail(ctx context.Context, sessionID, requestID string, cause error) error {
	a.log.WithError(cause).WithSessionID(sessionID).WithRequestID(requestID).
		Error("Clarification failed")
	return agents.PublishEgress(ctx, a.bus, a.Name(), &events.Message{
		Type:      events.TypeClarificationError,
		SessionID: sessionID,
		RequestID: requestID,
		Payload:   map[string]any{"error": cause.Error()},
	})
}

func (a *Improvement) drop(requestID string) {
	a.mu.Lock()
	delete(a.states, requestID)
	a.mu.Unlock()
}
