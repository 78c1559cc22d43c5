// Package orchestrator is the HTTP edge: it accepts chat turns, kicks off
// the agent pipeline over the bus, and relays the per-session egress stream
// to the client as SSE.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/config"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/metrics"
	"github.com/maice/maice/internal/session"
	"github.com/maice/maice/internal/user"
)

// ErrTurnInFlight rejects a second concurrent turn for an agent-mode session.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// ChatRequest is the validated body of POST /api/v1/chat.
type ChatRequest struct {
	UserID      string                `json:"user_id"`
	Question    string                `json:"question"`
	SessionID   string                `json:"session_id,omitempty"`
	MessageType string                `json:"message_type,omitempty"`
	History     []events.HistoryEntry `json:"conversation_history,omitempty"`
}

// Turn is an accepted chat turn, ready to be relayed.
type Turn struct {
	SessionID string
	RequestID string
	Mode      user.Mode
}

// Service owns turn admission and pipeline kickoff.
type Service struct {
	bus      bus.Bus
	store    *session.Store
	assigner *user.Assigner
	cfg      config.AgentsConfig
	log      *logger.Logger

	mu       sync.Mutex
	inFlight map[string]struct{} // session IDs with an active agent-mode turn
}

func NewService(b bus.Bus, store *session.Store, assigner *user.Assigner, cfg config.AgentsConfig, log *logger.Logger) *Service {
	return &Service{
		bus:      b,
		store:    store,
		assigner: assigner,
		cfg:      cfg,
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

// StartTurn admits a chat turn: assigns the mode, loads or creates the
// session, records the user message, and publishes the kickoff. The caller
// must call EndTurn when the relay finishes.
func (s *Service) StartTurn(ctx context.Context, req *ChatRequest) (*Turn, error) {
	mode, err := s.assigner.GetOrAssign(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("assign mode: %w", err)
	}

	sess, err := s.loadOrCreateSession(ctx, req)
	if err != nil {
		return nil, err
	}

	turn := &Turn{
		SessionID: sess.ID,
		RequestID: uuid.NewString(),
		Mode:      mode,
	}

	// One active pipeline turn per session in agent mode; free-pass turns
	// are independent completions and may overlap.
	if mode == user.ModeAgent {
		s.mu.Lock()
		if _, busy := s.inFlight[sess.ID]; busy {
			s.mu.Unlock()
			return nil, ErrTurnInFlight
		}
		s.inFlight[sess.ID] = struct{}{}
		s.mu.Unlock()
	}

	if err := s.kickoff(ctx, req, turn); err != nil {
		s.EndTurn(turn)
		return nil, err
	}
	metrics.ChatRequests.WithLabelValues(string(mode)).Inc()
	return turn, nil
}

// EndTurn releases the session's in-flight slot.
func (s *Service) EndTurn(turn *Turn) {
	if turn.Mode != user.ModeAgent {
		return
	}
	s.mu.Lock()
	delete(s.inFlight, turn.SessionID)
	s.mu.Unlock()
}

func (s *Service) loadOrCreateSession(ctx context.Context, req *ChatRequest) (*session.Session, error) {
	if req.SessionID != "" {
		sess, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		return sess, nil
	}
	sess, err := s.store.CreateSession(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// kickoff records the user message, prepares the egress stream, and
// publishes the mode-appropriate ingress message. The consumer group is
// created before the publish so no early egress entry can be missed.
func (s *Service) kickoff(ctx context.Context, req *ChatRequest, turn *Turn) error {
	if _, err := s.store.AppendMessage(ctx, &session.Message{
		SessionID:   turn.SessionID,
		Sender:      session.SenderUser,
		Content:     req.Question,
		MessageType: req.MessageType,
	}); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}

	egress := bus.SessionStream(turn.SessionID)
	if err := s.bus.EnsureGroup(ctx, egress, bus.OrchestratorGroup); err != nil {
		return fmt.Errorf("ensure egress group: %w", err)
	}

	msg := s.kickoffMessage(req, turn)
	values, err := events.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode kickoff: %w", err)
	}
	if _, err := s.bus.Publish(ctx, bus.IngressStream, values); err != nil {
		return fmt.Errorf("publish kickoff: %w", err)
	}
	metrics.BusPublishes.WithLabelValues("ingress").Inc()
	return nil
}

func (s *Service) kickoffMessage(req *ChatRequest, turn *Turn) *events.Message {
	if turn.Mode == user.ModeFreepass {
		payload := map[string]any{
			"question": req.Question,
			"user_id":  req.UserID,
		}
		if len(req.History) > 0 {
			payload["conversation_history"] = req.History
		}
		return &events.Message{
			Type:        events.TypeFreepassRequest,
			TargetAgent: events.AgentFreeTalker,
			SessionID:   turn.SessionID,
			RequestID:   turn.RequestID,
			Payload:     payload,
		}
	}
	payload := map[string]any{
		"question":        req.Question,
		"is_new_question": req.SessionID == "",
	}
	if ctx := historyContext(req.History); ctx != "" {
		payload["context"] = ctx
	}
	return &events.Message{
		Type:        events.TypeClassifyQuestion,
		TargetAgent: events.AgentClassifier,
		SessionID:   turn.SessionID,
		RequestID:   turn.RequestID,
		Payload:     payload,
	}
}

// historyContext renders prior dialog as tagged lines for the classifier's
// context slot, matching how the free-talker renders its prompt history.
func historyContext(history []events.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, entry := range history {
		tag := "학생"
		if entry.Role == "assistant" || entry.Role == session.SenderMaice {
			tag = "MAICE"
		}
		sb.WriteString(tag)
		sb.WriteString(": ")
		sb.WriteString(entry.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// SubmitClarification publishes the student's reply to a pending
// clarification question back into the agent pipeline.
func (s *Service) SubmitClarification(ctx context.Context, sessionID, requestID, answer string) error {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if _, err := s.store.AppendMessage(ctx, &session.Message{
		SessionID: sessionID,
		Sender:    session.SenderUser,
		Content:   answer,
	}); err != nil {
		return fmt.Errorf("record clarification: %w", err)
	}

	values, err := events.Encode(&events.Message{
		Type:        events.TypeUserClarification,
		TargetAgent: events.AgentImprovement,
		SessionID:   sessionID,
		RequestID:   requestID,
		Payload:     map[string]any{"clarification_answer": answer},
	})
	if err != nil {
		return fmt.Errorf("encode clarification: %w", err)
	}
	if _, err := s.bus.Publish(ctx, bus.IngressStream, values); err != nil {
		return fmt.Errorf("publish clarification: %w", err)
	}
	metrics.BusPublishes.WithLabelValues("ingress").Inc()
	return nil
}
