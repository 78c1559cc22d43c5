// Package generator streams the final answer for an answerable question.
package generator

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maice/maice/internal/agents"
	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/llm"
	"github.com/maice/maice/internal/llm/prompts"
	"github.com/maice/maice/internal/session"
)

// PromptDecline renders the polite refusal for non-answerable questions.
const PromptDecline = events.AgentGenerator + ".decline"

// Generator is the answer streaming worker.
type Generator struct {
	bus       bus.Bus
	gw        llm.Gateway
	prompts   *prompts.Registry
	store     *session.Store
	log       *logger.Logger
	maxTokens int
}

var _ agents.Agent = (*Generator)(nil)

func New(b bus.Bus, gw llm.Gateway, reg *prompts.Registry, store *session.Store, maxTokens int, log *logger.Logger) *Generator {
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &Generator{
		bus:       b,
		gw:        gw,
		prompts:   reg,
		store:     store,
		log:       log.WithAgent(events.AgentGenerator),
		maxTokens: maxTokens,
	}
}

func (g *Generator) Name() string { return events.AgentGenerator }

func (g *Generator) Handle(ctx context.Context, msg *events.Message) error {
	switch msg.Type {
	case events.TypeReadyForAnswer, events.TypeGenerateAnswer:
	default:
		g.log.Debug("Ignoring unexpected ingress type", zap.String("type", msg.Type))
		return nil
	}
	log := g.log.WithSessionID(msg.SessionID).WithRequestID(msg.RequestID)

	classification, err := msg.ClassificationPayload("classification_result")
	if err != nil {
		classification = &events.Classification{Quality: events.QualityAnswerable, KnowledgeCode: "K1"}
	}
	if g.store != nil {
		if err := g.store.SetStage(ctx, msg.SessionID, session.StageAnswering); err != nil {
			log.WithError(err).Debug("Stage update skipped")
		}
	}

	question := msg.String("question")
	if classification.Quality != events.QualityAnswerable {
		return g.decline(ctx, msg, classification)
	}

	answer, err := g.streamAnswer(ctx, msg, question)
	if err != nil {
		return err
	}

	g.recordAnswer(ctx, msg, answer, log)
	g.fanOutSummary(ctx, msg, question, answer, log)
	return nil
}

// streamAnswer relays LLM deltas to the session stream as they arrive and
// closes the turn with streaming_complete. The returned string is the full
// answer; a mid-stream failure produces answer_error and a nil error,
// because the turn has been terminated for the client either way.
func (g *Generator) streamAnswer(ctx context.Context, msg *events.Message, question string) (string, error) {
	tpl, err := g.prompts.Get(events.AgentGenerator)
	if err != nil {
		return "", g.failStream(ctx, msg, "", 0, err)
	}
	started := time.Now()
	stream, err := g.gw.Stream(ctx, llm.Request{
		System: tpl.SystemPrompt,
		User: tpl.Render(map[string]string{
			"question": question,
			"context":  msg.String("context"),
		}),
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", g.failStream(ctx, msg, "", 0, err)
	}
	defer stream.Close()

	var full strings.Builder
	chunkIndex := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", g.failStream(ctx, msg, full.String(), chunkIndex, err)
		}
		chunkIndex++
		full.WriteString(chunk.Text)
		if err := agents.PublishEgress(ctx, g.bus, g.Name(), &events.Message{
			Type:      events.TypeAnswerChunk,
			SessionID: msg.SessionID,
			RequestID: msg.RequestID,
			Payload: map[string]any{
				"content":     chunk.Text,
				"chunk_index": chunkIndex,
			},
		}); err != nil {
			return "", err
		}
	}

	if err := agents.PublishEgress(ctx, g.bus, g.Name(), &events.Message{
		Type:      events.TypeStreamingComplete,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload: map[string]any{
			"full_response":           full.String(),
			"total_chunks":            chunkIndex,
			"processing_time_seconds": time.Since(started).Seconds(),
		},
	}); err != nil {
		return "", err
	}
	return full.String(), nil
}

// failStream terminates the turn with answer_error carrying whatever was
// accumulated before the failure.
func (g *Generator) failStream(ctx context.Context, msg *events.Message, partial string, chunks int, cause error) error {
	g.log.WithError(cause).WithSessionID(msg.SessionID).WithRequestID(msg.RequestID).
		Error("Answer generation failed", zap.Int("chunks_sent", chunks))
	return agents.PublishEgress(ctx, g.bus, g.Name(), &events.Message{
		Type:      events.TypeAnswerError,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload: map[string]any{
			"error":         cause.Error(),
			"full_response": partial,
			"total_chunks":  chunks,
		},
	})
}

// decline answers a non-answerable question with a single polite completion.
func (g *Generator) decline(ctx context.Context, msg *events.Message, classification *events.Classification) error {
	text := "죄송해요, 이 질문은 지금 다룰 수 있는 수학 범위를 벗어나요. 수학 질문을 해주면 도와줄게요!"
	if tpl, err := g.prompts.Get(PromptDecline); err == nil {
		resp, err := g.gw.Complete(ctx, llm.Request{
			System: tpl.SystemPrompt,
			User: tpl.Render(map[string]string{
				"question":  msg.String("question"),
				"reasoning": classification.Reasoning,
			}),
			MaxTokens: 300,
		})
		if err == nil && resp.Text != "" {
			text = resp.Text
		}
	}

	if err := agents.PublishEgress(ctx, g.bus, g.Name(), &events.Message{
		Type:      events.TypeAnswerResult,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload: map[string]any{
			"answer":         text,
			"knowledge_code": classification.KnowledgeCode,
			"answerability":  classification.Quality,
		},
	}); err != nil {
		return err
	}
	return agents.PublishEgress(ctx, g.bus, g.Name(), &events.Message{
		Type:      events.TypeStreamingComplete,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload: map[string]any{
			"full_response":           text,
			"total_chunks":            0,
			"processing_time_seconds": 0,
		},
	})
}

func (g *Generator) recordAnswer(ctx context.Context, msg *events.Message, answer string, log *logger.Logger) {
	if g.store == nil || answer == "" {
		return
	}
	if _, err := g.store.AppendMessage(ctx, &session.Message{
		SessionID: msg.SessionID,
		Sender:    session.SenderMaice,
		Content:   answer,
	}); err != nil {
		log.WithError(err).Warn("Failed to record answer message")
	}
	if err := g.store.SetStage(ctx, msg.SessionID, session.StageAnswered); err != nil {
		log.WithError(err).Debug("Stage update skipped")
	}
}

// fanOutSummary hands the finished turn to the observer. Failure is logged
// only; the user-visible turn is already complete.
func (g *Generator) fanOutSummary(ctx context.Context, msg *events.Message, question, answer string, log *logger.Logger) {
	if answer == "" {
		return
	}
	conversation := "학생: " + question + "\nMAICE: " + answer
	if err := agents.PublishIngress(ctx, g.bus, &events.Message{
		Type:        events.TypeGenerateSummary,
		TargetAgent: events.AgentObserver,
		SessionID:   msg.SessionID,
		RequestID:   msg.RequestID,
		Payload:     map[string]any{"conversation_text": conversation},
	}); err != nil {
		log.WithError(err).Warn("Summary fan-out failed")
	}
}
