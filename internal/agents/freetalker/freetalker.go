// Package freetalker serves free-pass mode: one streamed completion over
// the raw conversation, no classification or clarification.
package freetalker

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

const userFacingError = "답변 생성 중 문제가 발생했어요. 잠시 후 다시 시도해주세요."

// FreeTalker is the free-pass worker.
type FreeTalker struct {
	bus       bus.Bus
	gw        llm.Gateway
	prompts   *prompts.Registry
	store     *session.Store
	log       *logger.Logger
	maxTokens int
}

var _ agents.Agent = (*FreeTalker)(nil)

func New(b bus.Bus, gw llm.Gateway, reg *prompts.Registry, store *session.Store, maxTokens int, log *logger.Logger) *FreeTalker {
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &FreeTalker{
		bus:       b,
		gw:        gw,
		prompts:   reg,
		store:     store,
		log:       log.WithAgent(events.AgentFreeTalker),
		maxTokens: maxTokens,
	}
}

func (f *FreeTalker) Name() string { return events.AgentFreeTalker }

func (f *FreeTalker) Handle(ctx context.Context, msg *events.Message) error {
	if msg.Type != events.TypeFreepassRequest {
		f.log.Debug("Ignoring unexpected ingress type", zap.String("type", msg.Type))
		return nil
	}
	log := f.log.WithSessionID(msg.SessionID).WithRequestID(msg.RequestID)

	tpl, err := f.prompts.Get(events.AgentFreeTalker)
	if err != nil {
		return f.fail(ctx, msg, err)
	}
	started := time.Now()
	stream, err := f.gw.Stream(ctx, llm.Request{
		System: tpl.SystemPrompt,
		User: tpl.Render(map[string]string{
			"history": renderHistory(msg.HistoryPayload("conversation_history")),
			"message": msg.String("question"),
		}),
		MaxTokens: f.maxTokens,
	})
	if err != nil {
		return f.fail(ctx, msg, err)
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
			return f.fail(ctx, msg, err)
		}
		chunkIndex++
		full.WriteString(chunk.Text)
		if err := agents.PublishEgress(ctx, f.bus, f.Name(), &events.Message{
			Type:      events.TypeFreepassChunk,
			SessionID: msg.SessionID,
			RequestID: msg.RequestID,
			Payload: map[string]any{
				"content":     chunk.Text,
				"chunk_index": chunkIndex,
			},
		}); err != nil {
			return err
		}
	}

	if err := agents.PublishEgress(ctx, f.bus, f.Name(), &events.Message{
		Type:      events.TypeStreamingComplete,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload: map[string]any{
			"full_response":           full.String(),
			"total_chunks":            chunkIndex,
			"processing_time_seconds": time.Since(started).Seconds(),
		},
	}); err != nil {
		return err
	}

	f.record(ctx, msg, full.String(), log)
	return nil
}

func (f *FreeTalker) fail(ctx context.Context, msg *events.Message, cause error) error {
	f.log.WithError(cause).WithSessionID(msg.SessionID).WithRequestID(msg.RequestID).
		Error("Free-pass reply failed")
	return agents.PublishEgress(ctx, f.bus, f.Name(), &events.Message{
		Type:      events.TypeFreepassError,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload: map[string]any{
			"error":   cause.Error(),
			"message": userFacingError,
		},
	})
}

func (f *FreeTalker) record(ctx context.Context, msg *events.Message, answer string, log *logger.Logger) {
	if f.store == nil || answer == "" {
		return
	}
	if _, err := f.store.AppendMessage(ctx, &session.Message{
		SessionID: msg.SessionID,
		Sender:    session.SenderMaice,
		Content:   answer,
	}); err != nil {
		log.WithError(err).Warn("Failed to record free-pass answer")
	}
}

// renderHistory flattens prior turns as alternating sender tags.
func renderHistory(history []events.HistoryEntry) string {
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
