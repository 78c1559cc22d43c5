// Package observer summarizes finished turns off the user-visible path.
package observer

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/maice/maice/internal/agents"
	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/llm"
	"github.com/maice/maice/internal/llm/prompts"
	"github.com/maice/maice/internal/session"
)

// summaryReply is the structured form the observer prompt asks for.
type summaryReply struct {
	Summary       string `json:"summary"`
	StudentStatus any    `json:"student_status"`
	Title         string `json:"title"`
}

// Observer is the summarization worker.
type Observer struct {
	bus     bus.Bus
	gw      llm.Gateway
	prompts *prompts.Registry
	store   *session.Store
	log     *logger.Logger
}

var _ agents.Agent = (*Observer)(nil)

func New(b bus.Bus, gw llm.Gateway, reg *prompts.Registry, store *session.Store, log *logger.Logger) *Observer {
	return &Observer{
		bus:     b,
		gw:      gw,
		prompts: reg,
		store:   store,
		log:     log.WithAgent(events.AgentObserver),
	}
}

func (o *Observer) Name() string { return events.AgentObserver }

func (o *Observer) Handle(ctx context.Context, msg *events.Message) error {
	if msg.Type != events.TypeGenerateSummary {
		o.log.Debug("Ignoring unexpected ingress type", zap.String("type", msg.Type))
		return nil
	}
	log := o.log.WithSessionID(msg.SessionID).WithRequestID(msg.RequestID)

	reply, err := o.summarize(ctx, msg.String("conversation_text"))
	if err != nil {
		// Nothing user-visible rides on the summary; log and move on.
		log.WithError(err).Warn("Summary generation failed")
		return nil
	}

	o.persist(ctx, msg.SessionID, reply, log)

	return agents.PublishEgress(ctx, o.bus, o.Name(), &events.Message{
		Type:      events.TypeSummaryResult,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload:   map[string]any{"summary": reply.Summary},
	})
}

func (o *Observer) summarize(ctx context.Context, conversation string) (*summaryReply, error) {
	tpl, err := o.prompts.Get(events.AgentObserver)
	if err != nil {
		return nil, err
	}
	resp, err := o.gw.Complete(ctx, llm.Request{
		System:    tpl.SystemPrompt,
		User:      tpl.Render(map[string]string{"conversation": conversation}),
		MaxTokens: 500,
	})
	if err != nil {
		return nil, err
	}
	if resp.Text == "" {
		return nil, llm.ErrEmptyResponse
	}

	var reply summaryReply
	if err := json.Unmarshal([]byte(extract(resp.Text)), &reply); err != nil || reply.Summary == "" {
		// Unstructured reply: keep the whole text as the summary.
		reply = summaryReply{Summary: strings.TrimSpace(resp.Text)}
	}
	return &reply, nil
}

func (o *Observer) persist(ctx context.Context, sessionID string, reply *summaryReply, log *logger.Logger) {
	if o.store == nil {
		return
	}
	status := ""
	if reply.StudentStatus != nil {
		if raw, err := json.Marshal(reply.StudentStatus); err == nil {
			status = string(raw)
		}
	}
	if err := o.store.UpsertSummary(ctx, &session.Summary{
		SessionID:           sessionID,
		ConversationSummary: reply.Summary,
		StudentStatus:       status,
	}); err != nil {
		log.WithError(err).Warn("Failed to persist summary")
	}
	if reply.Title != "" {
		if err := o.store.SetTitle(ctx, sessionID, reply.Title, false); err != nil {
			log.WithError(err).Warn("Failed to set session title")
		}
	}
	if err := o.store.SetStage(ctx, sessionID, session.StageSummarized); err != nil {
		log.WithError(err).Debug("Stage update skipped")
	}
}

// extract returns the first {...} block of text, or text itself.
func extract(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
