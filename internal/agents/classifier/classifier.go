// Package classifier decides whether an incoming math question is
// answerable, needs clarification, or falls outside the curriculum.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/maice/maice/internal/agents"
	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/events"
	"github.com/maice/maice/internal/llm"
	"github.com/maice/maice/internal/llm/prompts"
	"github.com/maice/maice/internal/session"
)

// Literal sentinels fencing user content in the prompt. The model is told
// to treat everything between them as data, and to echo the content hash so
// a hijacked reply is detectable.
const (
	contentOpen  = "<<<USER_CONTENT_START>>>"
	contentClose = "<<<USER_CONTENT_END>>>"
)

const emptyReplyError = "LLM 분류 실패 - 빈 응답"

// Classifier is the question classification worker.
type Classifier struct {
	bus       bus.Bus
	gw        llm.Gateway
	prompts   *prompts.Registry
	store     *session.Store
	log       *logger.Logger
	maxTokens int
}

var _ agents.Agent = (*Classifier)(nil)

func New(b bus.Bus, gw llm.Gateway, reg *prompts.Registry, store *session.Store, maxTokens int, log *logger.Logger) *Classifier {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Classifier{
		bus:       b,
		gw:        gw,
		prompts:   reg,
		store:     store,
		log:       log.WithAgent(events.AgentClassifier),
		maxTokens: maxTokens,
	}
}

func (c *Classifier) Name() string { return events.AgentClassifier }

func (c *Classifier) Handle(ctx context.Context, msg *events.Message) error {
	if msg.Type != events.TypeClassifyQuestion {
		c.log.Debug("Ignoring unexpected ingress type", zap.String("type", msg.Type))
		return nil
	}
	question := msg.String("question")
	dialogContext := msg.String("context")
	log := c.log.WithSessionID(msg.SessionID).WithRequestID(msg.RequestID)

	result, err := c.classify(ctx, question, dialogContext)
	if err != nil {
		log.WithError(err).Error("Classification failed")
		return agents.PublishEgress(ctx, c.bus, c.Name(), &events.Message{
			Type:      events.TypeClassificationFailed,
			SessionID: msg.SessionID,
			RequestID: msg.RequestID,
			Payload:   map[string]any{"error": failureText(err)},
		})
	}

	c.persist(ctx, msg, result, log)

	if err := agents.PublishEgress(ctx, c.bus, c.Name(), &events.Message{
		Type:      events.TypeClassificationResult,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Payload:   map[string]any{"classification_result": result},
	}); err != nil {
		return err
	}

	return c.fanOut(ctx, msg, question, dialogContext, result)
}

// fanOut routes the turn onward by verdict. Unanswerable questions stop
// here; the classification_result already terminated the turn.
func (c *Classifier) fanOut(ctx context.Context, msg *events.Message, question, dialogContext string, result *events.Classification) error {
	switch result.Quality {
	case events.QualityAnswerable:
		return agents.PublishIngress(ctx, c.bus, &events.Message{
			Type:        events.TypeReadyForAnswer,
			TargetAgent: events.AgentGenerator,
			SessionID:   msg.SessionID,
			RequestID:   msg.RequestID,
			Payload: map[string]any{
				"question":              question,
				"context":               dialogContext,
				"classification_result": result,
			},
		})
	case events.QualityNeedsClarify:
		return agents.PublishIngress(ctx, c.bus, &events.Message{
			Type:        events.TypeNeedsClarify,
			TargetAgent: events.AgentImprovement,
			SessionID:   msg.SessionID,
			RequestID:   msg.RequestID,
			Payload: map[string]any{
				"question":       question,
				"missing_fields": result.MissingFields,
			},
		})
	}
	return nil
}

func (c *Classifier) classify(ctx context.Context, question, dialogContext string) (*events.Classification, error) {
	tpl, err := c.prompts.Get(events.AgentClassifier)
	if err != nil {
		return nil, err
	}
	hash := contentHash(question)
	user := tpl.Render(map[string]string{
		"question":     contentOpen + "\n" + question + "\n" + contentClose,
		"context":      dialogContext,
		"content_hash": hash,
	})

	resp, err := c.gw.Complete(ctx, llm.Request{
		System:    tpl.SystemPrompt,
		User:      user,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	if resp.Text == "" {
		return nil, llm.ErrEmptyResponse
	}
	return parseClassification(resp.Text)
}

func (c *Classifier) persist(ctx context.Context, msg *events.Message, result *events.Classification, log *logger.Logger) {
	if c.store == nil {
		return
	}
	err := c.store.SaveClassification(ctx, &session.Classification{
		RequestID:     msg.RequestID,
		SessionID:     msg.SessionID,
		KnowledgeCode: result.KnowledgeCode,
		Quality:       result.Quality,
		MissingFields: result.MissingFields,
		UnitTags:      result.UnitTags,
		Reasoning:     result.Reasoning,
	})
	if err != nil {
		// Persistence is best-effort; the egress result is the contract.
		log.WithError(err).Warn("Failed to persist classification")
	}
	if err := c.store.SetStage(ctx, msg.SessionID, session.StageClassifying); err != nil {
		log.WithError(err).Debug("Stage update skipped")
	}
}

// contentHash is the short FNV digest the model must echo back.
func contentHash(content string) string {
	h := fnv.New32a()
	h.Write([]byte(content))
	return fmt.Sprintf("%08x", h.Sum32())
}

func failureText(err error) string {
	if errors.Is(err, llm.ErrEmptyResponse) {
		return emptyReplyError
	}
	return err.Error()
}

// parseClassification extracts the first balanced JSON object from the
// model reply and validates it, defaulting any missing fields.
func parseClassification(reply string) (*events.Classification, error) {
	raw, ok := extractJSONObject(reply)
	if !ok {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	raw = sanitizeLaTeX(raw)

	var result events.Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}
	applyDefaults(&result)
	if !validQuality(result.Quality) {
		return nil, fmt.Errorf("invalid quality %q", result.Quality)
	}
	return &result, nil
}

func applyDefaults(c *events.Classification) {
	if c.KnowledgeCode == "" {
		c.KnowledgeCode = "K1"
	}
	if c.Quality == "" {
		c.Quality = events.QualityAnswerable
	}
	if c.MissingFields == nil {
		c.MissingFields = []string{}
	}
	if c.UnitTags == nil {
		c.UnitTags = []string{}
	}
	if c.Reasoning == "" {
		c.Reasoning = "분류 근거 없음"
	}
}

func validQuality(q string) bool {
	switch q {
	case events.QualityAnswerable, events.QualityNeedsClarify, events.QualityUnanswerable:
		return true
	}
	return false
}

// extractJSONObject returns the first balanced top-level {...} in text,
// brace counting outside of string literals.
func extractJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// sanitizeLaTeX doubles backslashes that open LaTeX commands ("\frac",
// "\sin", "\neq") so they survive json.Unmarshal. Valid JSON escapes are
// left alone; the ambiguity between "\f"+"rac" and the form-feed escape is
// resolved by lookahead: an escape letter followed by another letter is
// treated as LaTeX.
func sanitizeLaTeX(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if ch != '\\' || i+1 >= len(raw) {
			out = append(out, ch)
			continue
		}
		next := raw[i+1]
		if isJSONEscape(next) && !latexLookahead(raw, i+1) {
			out = append(out, ch, next)
			i++
			continue
		}
		out = append(out, '\\', '\\')
	}
	return string(out)
}

func isJSONEscape(ch byte) bool {
	switch ch {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
		return true
	}
	return false
}

// latexLookahead reports whether the escape letter at raw[i] is followed by
// another ASCII letter, which means it is the head of a LaTeX command rather
// than a JSON escape.
func latexLookahead(raw string, i int) bool {
	switch raw[i] {
	case 'b', 'f', 'n', 'r', 't':
		return i+1 < len(raw) && isASCIILetter(raw[i+1])
	}
	return false
}

func isASCIILetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
