// Package events defines the message contracts carried on the agent bus.
//
// Two closed sets of message types exist: ingress (backend to agent, on the
// shared backend_to_agent stream, partitioned by target_agent) and egress
// (agent to orchestrator, on the per-session stream). Unknown fields are
// preserved and forwarded verbatim; unknown types are dropped with a log by
// consumers.
package events

import "time"

// Agent names used in the target_agent ingress field and the agent_name
// egress field.
const (
	AgentClassifier  = "QuestionClassifierAgent"
	AgentImprovement = "QuestionImprovementAgent"
	AgentGenerator   = "AnswerGeneratorAgent"
	AgentFreeTalker  = "FreeTalkerAgent"
	AgentObserver    = "ObserverAgent"
)

// Ingress message types (backend -> agent).
const (
	TypeClassifyQuestion     = "classify_question"
	TypeProcessClarification = "process_clarification"
	TypeUserClarification    = "user_clarification_response"
	TypeNeedsClarify         = "needs_clarify"
	TypeReadyForAnswer       = "ready_for_answer"
	TypeGenerateAnswer       = "generate_answer"
	TypeFreepassRequest      = "freepass_request"
	TypeGenerateSummary      = "generate_summary"
)

// Egress message types (agent -> session stream).
const (
	TypeClassificationResult = "classification_result"
	TypeClassificationFailed = "classification_failed"
	TypeClarificationQ       = "clarification_question"
	TypeClarificationDone    = "clarification_complete"
	TypeClarificationError   = "clarification_error"
	TypeAnswerChunk          = "answer_chunk"
	TypeAnswerResult         = "answer_result"
	TypeAnswerError          = "answer_error"
	TypeStreamingComplete    = "streaming_complete"
	TypeFreepassChunk        = "freepass_chunk"
	TypeFreepassError        = "freepass_error"
	TypeSummaryResult        = "summary_result"
	TypeProcessingLog        = "processing_log"
	TypeError                = "error"

	// TypeAnswerComplete is a legacy alias of streaming_complete. It is
	// accepted as a terminal when consumed but never produced.
	TypeAnswerComplete = "answer_complete"
)

// Reserved envelope field names.
const (
	FieldType        = "type"
	FieldTargetAgent = "target_agent"
	FieldSessionID   = "session_id"
	FieldRequestID   = "request_id"
	FieldTimestamp   = "timestamp"
	FieldAgentName   = "agent_name"
)

// Terminal reports whether an egress type ends a turn's SSE stream.
// classification_result is terminal only when quality is unanswerable; the
// caller checks that case separately via the decoded payload.
func Terminal(msgType string) bool {
	switch msgType {
	case TypeStreamingComplete, TypeAnswerComplete, TypeClassificationFailed,
		TypeClarificationError, TypeAnswerError, TypeFreepassError, TypeError:
		return true
	}
	return false
}

// KnownEgress reports whether an egress type belongs to the closed contract.
func KnownEgress(msgType string) bool {
	switch msgType {
	case TypeClassificationResult, TypeClassificationFailed, TypeClarificationQ,
		TypeClarificationDone, TypeClarificationError, TypeAnswerChunk,
		TypeAnswerResult, TypeAnswerError, TypeStreamingComplete,
		TypeFreepassChunk, TypeFreepassError, TypeSummaryResult,
		TypeProcessingLog, TypeError, TypeAnswerComplete:
		return true
	}
	return false
}

// Message is the bus-level envelope. Payload holds the type-specific fields;
// structured values are JSON-encoded into a single string at the wire
// boundary by Encode.
type Message struct {
	Type        string
	TargetAgent string
	SessionID   string
	RequestID   string
	AgentName   string
	Timestamp   time.Time
	Payload     map[string]any
}

// Classification is the classifier's output record.
type Classification struct {
	KnowledgeCode string   `json:"knowledge_code"`
	Quality       string   `json:"quality"`
	MissingFields []string `json:"missing_fields"`
	UnitTags      []string `json:"unit_tags"`
	Reasoning     string   `json:"reasoning"`
}

// Classification quality verdicts.
const (
	QualityAnswerable   = "answerable"
	QualityNeedsClarify = "needs_clarify"
	QualityUnanswerable = "unanswerable"
)

// HistoryEntry is one turn of prior conversation carried on freepass requests.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
