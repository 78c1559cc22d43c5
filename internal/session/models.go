// Package session provides the chat session store: sessions, transcript
// messages, per-turn classifications, clarify turns, and summaries.
package session

import (
	"errors"
	"time"
)

// Stage is the coarse turn status a session exposes.
type Stage string

const (
	StageNew         Stage = "new"
	StageClassifying Stage = "classifying"
	StageClarifying  Stage = "clarifying"
	StageAnswering   Stage = "answering"
	StageAnswered    Stage = "answered"
	StageSummarized  Stage = "summarized"
)

// stageRank orders stages within a turn. Transitions are one-way except for
// the clarify loop, which may repeat, and the reset to StageClassifying when
// the next user message opens a new turn.
var stageRank = map[Stage]int{
	StageNew:         0,
	StageClassifying: 1,
	StageClarifying:  2,
	StageAnswering:   3,
	StageAnswered:    4,
	StageSummarized:  5,
}

// CanTransition reports whether a session may move from one stage to
// another. Forward moves are allowed, clarifying may repeat, and any stage
// may return to classifying at the start of a new turn.
func CanTransition(from, to Stage) bool {
	if to == StageClassifying {
		return true // next turn
	}
	if from == StageClarifying && to == StageClarifying {
		return true // repeated clarify probes
	}
	fr, ok := stageRank[from]
	if !ok {
		return false
	}
	tr, ok := stageRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Message senders.
const (
	SenderUser  = "user"
	SenderMaice = "maice"
)

// Session is one chat session.
type Session struct {
	ID        string    `db:"session_id" json:"session_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Stage     Stage     `db:"stage" json:"stage"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one transcript entry. Messages are append-only and never
// mutated.
type Message struct {
	ID              string    `db:"id" json:"id"`
	SessionID       string    `db:"session_id" json:"session_id"`
	Sender          string    `db:"sender" json:"sender"`
	Content         string    `db:"content" json:"content"`
	MessageType     string    `db:"message_type" json:"message_type"`
	ParentMessageID *string   `db:"parent_message_id" json:"parent_message_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Classification is the persisted classifier record for one turn.
type Classification struct {
	RequestID     string    `db:"request_id" json:"request_id"`
	SessionID     string    `db:"session_id" json:"session_id"`
	KnowledgeCode string    `db:"knowledge_code" json:"knowledge_code"`
	Quality       string    `db:"quality" json:"quality"`
	MissingFields []string  `db:"-" json:"missing_fields"`
	UnitTags      []string  `db:"-" json:"unit_tags"`
	Reasoning     string    `db:"reasoning" json:"reasoning"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ClarifyTurn is one probe of the clarification sub-dialog.
type ClarifyTurn struct {
	RequestID       string    `db:"request_id" json:"request_id"`
	TurnNumber      int       `db:"turn_number" json:"turn_number"`
	Focus           string    `db:"focus" json:"focus"`
	Question        string    `db:"question" json:"question"`
	StudentResponse string    `db:"student_response" json:"student_response"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Summary is the observer's per-session output, overwritten every turn.
type Summary struct {
	SessionID           string    `db:"session_id" json:"session_id"`
	ConversationSummary string    `db:"conversation_summary" json:"conversation_summary"`
	StudentStatus       string    `db:"student_status" json:"student_status"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// ErrNotFound is returned when a session or record does not exist.
var ErrNotFound = errors.New("session not found")

// ErrStageTransition is returned on a backwards stage move within a turn.
var ErrStageTransition = errors.New("invalid stage transition")
