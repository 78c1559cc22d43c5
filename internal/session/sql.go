package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLRepository implements Repository over sqlx. Queries are written with ?
// placeholders and rebound for the active driver, so the same repository
// serves SQLite and PostgreSQL.
type SQLRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the repository and ensures the schema exists.
func NewSQLRepository(pool *sqlx.DB) (*SQLRepository, error) {
	repo := &SQLRepository{db: pool}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT 'new',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		parent_message_id TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS agent_question_classifications (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		knowledge_code TEXT NOT NULL,
		quality TEXT NOT NULL,
		missing_fields TEXT NOT NULL DEFAULT '[]',
		unit_tags TEXT NOT NULL DEFAULT '[]',
		reasoning TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_clarification_turns (
		request_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		focus TEXT NOT NULL,
		question TEXT NOT NULL,
		student_response TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (request_id, turn_number)
	);

	CREATE TABLE IF NOT EXISTS session_summaries (
		session_id TEXT PRIMARY KEY,
		conversation_summary TEXT NOT NULL,
		student_status TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLRepository) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Stage == "" {
		s.Stage = StageNew
	}
	query := r.db.Rebind(`INSERT INTO sessions (session_id, user_id, title, stage, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, s.ID, s.UserID, s.Title, s.Stage, s.IsActive, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *SQLRepository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	query := r.db.Rebind(`SELECT session_id, user_id, title, stage, is_active, created_at, updated_at
		FROM sessions WHERE session_id = ?`)
	if err := r.db.GetContext(ctx, &s, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *SQLRepository) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	var out []*Session
	query := r.db.Rebind(`SELECT session_id, user_id, title, stage, is_active, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`)
	if err := r.db.SelectContext(ctx, &out, query, userID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) UpdateSessionStage(ctx context.Context, sessionID string, stage Stage) error {
	query := r.db.Rebind(`UPDATE sessions SET stage = ?, updated_at = ? WHERE session_id = ?`)
	res, err := r.db.ExecContext(ctx, query, stage, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return checkUpdated(res)
}

func (r *SQLRepository) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	query := r.db.Rebind(`UPDATE sessions SET title = ?, updated_at = ? WHERE session_id = ?`)
	res, err := r.db.ExecContext(ctx, query, title, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return checkUpdated(res)
}

func (r *SQLRepository) DeactivateSession(ctx context.Context, sessionID string) error {
	query := r.db.Rebind(`UPDATE sessions SET is_active = FALSE, updated_at = ? WHERE session_id = ?`)
	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return checkUpdated(res)
}

func (r *SQLRepository) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	query := r.db.Rebind(`INSERT INTO session_messages (id, session_id, sender, content, message_type, parent_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, m.ID, m.SessionID, m.Sender, m.Content, m.MessageType, m.ParentMessageID, m.CreatedAt)
	return err
}

func (r *SQLRepository) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	var out []*Message
	query := r.db.Rebind(`SELECT id, session_id, sender, content, message_type, parent_message_id, created_at
		FROM session_messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`)
	if err := r.db.SelectContext(ctx, &out, query, sessionID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) SaveClassification(ctx context.Context, c *Classification) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	missing, err := json.Marshal(emptyIfNil(c.MissingFields))
	if err != nil {
		return err
	}
	tags, err := json.Marshal(emptyIfNil(c.UnitTags))
	if err != nil {
		return err
	}
	query := r.db.Rebind(`INSERT INTO agent_question_classifications
		(request_id, session_id, knowledge_code, quality, missing_fields, unit_tags, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			knowledge_code = excluded.knowledge_code,
			quality = excluded.quality,
			missing_fields = excluded.missing_fields,
			unit_tags = excluded.unit_tags,
			reasoning = excluded.reasoning`)
	_, err = r.db.ExecContext(ctx, query, c.RequestID, c.SessionID, c.KnowledgeCode, c.Quality,
		string(missing), string(tags), c.Reasoning, c.CreatedAt)
	return err
}

func (r *SQLRepository) GetClassification(ctx context.Context, requestID string) (*Classification, error) {
	row := struct {
		Classification
		MissingRaw string `db:"missing_fields"`
		TagsRaw    string `db:"unit_tags"`
	}{}
	query := r.db.Rebind(`SELECT request_id, session_id, knowledge_code, quality, missing_fields, unit_tags, reasoning, created_at
		FROM agent_question_classifications WHERE request_id = ?`)
	if err := r.db.GetContext(ctx, &row, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c := row.Classification
	_ = json.Unmarshal([]byte(row.MissingRaw), &c.MissingFields)
	_ = json.Unmarshal([]byte(row.TagsRaw), &c.UnitTags)
	return &c, nil
}

func (r *SQLRepository) AppendClarifyTurn(ctx context.Context, t *ClarifyTurn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(`INSERT INTO agent_clarification_turns
		(request_id, turn_number, focus, question, student_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id, turn_number) DO UPDATE SET
			student_response = excluded.student_response`)
	_, err := r.db.ExecContext(ctx, query, t.RequestID, t.TurnNumber, t.Focus, t.Question, t.StudentResponse, t.CreatedAt)
	return err
}

func (r *SQLRepository) ListClarifyTurns(ctx context.Context, requestID string) ([]*ClarifyTurn, error) {
	var out []*ClarifyTurn
	query := r.db.Rebind(`SELECT request_id, turn_number, focus, question, student_response, created_at
		FROM agent_clarification_turns WHERE request_id = ? ORDER BY turn_number ASC`)
	if err := r.db.SelectContext(ctx, &out, query, requestID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) UpsertSummary(ctx context.Context, s *Summary) error {
	s.UpdatedAt = time.Now().UTC()
	query := r.db.Rebind(`INSERT INTO session_summaries (session_id, conversation_summary, student_status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			conversation_summary = excluded.conversation_summary,
			student_status = excluded.student_status,
			updated_at = excluded.updated_at`)
	_, err := r.db.ExecContext(ctx, query, s.SessionID, s.ConversationSummary, s.StudentStatus, s.UpdatedAt)
	return err
}

func (r *SQLRepository) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	var s Summary
	query := r.db.Rebind(`SELECT session_id, conversation_summary, student_status, updated_at
		FROM session_summaries WHERE session_id = ?`)
	if err := r.db.GetContext(ctx, &s, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func checkUpdated(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver without RowsAffected support
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
