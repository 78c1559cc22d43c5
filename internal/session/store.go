package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/maice/maice/internal/common/logger"
)

// Store is the facade the orchestrator and agents use for session state. It
// wraps a Repository with stage-transition enforcement and title semantics.
type Store struct {
	repo   Repository
	logger *logger.Logger
}

// NewStore creates a Store over the given repository.
func NewStore(repo Repository, log *logger.Logger) *Store {
	return &Store{repo: repo, logger: log.WithFields(zap.String("component", "session-store"))}
}

// CreateSession creates a new active session for a user.
func (s *Store) CreateSession(ctx context.Context, userID string) (*Session, error) {
	sess := &Session{
		UserID:   userID,
		Stage:    StageNew,
		IsActive: true,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Debug("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
	)
	return sess, nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// AppendMessage records a transcript entry.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (*Message, error) {
	if err := s.repo.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// Messages returns the transcript of a session in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	return s.repo.ListMessages(ctx, sessionID)
}

// SetStage advances a session's stage. Backwards moves within a turn are
// rejected with ErrStageTransition.
func (s *Store) SetStage(ctx context.Context, sessionID string, stage Stage) error {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !CanTransition(sess.Stage, stage) {
		return fmt.Errorf("%w: %s -> %s", ErrStageTransition, sess.Stage, stage)
	}
	return s.repo.UpdateSessionStage(ctx, sessionID, stage)
}

// SetTitle sets the session title. Unless force is set, an existing title is
// kept.
func (s *Store) SetTitle(ctx context.Context, sessionID, title string, force bool) error {
	if title == "" {
		return nil
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Title != "" && !force {
		return nil
	}
	return s.repo.UpdateSessionTitle(ctx, sessionID, title)
}

// Deactivate terminates a session.
func (s *Store) Deactivate(ctx context.Context, sessionID string) error {
	return s.repo.DeactivateSession(ctx, sessionID)
}

// SaveClassification persists the classifier's record for a turn.
func (s *Store) SaveClassification(ctx context.Context, c *Classification) error {
	return s.repo.SaveClassification(ctx, c)
}

// Classification loads the persisted record for a turn.
func (s *Store) Classification(ctx context.Context, requestID string) (*Classification, error) {
	return s.repo.GetClassification(ctx, requestID)
}

// AppendClarifyTurn records one clarify probe (insert or fill response).
func (s *Store) AppendClarifyTurn(ctx context.Context, t *ClarifyTurn) error {
	return s.repo.AppendClarifyTurn(ctx, t)
}

// ClarifyTurns lists the clarify sub-dialog of a turn in order.
func (s *Store) ClarifyTurns(ctx context.Context, requestID string) ([]*ClarifyTurn, error) {
	return s.repo.ListClarifyTurns(ctx, requestID)
}

// UpsertSummary overwrites the observer summary for a session.
func (s *Store) UpsertSummary(ctx context.Context, sum *Summary) error {
	return s.repo.UpsertSummary(ctx, sum)
}

// Summary loads the observer summary, if any.
func (s *Store) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	return s.repo.GetSummary(ctx, sessionID)
}
