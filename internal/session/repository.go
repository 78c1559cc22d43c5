package session

import "context"

// Repository defines the storage operations the session store consumes.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	UpdateSessionStage(ctx context.Context, sessionID string, stage Stage) error
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
	DeactivateSession(ctx context.Context, sessionID string) error

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)

	SaveClassification(ctx context.Context, c *Classification) error
	GetClassification(ctx context.Context, requestID string) (*Classification, error)

	AppendClarifyTurn(ctx context.Context, t *ClarifyTurn) error
	ListClarifyTurns(ctx context.Context, requestID string) ([]*ClarifyTurn, error)

	UpsertSummary(ctx context.Context, s *Summary) error
	GetSummary(ctx context.Context, sessionID string) (*Summary, error)
}
