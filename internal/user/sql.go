package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLRepository stores assignments over sqlx, sharing the pool with the
// session repository. Queries use ? placeholders rebound per driver.
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
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		assigned_mode TEXT NOT NULL,
		mode_assigned_at TIMESTAMP NOT NULL
	);`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLRepository) Get(ctx context.Context, userID string) (*User, error) {
	var u User
	query := r.db.Rebind(`SELECT user_id, assigned_mode, mode_assigned_at FROM users WHERE user_id = ?`)
	if err := r.db.GetContext(ctx, &u, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// Insert writes the first-contact assignment. ON CONFLICT DO NOTHING keeps
// whichever concurrent insert won.
func (r *SQLRepository) Insert(ctx context.Context, u *User) error {
	query := r.db.Rebind(`
		INSERT INTO users (user_id, assigned_mode, mode_assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`)
	if _, err := r.db.ExecContext(ctx, query, u.UserID, u.AssignedMode, u.ModeAssignedAt); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *SQLRepository) CountByMode(ctx context.Context) (map[Mode]int, error) {
	rows := []struct {
		Mode  Mode `db:"assigned_mode"`
		Count int  `db:"n"`
	}{}
	query := `SELECT assigned_mode, COUNT(*) AS n FROM users GROUP BY assigned_mode`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	counts := make(map[Mode]int, len(rows))
	for _, row := range rows {
		counts[row.Mode] = row.Count
	}
	return counts, nil
}
