package user

import "context"

// Repository persists mode assignments.
type Repository interface {
	// Get returns the stored assignment, or ErrNotFound.
	Get(ctx context.Context, userID string) (*User, error)
	// Insert stores a first-contact assignment. A concurrent insert for the
	// same user must not fail; the row that won stays.
	Insert(ctx context.Context, u *User) error
	// CountByMode returns the assigned population per mode.
	CountByMode(ctx context.Context) (map[Mode]int, error)
}
