package user

import (
	"errors"
	"time"
)

// Mode decides which pipeline a user's chat turns run through.
type Mode string

const (
	// ModeAgent routes turns through the full classify/clarify/answer pipeline.
	ModeAgent Mode = "agent"
	// ModeFreepass routes turns straight to the free-talker.
	ModeFreepass Mode = "freepass"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	return m == ModeAgent || m == ModeFreepass
}

// User records a user's sticky mode assignment.
type User struct {
	UserID         string    `db:"user_id" json:"user_id"`
	AssignedMode   Mode      `db:"assigned_mode" json:"assigned_mode"`
	ModeAssignedAt time.Time `db:"mode_assigned_at" json:"mode_assigned_at"`
}

// ErrNotFound is returned when a user has no persisted assignment.
var ErrNotFound = errors.New("user: not found")
