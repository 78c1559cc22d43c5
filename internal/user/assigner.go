package user

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/maice/maice/internal/common/logger"
)

// Assigner hands out sticky mode assignments, keeping the two populations
// balanced over time.
type Assigner struct {
	repo Repository
	log  *logger.Logger
	now  func() time.Time
	pick func() Mode // tie-breaker
}

func NewAssigner(repo Repository, log *logger.Logger) *Assigner {
	return &Assigner{
		repo: repo,
		log:  log,
		now:  time.Now,
		pick: func() Mode {
			if rand.Intn(2) == 0 {
				return ModeAgent
			}
			return ModeFreepass
		},
	}
}

// GetOrAssign returns the user's mode, assigning one on first contact. An
// existing assignment always wins; a new user joins whichever mode currently
// has fewer members, with a coin flip on ties. Two concurrent first contacts
// for the same user both resolve to the row that reached storage first.
func (a *Assigner) GetOrAssign(ctx context.Context, userID string) (Mode, error) {
	if u, err := a.repo.Get(ctx, userID); err == nil {
		return u.AssignedMode, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("lookup mode: %w", err)
	}

	counts, err := a.repo.CountByMode(ctx)
	if err != nil {
		return "", fmt.Errorf("count modes: %w", err)
	}
	mode := a.choose(counts)

	if err := a.repo.Insert(ctx, &User{
		UserID:         userID,
		AssignedMode:   mode,
		ModeAssignedAt: a.now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("assign mode: %w", err)
	}

	// Read back rather than trusting our insert: a concurrent first contact
	// may have won the race.
	u, err := a.repo.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read back mode: %w", err)
	}
	a.log.Info("Assigned user mode",
		zap.String("user_id", userID),
		zap.String("mode", string(u.AssignedMode)))
	return u.AssignedMode, nil
}

func (a *Assigner) choose(counts map[Mode]int) Mode {
	agent, freepass := counts[ModeAgent], counts[ModeFreepass]
	switch {
	case agent < freepass:
		return ModeAgent
	case freepass < agent:
		return ModeFreepass
	default:
		return a.pick()
	}
}
