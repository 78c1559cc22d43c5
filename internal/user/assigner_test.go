package user

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice/maice/internal/common/logger"
)

func newTestAssigner(t *testing.T) *Assigner {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewAssigner(NewMemoryRepository(), log)
}

func TestAssigner_Sticky(t *testing.T) {
	a := newTestAssigner(t)
	ctx := context.Background()

	first, err := a.GetOrAssign(ctx, "student-1")
	require.NoError(t, err)
	require.True(t, first.Valid())

	for i := 0; i < 10; i++ {
		mode, err := a.GetOrAssign(ctx, "student-1")
		require.NoError(t, err)
		assert.Equal(t, first, mode)
	}
}

func TestAssigner_BalancesPopulations(t *testing.T) {
	a := newTestAssigner(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := a.GetOrAssign(ctx, fmt.Sprintf("student-%d", i))
		require.NoError(t, err)
	}

	counts, err := a.repo.CountByMode(ctx)
	require.NoError(t, err)
	// Minority assignment keeps the populations within one of each other.
	assert.InDelta(t, counts[ModeAgent], counts[ModeFreepass], 1)
	assert.Equal(t, 20, counts[ModeAgent]+counts[ModeFreepass])
}

func TestAssigner_MinorityWins(t *testing.T) {
	a := newTestAssigner(t)
	ctx := context.Background()

	// Seed an imbalanced population.
	for i := 0; i < 3; i++ {
		require.NoError(t, a.repo.Insert(ctx, &User{
			UserID:       fmt.Sprintf("seed-%d", i),
			AssignedMode: ModeAgent,
		}))
	}

	mode, err := a.GetOrAssign(ctx, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, ModeFreepass, mode)
}

// wrappedNotFoundRepo decorates lookups the way a SQL layer does, returning
// ErrNotFound wrapped in a query-context error.
type wrappedNotFoundRepo struct {
	Repository
}

func (r *wrappedNotFoundRepo) Get(ctx context.Context, userID string) (*User, error) {
	u, err := r.Repository.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("select user %s: %w", userID, err)
	}
	return u, nil
}

func TestAssigner_WrappedNotFoundStillAssigns(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	a := NewAssigner(&wrappedNotFoundRepo{NewMemoryRepository()}, log)
	ctx := context.Background()

	mode, err := a.GetOrAssign(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, mode.Valid())

	again, err := a.GetOrAssign(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, mode, again)
}

func TestAssigner_ConcurrentFirstContactConverges(t *testing.T) {
	a := newTestAssigner(t)
	ctx := context.Background()

	// Simulate the race: a row for the user lands before our insert runs.
	a.pick = func() Mode { return ModeAgent }
	require.NoError(t, a.repo.Insert(ctx, &User{UserID: "racer", AssignedMode: ModeFreepass}))

	mode, err := a.GetOrAssign(ctx, "racer")
	require.NoError(t, err)
	assert.Equal(t, ModeFreepass, mode)
}
