package supervisor

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice/maice/internal/common/logger"
)

func TestSupervisor_RestartsCrashedChild(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	var mu sync.Mutex
	starts := map[string]int{}

	s := New("unused", log)
	s.spawn = func(ctx context.Context, role string) *exec.Cmd {
		mu.Lock()
		starts[role]++
		mu.Unlock()
		// A child that exits immediately with success.
		return exec.CommandContext(ctx, "true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Every role starts at least once; fast-exiting children are restarted
	// after the backoff.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, role := range Roles {
			if starts[role] < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
