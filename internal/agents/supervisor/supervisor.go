// Package supervisor keeps the five agent worker processes running: one
// child process per role, restarted with backoff after a crash.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maice/maice/internal/common/logger"
)

// Roles maps --role values to worker pools. Each child connects to the bus
// on its own and joins its agent's consumer group.
var Roles = []string{"classifier", "improvement", "generator", "freetalker", "observer"}

const (
	restartBackoffBase = time.Second
	restartBackoffMax  = 30 * time.Second
)

// Supervisor spawns and restarts worker children.
type Supervisor struct {
	binary string // worker executable, usually os.Executable()
	log    *logger.Logger

	// spawn is swappable for tests.
	spawn func(ctx context.Context, role string) *exec.Cmd
}

func New(binary string, log *logger.Logger) *Supervisor {
	s := &Supervisor{binary: binary, log: log}
	s.spawn = s.workerCmd
	return s
}

func (s *Supervisor) workerCmd(ctx context.Context, role string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.binary, "--role", role)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd
}

// Run supervises one child per role until ctx is cancelled. A child that
// exits is restarted with exponential backoff; the backoff resets after a
// child stays alive for a minute.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, role := range Roles {
		role := role
		g.Go(func() error {
			return s.superviseRole(ctx, role)
		})
	}
	return g.Wait()
}

func (s *Supervisor) superviseRole(ctx context.Context, role string) error {
	log := s.log.WithFields(zap.String("role", role))
	backoff := restartBackoffBase
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cmd := s.spawn(ctx, role)
		started := time.Now()
		log.Info("Starting agent worker")
		err := cmd.Run()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("Agent worker exited",
			zap.Duration("uptime", time.Since(started)))

		if time.Since(started) > time.Minute {
			backoff = restartBackoffBase
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}
