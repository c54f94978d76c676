package infra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// SpawnDetached re-executes the current binary with args in a new session,
// detached from the caller's terminal and lifetime.
func SpawnDetached(args ...string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap in the background so the child never lingers as a zombie.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// SessionLauncher implements domain.Launcher for the cold path: it persists the
// trigger and starts the interactive session, which consumes the trigger once.
type SessionLauncher struct {
	triggers domain.ColdTriggerStore
	spawn    func(args ...string) (int, error)
	now      func() time.Time
	logger   *zap.Logger
}

// NewSessionLauncher creates a launcher that spawns `rethink session`.
func NewSessionLauncher(triggers domain.ColdTriggerStore, logger *zap.Logger) *SessionLauncher {
	return &SessionLauncher{
		triggers: triggers,
		spawn:    SpawnDetached,
		now:      time.Now,
		logger:   logger.Named("launcher"),
	}
}

// ForceForeground records triggerApp and launches the session on top.
func (l *SessionLauncher) ForceForeground(ctx context.Context, triggerApp string) error {
	trigger := domain.ColdTrigger{PackageName: triggerApp, TriggeredAt: l.now()}
	if err := l.triggers.SaveColdTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("persist cold trigger: %w", err)
	}

	pid, err := l.spawn("session")
	if err != nil {
		return fmt.Errorf("spawn session: %w", err)
	}
	l.logger.Info("session cold-launched",
		zap.String("trigger_app", triggerApp),
		zap.Int("pid", pid))
	return nil
}

// Ensure SessionLauncher implements domain.Launcher.
var _ domain.Launcher = (*SessionLauncher)(nil)
