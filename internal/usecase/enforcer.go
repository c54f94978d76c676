// Package usecase contains application business logic.
package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/metrics"
)

// EnforcerImpl implements domain.Enforcer for the watcher's unilateral path.
type EnforcerImpl struct {
	processManager domain.ProcessManager
	launcher       domain.Launcher
	link           domain.InteractiveLink
	killProcesses  bool
	logger         *zap.Logger
}

// NewEnforcer creates an enforcer that redirects to the host app.
// With a live link the redirect rides on the Forced event; otherwise the host is cold-launched.
func NewEnforcer(
	pm domain.ProcessManager,
	launcher domain.Launcher,
	link domain.InteractiveLink,
	logger *zap.Logger,
) *EnforcerImpl {
	return &EnforcerImpl{
		processManager: pm,
		launcher:       launcher,
		link:           link,
		logger:         logger.Named("enforcer"),
	}
}

// WithProcessKill makes Enforce also terminate processes named like the blocked package.
func (e *EnforcerImpl) WithProcessKill(enabled bool) *EnforcerImpl {
	e.killProcesses = enabled
	return e
}

// Enforce acts on a package found in the authoritative blocklist.
func (e *EnforcerImpl) Enforce(ctx context.Context, packageName string) (*domain.EnforcementResult, error) {
	start := time.Now()

	result := &domain.EnforcementResult{
		PackageName: packageName,
		KilledPIDs:  make([]int, 0),
		Errors:      make([]error, 0),
		ExecutedAt:  start,
	}

	if e.link != nil && e.link.Alive() {
		result.Redirected = true
	} else {
		if err := e.launcher.ForceForeground(ctx, packageName); err != nil {
			e.logger.Warn("cold launch failed",
				zap.String("package", packageName),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
		} else {
			e.logger.Info("cold-launched host for blocked app",
				zap.String("package", packageName))
			metrics.ColdTriggers.Inc()
			result.Redirected = true
			result.ColdLaunch = true
		}
	}

	if e.killProcesses {
		pids, err := e.processManager.FindByName(packageName)
		if err != nil {
			e.logger.Warn("failed to find processes",
				zap.String("pattern", packageName),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
		}

		self := e.processManager.GetCurrentPID()
		for _, pid := range pids {
			if pid == self {
				continue
			}
			if err := e.processManager.Kill(pid); err != nil {
				e.logger.Warn("failed to kill process",
					zap.Int("pid", pid),
					zap.Error(err))
				result.Errors = append(result.Errors, err)
			} else {
				e.logger.Info("killed blocked process",
					zap.String("package", packageName),
					zap.Int("pid", pid))
				result.KilledPIDs = append(result.KilledPIDs, pid)
			}
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()

	return result, nil
}

// Ensure EnforcerImpl implements domain.Enforcer.
var _ domain.Enforcer = (*EnforcerImpl)(nil)
