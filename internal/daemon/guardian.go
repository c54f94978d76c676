package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// GuardianConfig holds guardian daemon configuration.
type GuardianConfig struct {
	WatcherCheckInterval time.Duration // How often to check watcher
	HeartbeatInterval    time.Duration // How often to update heartbeat
	UnitCheckInterval    time.Duration // How often to check the systemd unit
}

// DefaultGuardianConfig returns default guardian configuration.
func DefaultGuardianConfig() GuardianConfig {
	return GuardianConfig{
		WatcherCheckInterval: 30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		UnitCheckInterval:    60 * time.Second,
	}
}

// Guardian monitors the watcher daemon and restarts it if killed.
// It also keeps an installed autostart unit pointing at the current binary.
type Guardian struct {
	config    GuardianConfig
	registry  domain.DaemonRegistry
	autostart domain.AutostartManager
	logger    *zap.Logger
	daemon    domain.Daemon

	spawn      func(role domain.DaemonRole) error
	executable func() (string, error)
}

// NewGuardian creates a new guardian daemon. autostart may be nil.
func NewGuardian(
	config GuardianConfig,
	registry domain.DaemonRegistry,
	autostart domain.AutostartManager,
	daemon domain.Daemon,
	logger *zap.Logger,
) *Guardian {
	return &Guardian{
		config:     config,
		registry:   registry,
		autostart:  autostart,
		daemon:     daemon,
		logger:     logger.Named("guardian"),
		spawn:      StartDaemon,
		executable: os.Executable,
	}
}

// Run starts the guardian daemon loop.
// This blocks until context is canceled.
func (g *Guardian) Run(ctx context.Context) error {
	if err := g.registry.Register(g.daemon); err != nil {
		g.logger.Error("failed to register guardian", zap.Error(err))
		return err
	}
	defer func() {
		if err := g.registry.Unregister(domain.RoleGuardian); err != nil {
			g.logger.Warn("failed to unregister guardian", zap.Error(err))
		}
	}()

	g.logger.Info("guardian daemon started", zap.Int("pid", g.daemon.PID))

	g.ensureUnitCurrent()

	watcherCheckTicker := time.NewTicker(g.config.WatcherCheckInterval)
	heartbeatTicker := time.NewTicker(g.config.HeartbeatInterval)
	unitCheckTicker := time.NewTicker(g.config.UnitCheckInterval)

	defer func() {
		watcherCheckTicker.Stop()
		heartbeatTicker.Stop()
		unitCheckTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("guardian daemon stopping")
			return nil

		case <-watcherCheckTicker.C:
			g.checkAndRestartWatcher()

		case <-heartbeatTicker.C:
			if err := g.registry.UpdateHeartbeat(domain.RoleGuardian); err != nil {
				g.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-unitCheckTicker.C:
			g.ensureUnitCurrent()
		}
	}
}

// checkAndRestartWatcher checks if watcher is alive and restarts if needed.
func (g *Guardian) checkAndRestartWatcher() {
	alive, err := g.registry.IsAlive(domain.RoleWatcher)
	if err != nil {
		g.logger.Warn("failed to check watcher", zap.Error(err))
		return
	}

	if !alive {
		g.logger.Info("watcher not running, restarting...")
		if err := g.spawn(domain.RoleWatcher); err != nil {
			g.logger.Error("failed to restart watcher", zap.Error(err))
		} else {
			g.logger.Info("watcher restarted successfully")
		}
	}
}

// ensureUnitCurrent rewrites an installed unit whose content no longer matches.
// A missing unit is left alone: `rethink autostart uninstall` is a deliberate choice.
func (g *Guardian) ensureUnitCurrent() {
	if g.autostart == nil || !g.autostart.IsInstalled() {
		return
	}
	execPath, err := g.executable()
	if err != nil {
		g.logger.Error("failed to get executable path", zap.Error(err))
		return
	}
	if !g.autostart.NeedsUpdate(execPath) {
		return
	}
	g.logger.Info("autostart unit outdated, updating...", zap.String("unit", g.autostart.GetUnitPath()))
	if err := g.autostart.Update(execPath); err != nil {
		g.logger.Error("failed to update autostart unit", zap.Error(err))
	}
}
