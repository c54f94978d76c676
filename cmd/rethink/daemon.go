package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/rethink/internal/config"
	"github.com/eliteGoblin/focusd/rethink/internal/daemon"
	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
	"github.com/eliteGoblin/focusd/rethink/internal/metrics"
	"github.com/eliteGoblin/focusd/rethink/internal/usecase"
)

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run as daemon (internal use)",
	Hidden: true,
	RunE:   runDaemon,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run the interactive session",
	Long: `Runs the interactive layer: it evaluates limits and focus modes, pushes the
blocklist to the watcher and shows interventions. Started automatically on a
cold trigger; safe to start by hand.`,
	RunE: runSession,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run watcher and session in one foreground process",
	Long: `Runs the watcher and the session in a single process connected by an
in-memory link. Useful for development and for setups without autostart.`,
	RunE: runForeground,
}

var daemonRole string

func init() {
	daemonCmd.Flags().StringVar(&daemonRole, "role", "", "Daemon role (watcher/guardian)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(runCmd)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonEntity(role domain.DaemonRole) domain.Daemon {
	return domain.Daemon{
		PID:        os.Getpid(),
		Role:       role,
		Name:       "rethink-" + string(role),
		StartedAt:  time.Now(),
		AppVersion: Version,
	}
}

func startMetrics(addr string, logger *zap.Logger) func() {
	if addr == "" {
		return func() {}
	}
	server := metrics.NewServer(addr, logger)
	server.Start()
	return func() {
		if err := server.Stop(); err != nil {
			logger.Warn("failed to stop metrics server", zap.Error(err))
		}
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonRole == "" {
		return fmt.Errorf("--role is required")
	}
	role := domain.DaemonRole(daemonRole)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg, daemonRole)
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	ctx, cancel := signalContext()
	defer cancel()

	switch role {
	case domain.RoleWatcher:
		stopMetrics := startMetrics(cfg.Metrics.Listen, logger)
		defer stopMetrics()

		link, err := comps.SessionClient()
		if err != nil {
			return err
		}
		watcher, err := buildWatcher(ctx, comps, link, newDaemonEntity(role))
		if err != nil {
			return err
		}
		return watcher.Run(ctx)

	case domain.RoleGuardian:
		guardian := daemon.NewGuardian(
			daemon.GuardianConfig{
				WatcherCheckInterval: cfg.Guardian.CheckInterval,
				HeartbeatInterval:    cfg.Watcher.HeartbeatInterval,
				UnitCheckInterval:    daemon.DefaultGuardianConfig().UnitCheckInterval,
			},
			comps.registry,
			infra.NewSystemdAutostart(infra.DetectExecMode(), cfg.DataDir),
			newDaemonEntity(role),
			logger,
		)
		return guardian.Run(ctx)

	default:
		return fmt.Errorf("unknown role: %s", role)
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg, string(domain.RoleSession))
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	ctx, cancel := signalContext()
	defer cancel()

	stopMetrics := startMetrics(cfg.Metrics.SessionListen, logger)
	defer stopMetrics()

	session, err := buildSession(comps, newDaemonEntity(domain.RoleSession))
	if err != nil {
		return err
	}
	return session.Run(ctx)
}

// runForeground wires the watcher straight into the session through a ChannelLink.
func runForeground(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg, "run")
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	ctx, cancel := signalContext()
	defer cancel()

	stopMetrics := startMetrics(cfg.Metrics.Listen, logger)
	defer stopMetrics()

	link := daemon.NewChannelLink(cfg.Watcher.EventBuffer)
	watcher, err := buildWatcher(ctx, comps, link, newDaemonEntity(domain.RoleWatcher))
	if err != nil {
		return err
	}
	session, err := buildSession(comps, newDaemonEntity(domain.RoleSession))
	if err != nil {
		return err
	}
	session.WithLink(link)

	fmt.Println("rethink running in the foreground, Ctrl-C to stop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return session.Run(ctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildWatcher(ctx context.Context, comps *components, link domain.InteractiveLink, d domain.Daemon) (*daemon.Watcher, error) {
	cfg, logger := comps.cfg, comps.logger

	state, err := comps.State()
	if err != nil {
		return nil, err
	}
	usageDB, err := comps.UsageDB()
	if err != nil {
		return nil, err
	}
	blocklist, err := comps.Blocklist()
	if err != nil {
		return nil, err
	}

	enforcer := usecase.NewEnforcer(comps.pm, infra.NewSessionLauncher(state, logger), link, logger).
		WithProcessKill(cfg.Watcher.KillBlockedProcess)

	go pruneUsage(ctx, usageDB, logger)

	return daemon.NewWatcher(
		watcherConfig(cfg),
		daemon.WatcherDeps{
			Source:    infra.NewX11ForegroundSource(logger),
			Recorder:  usageDB,
			Blocklist: blocklist,
			Enforcer:  enforcer,
			Link:      link,
			Wake:      state,
			Registry:  comps.registry,
			Notifier:  infra.NewDesktopNotifier(cfg.Notifications.Enabled, logger),
		},
		d,
		logger,
	), nil
}

func watcherConfig(cfg *config.Config) daemon.WatcherConfig {
	wc := daemon.DefaultWatcherConfig()
	wc.HostAppID = cfg.HostAppID
	wc.CapabilityCheckInterval = cfg.Watcher.CapabilityCheckInterval
	wc.HeartbeatInterval = cfg.Watcher.HeartbeatInterval
	wc.PartnerCheckInterval = cfg.Guardian.CheckInterval
	wc.EventBuffer = cfg.Watcher.EventBuffer
	wc.WakeBudget = cfg.Watcher.WakeBudget
	return wc
}

func buildSession(comps *components, d domain.Daemon) (*daemon.Session, error) {
	cfg, logger := comps.cfg, comps.logger

	app, err := comps.Interactive()
	if err != nil {
		return nil, err
	}
	state, err := comps.State()
	if err != nil {
		return nil, err
	}
	token, err := comps.IPCToken()
	if err != nil {
		return nil, err
	}

	sc := daemon.DefaultSessionConfig()
	sc.FocusTickInterval = cfg.Session.FocusTickInterval
	sc.UsageRefreshInterval = cfg.Session.UsageRefreshInterval
	sc.WakeMaxAge = cfg.Session.WakeMaxAge

	session := daemon.NewSession(sc, daemon.SessionDeps{
		Coordinator: app.coordinator,
		BlockSync:   app.blockSync,
		Refresher:   app.refresher,
		Triggers:    state,
		Wake:        state,
		Registry:    comps.registry,
		Notifier:    infra.NewDesktopNotifier(cfg.Notifications.Enabled, logger),
	}, d, logger)
	return session.WithSocket(cfg.SocketPath(), token), nil
}

// pruneUsage drops sessions older than the longest usage range, once at start and then daily.
func pruneUsage(ctx context.Context, db *infra.UsageDB, logger *zap.Logger) {
	prune := func() {
		n, err := db.Prune(ctx, time.Now().Add(-infra.UsageRetention))
		if err != nil {
			logger.Warn("usage prune failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("pruned old usage sessions", zap.Int64("rows", n))
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
