// Package daemon implements the watcher, guardian and session processes.
package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
	"github.com/eliteGoblin/focusd/rethink/internal/metrics"
)

// WatcherConfig holds watcher daemon configuration.
type WatcherConfig struct {
	HostAppID               string        // Foreground changes to the host are neutral
	CapabilityCheckInterval time.Duration // How often to re-check monitoring capability while idle
	HeartbeatInterval       time.Duration // How often to update heartbeat
	PartnerCheckInterval    time.Duration // How often to check guardian
	EventBuffer             int           // Bounded queue between the X callback and dispatch
	WakeBudget              time.Duration // Execution budget attached to deferred events
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		HostAppID:               "rethink",
		CapabilityCheckInterval: 5 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		PartnerCheckInterval:    60 * time.Second,
		EventBuffer:             64,
		WakeBudget:              5 * time.Second,
	}
}

// blockSet is the authoritative blocklist as last pushed by the session.
type blockSet map[string]struct{}

func newBlockSet(packages []string) *blockSet {
	s := make(blockSet, len(packages))
	for _, p := range packages {
		s[p] = struct{}{}
	}
	return &s
}

// Watcher is the always-on foreground watcher.
//
//	Idle -> Watching: the foreground source reports the monitoring capability
//	Watching -> Idle: the capability is revoked; enforcement fails open and the user is told
//
// While Watching, every foreground change is recorded for usage, checked against the
// authoritative blocklist and forwarded to the session (live) or the wake queue (deferred).
type Watcher struct {
	config    WatcherConfig
	source    domain.ForegroundSource
	recorder  domain.ForegroundRecorder
	blocklist domain.BlocklistSubscriber
	enforcer  domain.Enforcer
	link      domain.InteractiveLink
	wake      domain.WakeQueue
	registry  domain.DaemonRegistry
	notifier  domain.Notifier
	daemon    domain.Daemon
	logger    *zap.Logger
	now       func() time.Time

	// spawn restarts a partner daemon; StartDaemon outside tests.
	spawn func(role domain.DaemonRole) error

	blocked atomic.Pointer[blockSet]
	events  chan string

	stateMu sync.Mutex
	state   domain.WatcherState
}

// WatcherDeps groups the watcher's collaborators.
type WatcherDeps struct {
	Source    domain.ForegroundSource
	Recorder  domain.ForegroundRecorder
	Blocklist domain.BlocklistSubscriber
	Enforcer  domain.Enforcer
	Link      domain.InteractiveLink
	Wake      domain.WakeQueue
	Registry  domain.DaemonRegistry
	Notifier  domain.Notifier
}

// NewWatcher creates a new watcher daemon.
func NewWatcher(config WatcherConfig, deps WatcherDeps, daemon domain.Daemon, logger *zap.Logger) *Watcher {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultWatcherConfig().EventBuffer
	}
	w := &Watcher{
		config:    config,
		source:    deps.Source,
		recorder:  deps.Recorder,
		blocklist: deps.Blocklist,
		enforcer:  deps.Enforcer,
		link:      deps.Link,
		wake:      deps.Wake,
		registry:  deps.Registry,
		notifier:  deps.Notifier,
		daemon:    daemon,
		logger:    logger.Named("watcher"),
		now:       time.Now,
		spawn:     StartDaemon,
		events:    make(chan string, config.EventBuffer),
	}
	w.blocked.Store(newBlockSet(nil))
	return w
}

// State returns the current state machine position.
func (w *Watcher) State() domain.WatcherState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.state == "" {
		return domain.WatcherIdle
	}
	return w.state
}

// IsBlocked reports whether pkg is in the authoritative blocklist.
func (w *Watcher) IsBlocked(pkg string) bool {
	_, ok := (*w.blocked.Load())[pkg]
	return ok
}

// Run starts the watcher daemon loop.
// This blocks until context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.registry.Register(w.daemon); err != nil {
		w.logger.Error("failed to register watcher", zap.Error(err))
		return err
	}
	defer func() {
		if err := w.registry.Unregister(domain.RoleWatcher); err != nil {
			w.logger.Warn("failed to unregister watcher", zap.Error(err))
		}
	}()

	w.logger.Info("watcher daemon started", zap.Int("pid", w.daemon.PID))
	if err := infra.NotifyReady(); err != nil {
		w.logger.Debug("sd_notify ready failed", zap.Error(err))
	}
	defer func() { _ = infra.NotifyStopping() }()

	w.closeStaleSession(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.followBlocklist(gctx) })
	g.Go(func() error { return w.dispatchLoop(gctx) })
	g.Go(func() error { return w.housekeeping(gctx) })
	g.Go(func() error { return w.watchLoop(gctx) })

	err := g.Wait()
	w.logger.Info("watcher daemon stopping")

	// Nothing is watched from here on, so the open session ends now.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	w.recordForeground(stopCtx, "", w.now())
	cancel()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchLoop drives the Idle/Watching state machine.
func (w *Watcher) watchLoop(ctx context.Context) error {
	for {
		if !w.source.HasCapability() {
			w.setState(domain.WatcherIdle)
			if err := sleep(ctx, w.config.CapabilityCheckInterval); err != nil {
				return err
			}
			continue
		}

		w.setState(domain.WatcherWatching)
		err := w.source.Watch(ctx, w.enqueueEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("foreground monitoring stopped", zap.Error(err))
		// Goes through the event queue so changes still buffered are recorded first.
		w.enqueueEvent("")
		w.setState(domain.WatcherIdle)
		if err := sleep(ctx, w.config.CapabilityCheckInterval); err != nil {
			return err
		}
	}
}

func (w *Watcher) setState(next domain.WatcherState) {
	w.stateMu.Lock()
	prev := w.state
	w.state = next
	w.stateMu.Unlock()

	if prev == next {
		return
	}

	if next == domain.WatcherWatching {
		metrics.WatcherState.Set(1)
		w.logger.Info("foreground monitoring active")
	} else {
		metrics.WatcherState.Set(0)
		w.logger.Warn("foreground monitoring unavailable, protection disabled")
		if w.notifier != nil {
			if err := w.notifier.Notify("Rethink protection disabled",
				"Foreground monitoring is unavailable. Blocked apps will not be intercepted."); err != nil {
				w.logger.Debug("notify failed", zap.Error(err))
			}
		}
	}
	if err := w.registry.SetWatcherState(next); err != nil {
		w.logger.Warn("failed to record watcher state", zap.Error(err))
	}
}

// enqueueEvent is the foreground source callback. It never blocks the event loop:
// when the buffer is full the oldest pending change is dropped, since a newer
// foreground change supersedes it.
func (w *Watcher) enqueueEvent(pkg string) {
	for {
		select {
		case w.events <- pkg:
			return
		default:
		}
		select {
		case dropped := <-w.events:
			w.logger.Warn("event buffer full, dropping oldest change", zap.String("package", dropped))
		default:
		}
	}
}

func (w *Watcher) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkg := <-w.events:
			w.HandleForeground(ctx, pkg, w.now())
		}
	}
}

// HandleForeground processes one foreground change. An empty package only
// ends the open usage session.
func (w *Watcher) HandleForeground(ctx context.Context, pkg string, at time.Time) {
	w.recordForeground(ctx, pkg, at)

	// Being in the host app is neutral: no event, no reset.
	if pkg == "" || pkg == w.config.HostAppID {
		return
	}

	ev := domain.ForegroundEvent{PackageName: pkg, At: at}

	if w.IsBlocked(pkg) {
		ev.Forced = true
		result, err := w.enforcer.Enforce(ctx, pkg)
		if err != nil {
			w.logger.Error("enforcement failed", zap.String("package", pkg), zap.Error(err))
		} else {
			w.logger.Info("blocked app intercepted",
				zap.String("package", pkg),
				zap.Bool("cold_launch", result.ColdLaunch),
				zap.Ints("killed_pids", result.KilledPIDs),
				zap.Int("errors", len(result.Errors)))
		}
	}

	w.dispatch(ctx, ev)
}

func (w *Watcher) recordForeground(ctx context.Context, pkg string, at time.Time) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.RecordForeground(ctx, pkg, at); err != nil {
		w.logger.Warn("failed to record foreground session",
			zap.String("package", pkg),
			zap.Error(err))
	}
}

// closeStaleSession ends a usage session left open by a watcher that died
// without shutting down, at its last recording stamp.
func (w *Watcher) closeStaleSession(ctx context.Context) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.CloseStaleSession(ctx, w.config.HeartbeatInterval); err != nil {
		w.logger.Warn("failed to close stale foreground session", zap.Error(err))
	}
	w.markRecording(ctx)
}

func (w *Watcher) markRecording(ctx context.Context) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.MarkRecording(ctx, w.now()); err != nil {
		w.logger.Debug("failed to stamp recording", zap.Error(err))
	}
}

// dispatch hands ev to a live session or defers it to the wake queue.
func (w *Watcher) dispatch(ctx context.Context, ev domain.ForegroundEvent) {
	if w.link != nil && w.link.Alive() {
		ev.Source = domain.DeliveryLive
		dctx, cancel := context.WithTimeout(ctx, w.config.WakeBudget)
		err := w.link.Deliver(dctx, ev)
		cancel()
		if err == nil {
			return
		}
		w.logger.Warn("live delivery failed, deferring event",
			zap.String("package", ev.PackageName),
			zap.Error(err))
	}

	task := domain.WakeTask{
		PackageName: ev.PackageName,
		Forced:      ev.Forced,
		EnqueuedAt:  ev.At,
		Budget:      w.config.WakeBudget,
	}
	if err := w.wake.Enqueue(ctx, task); err != nil {
		w.logger.Error("failed to enqueue wake task",
			zap.String("package", ev.PackageName),
			zap.Error(err))
		return
	}
	w.logger.Debug("event deferred to wake queue", zap.String("package", ev.PackageName))
}

// followBlocklist keeps the authoritative blocklist current, resubscribing on failure.
func (w *Watcher) followBlocklist(ctx context.Context) error {
	for {
		err := w.blocklist.Subscribe(ctx, w.setBlocklist)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("blocklist subscription ended", zap.Error(err))
		if err := sleep(ctx, w.config.CapabilityCheckInterval); err != nil {
			return err
		}
	}
}

func (w *Watcher) setBlocklist(packages []string) {
	w.blocked.Store(newBlockSet(packages))
	w.logger.Info("authoritative blocklist updated", zap.Strings("packages", packages))
}

// housekeeping updates the heartbeat, pets the systemd watchdog and restarts the guardian.
func (w *Watcher) housekeeping(ctx context.Context) error {
	heartbeatTicker := time.NewTicker(w.config.HeartbeatInterval)
	partnerCheckTicker := time.NewTicker(w.config.PartnerCheckInterval)
	defer func() {
		heartbeatTicker.Stop()
		partnerCheckTicker.Stop()
	}()

	var watchdog <-chan time.Time
	if interval := infra.WatchdogInterval(); interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		watchdog = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeatTicker.C:
			if err := w.registry.UpdateHeartbeat(domain.RoleWatcher); err != nil {
				w.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
			w.markRecording(ctx)

		case <-watchdog:
			_ = infra.NotifyWatchdog()

		case <-partnerCheckTicker.C:
			w.checkAndRestartGuardian()
		}
	}
}

// checkAndRestartGuardian restarts the guardian if one was registered and has died.
func (w *Watcher) checkAndRestartGuardian() {
	entry, err := w.registry.GetAll()
	if err != nil || entry == nil || entry.GuardianPID == 0 {
		w.logger.Debug("no guardian registered yet")
		return
	}

	alive, err := w.registry.IsAlive(domain.RoleGuardian)
	if err != nil || alive {
		return
	}

	w.logger.Info("guardian not running, restarting...")
	if err := w.spawn(domain.RoleGuardian); err != nil {
		w.logger.Error("failed to restart guardian", zap.Error(err))
	} else {
		w.logger.Info("guardian restarted successfully")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
