package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
	"github.com/eliteGoblin/focusd/rethink/internal/ipc"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
	"github.com/eliteGoblin/focusd/rethink/internal/usecase"
)

// SessionConfig holds the interactive layer's timers.
type SessionConfig struct {
	FocusTickInterval    time.Duration // Focus schedules are re-checked on this interval
	UsageRefreshInterval time.Duration // Usage is re-queried on this interval
	UsageRange           usage.Range   // Range summarized by each refresh
	WakeMaxAge           time.Duration // Deferred tasks and cold triggers older than this are dropped
}

// DefaultSessionConfig returns default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		FocusTickInterval:    60 * time.Second,
		UsageRefreshInterval: 60 * time.Second,
		UsageRange:           usage.RangeDaily,
		WakeMaxAge:           2 * time.Minute,
	}
}

// SessionDeps groups the session's collaborators.
type SessionDeps struct {
	Coordinator *usecase.Coordinator
	BlockSync   *usecase.BlockSync
	Refresher   *usage.Refresher
	Triggers    domain.ColdTriggerStore
	Wake        domain.WakeQueue
	Registry    domain.DaemonRegistry
	Notifier    domain.Notifier
}

// Session is the interactive layer: it owns the coordinator, re-evaluates policies
// on its own timers and receives foreground events from the watcher.
//
// Startup order matters: usage and the blocklist are brought up to date first, then
// the cold trigger is consumed, then deferred wake tasks are replayed. Only after that
// does the session register, which is what makes the watcher deliver live.
type Session struct {
	config      SessionConfig
	coordinator *usecase.Coordinator
	blockSync   *usecase.BlockSync
	refresher   *usage.Refresher
	triggers    domain.ColdTriggerStore
	wake        domain.WakeQueue
	registry    domain.DaemonRegistry
	notifier    domain.Notifier
	daemon      domain.Daemon
	logger      *zap.Logger
	now         func() time.Time

	server *ipc.Server
	link   *ChannelLink

	warnMu sync.Mutex
	warned map[string]string // limit ID -> day already warned
}

// NewSession creates a session.
func NewSession(config SessionConfig, deps SessionDeps, daemon domain.Daemon, logger *zap.Logger) *Session {
	s := &Session{
		config:      config,
		coordinator: deps.Coordinator,
		blockSync:   deps.BlockSync,
		refresher:   deps.Refresher,
		triggers:    deps.Triggers,
		wake:        deps.Wake,
		registry:    deps.Registry,
		notifier:    deps.Notifier,
		daemon:      daemon,
		logger:      logger.Named("session"),
		now:         time.Now,
		warned:      make(map[string]string),
	}
	s.coordinator.OnChange(s.announce)
	return s
}

// WithSocket serves the session on a unix socket guarded by token.
func (s *Session) WithSocket(path, token string) *Session {
	s.server = ipc.NewServer(path, token, s, s.logger)
	return s
}

// WithLink consumes events from an in-process watcher.
func (s *Session) WithLink(link *ChannelLink) *Session {
	s.link = link
	return s
}

// Run starts the session and blocks until ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Listen(); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	s.refreshUsage(ctx)
	s.sync(ctx)
	s.consumeColdTrigger(ctx)
	s.drainWakeQueue(ctx)

	if s.registry != nil {
		if err := s.registry.Register(s.daemon); err != nil {
			return fmt.Errorf("register session: %w", err)
		}
		defer func() {
			if err := s.registry.Unregister(domain.RoleSession); err != nil {
				s.logger.Warn("failed to unregister session", zap.Error(err))
			}
		}()
	}
	if s.link != nil {
		s.link.SetAlive(true)
		defer s.link.SetAlive(false)
	}
	// Events deferred, or a cold launch requested, between the first pass and registration.
	s.consumeColdTrigger(ctx)
	s.drainWakeQueue(ctx)

	s.logger.Info("session started", zap.Int("pid", s.daemon.PID))
	if err := infra.NotifyReady(); err != nil {
		s.logger.Debug("sd_notify ready failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.server != nil {
		g.Go(func() error { return s.server.Serve(ctx) })
	}
	if s.link != nil {
		g.Go(func() error { return s.consumeLink(ctx) })
	}
	g.Go(func() error { return s.focusLoop(ctx) })
	g.Go(func() error { return s.usageLoop(ctx) })

	err := g.Wait()
	s.logger.Info("session stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumeColdTrigger replays the trigger left by a cold launch, exactly once.
func (s *Session) consumeColdTrigger(ctx context.Context) {
	trigger, err := s.triggers.ConsumeColdTriggerIfAny(ctx)
	if err != nil {
		s.logger.Error("failed to consume cold trigger", zap.Error(err))
		return
	}
	if trigger == nil {
		return
	}
	if s.isStale(trigger.TriggeredAt) {
		s.logger.Info("dropping stale cold trigger",
			zap.String("package", trigger.PackageName),
			zap.Time("triggered_at", trigger.TriggeredAt))
		return
	}
	s.logger.Info("started by cold trigger", zap.String("package", trigger.PackageName))
	ev := domain.ForegroundEvent{
		PackageName: trigger.PackageName,
		At:          trigger.TriggeredAt,
		Forced:      true,
		Source:      domain.DeliveryCold,
	}
	if _, err := s.coordinator.HandleForeground(ctx, ev); err != nil {
		s.logger.Error("failed to handle cold trigger", zap.Error(err))
	}
}

// drainWakeQueue replays events deferred while no session was running.
// Each replay runs under the budget the watcher attached to it.
func (s *Session) drainWakeQueue(ctx context.Context) {
	tasks, err := s.wake.Drain(ctx)
	if err != nil {
		s.logger.Error("failed to drain wake queue", zap.Error(err))
		return
	}
	stale := 0
	for _, task := range tasks {
		if s.isStale(task.EnqueuedAt) {
			stale++
			continue
		}
		budget := task.Budget
		if budget <= 0 {
			budget = DefaultWatcherConfig().WakeBudget
		}
		tctx, cancel := context.WithTimeout(ctx, budget)
		_, err := s.coordinator.HandleForeground(tctx, domain.ForegroundEvent{
			PackageName: task.PackageName,
			At:          task.EnqueuedAt,
			Forced:      task.Forced,
			Source:      domain.DeliveryWake,
		})
		cancel()
		if err != nil {
			s.logger.Warn("wake task failed",
				zap.String("package", task.PackageName),
				zap.Error(err))
		}
	}
	if len(tasks) > 0 {
		s.logger.Info("wake queue drained", zap.Int("tasks", len(tasks)), zap.Int("stale", stale))
	}
}

// isStale reports whether a deferred event is too old to act on. A zero time is kept.
func (s *Session) isStale(at time.Time) bool {
	if at.IsZero() || s.config.WakeMaxAge <= 0 {
		return false
	}
	return s.now().Sub(at) > s.config.WakeMaxAge
}

func (s *Session) consumeLink(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.link.Events():
			if _, err := s.HandleForeground(ctx, ev); err != nil {
				s.logger.Warn("failed to handle foreground event",
					zap.String("package", ev.PackageName),
					zap.Error(err))
			}
		}
	}
}

func (s *Session) focusLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.FocusTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

func (s *Session) usageLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.UsageRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.refreshUsage(ctx)
			s.sync(ctx)
		}
	}
}

// refreshUsage never fails the session: a transient failure keeps the prior snapshot.
func (s *Session) refreshUsage(ctx context.Context) {
	_, err := s.refresher.Refresh(ctx, s.config.UsageRange)
	switch {
	case err == nil, errors.Is(err, usage.ErrSuperseded):
	case errors.Is(err, domain.ErrPermissionDenied):
		s.logger.Warn("usage access not granted, limits evaluate against zero usage")
	default:
		s.logger.Warn("usage refresh failed, keeping previous snapshot", zap.Error(err))
	}
}

func (s *Session) sync(ctx context.Context) {
	eval, err := s.blockSync.Sync(ctx)
	if err != nil {
		s.logger.Error("blocklist sync failed", zap.Error(err))
	}
	if eval != nil {
		s.warnLimits(eval)
	}
}

// warnLimits notifies once per limit per day when a limit enters its warning window.
func (s *Session) warnLimits(eval *usecase.Evaluation) {
	if s.notifier == nil {
		return
	}
	day := eval.EvaluatedAt.Format(time.DateOnly)

	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	for pkg, status := range eval.LimitStatuses {
		if !status.IsWarning || s.warned[status.LimitID] == day {
			continue
		}
		s.warned[status.LimitID] = day
		msg := fmt.Sprintf("%s: %s", usage.FriendlyName(pkg, ""), policy.FormatRemaining(status.RemainingMs))
		if err := s.notifier.Notify("Rethink limit", msg); err != nil {
			s.logger.Debug("notify failed", zap.Error(err))
		}
	}
}

// announce surfaces intervention changes on the desktop.
func (s *Session) announce(state domain.InterventionState, overlay *usecase.Overlay) {
	if s.notifier == nil || !state.IsIntervening || overlay == nil {
		return
	}
	if err := s.notifier.Notify("Rethink", overlay.Message); err != nil {
		s.logger.Debug("notify failed", zap.Error(err))
	}
}

// HandleForeground applies a live event delivered over the socket or the in-process link.
func (s *Session) HandleForeground(ctx context.Context, ev domain.ForegroundEvent) (bool, error) {
	if ev.Source == "" {
		ev.Source = domain.DeliveryLive
	}
	return s.coordinator.HandleForeground(ctx, ev)
}

// Status reports the coordinator state and the last evaluation.
func (s *Session) Status(ctx context.Context) ipc.StatusData {
	status := ipc.StatusData{
		State:    s.coordinator.State(),
		BlockSet: []string{},
	}
	if overlay, ok := s.coordinator.Overlay(); ok {
		status.Overlay = overlay
	}
	if eval := s.blockSync.Last(); eval != nil {
		status.BlockSet = eval.BlockSet
		if eval.Focus.IsActive {
			status.FocusMode = eval.Focus.Reason
		}
	}
	if s.refresher.Current().PermissionDenied {
		status.UsageError = domain.ErrPermissionDenied.Error()
	}
	return status
}

// OverlayAction applies the user's choice on the intervention screen.
func (s *Session) OverlayAction(ctx context.Context, action string) error {
	switch action {
	case ipc.ActionContinue:
		return s.coordinator.Continue()
	case ipc.ActionLeave:
		s.coordinator.Leave()
		return nil
	case ipc.ActionTurnOff:
		return s.coordinator.TurnOff(ctx)
	default:
		return fmt.Errorf("unknown overlay action %q", action)
	}
}

// Sync re-evaluates policies after an edit made outside the session.
func (s *Session) Sync(ctx context.Context) error {
	eval, err := s.blockSync.Sync(ctx)
	if err != nil {
		return err
	}
	s.warnLimits(eval)
	return nil
}

var _ ipc.Handler = (*Session)(nil)
