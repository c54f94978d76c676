package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/metrics"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
)

// OverlayReason explains why the intervention screen is shown.
type OverlayReason string

const (
	ReasonSoft  OverlayReason = "soft"
	ReasonLimit OverlayReason = "limit"
	ReasonFocus OverlayReason = "focus"
)

// ErrNotIntervening is returned by overlay actions while in the Normal state.
var ErrNotIntervening = errors.New("no intervention active")

// ErrNoPolicy is returned by TurnOff for a soft intervention, which has no policy behind it.
var ErrNoPolicy = errors.New("intervention has no policy to turn off")

// Overlay describes what the presentation layer should render for the current intervention.
// A hard block (limit or focus) is never dismissible.
type Overlay struct {
	TriggerApp  string        `json:"trigger_app"`
	Dismissible bool          `json:"dismissible"`
	Reason      OverlayReason `json:"reason"`
	LimitID     string        `json:"limit_id,omitempty"`
	FocusModeID string        `json:"focus_mode_id,omitempty"`
	Message     string        `json:"message"`
}

// Coordinator is the intervention state machine.
//
//	Normal -> Intervening(app): app qualifies and we are not already Intervening(app)
//	Intervening(app) -> Intervening(app): same app again, no-op
//	Intervening(app) -> Intervening(app2): a different qualifying app
//	Intervening(app) -> Normal: a different non-qualifying app, Continue, Leave or TurnOff
//
// An app qualifies when the event is Forced, the app is hard-blocked, or the global switch
// is on and the app is monitored.
type Coordinator struct {
	store    domain.PolicyStore
	sync     *BlockSync
	clock    policy.Clock
	hostApp  string
	logger   *zap.Logger
	handleMu sync.Mutex

	mu        sync.Mutex
	state     domain.InterventionState
	listeners []func(domain.InterventionState, *Overlay)
}

// NewCoordinator creates a coordinator in the Normal state.
func NewCoordinator(store domain.PolicyStore, blockSync *BlockSync, clock policy.Clock, hostApp string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		sync:    blockSync,
		clock:   clock,
		hostApp: hostApp,
		logger:  logger.Named("coordinator"),
	}
}

// OnChange registers fn to be called after every state transition. Overlay is nil in Normal.
func (c *Coordinator) OnChange(fn func(domain.InterventionState, *Overlay)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current intervention state.
func (c *Coordinator) State() domain.InterventionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleForeground applies one foreground-change event. It reports whether the state changed.
// Duplicate deliveries of the same event are absorbed.
func (c *Coordinator) HandleForeground(ctx context.Context, ev domain.ForegroundEvent) (bool, error) {
	// Serialize whole transitions; the policy reads below must not interleave.
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	if ev.PackageName == "" || ev.PackageName == c.hostApp {
		return false, nil
	}
	metrics.ForegroundEvents.WithLabelValues(string(ev.Source)).Inc()

	current := c.State()
	if current.IsIntervening && current.TriggerApp == ev.PackageName {
		return false, nil
	}

	qualifies, kind, err := c.qualifies(ctx, ev)
	if err != nil {
		return false, err
	}

	switch {
	case qualifies:
		c.logger.Info("intervention triggered",
			zap.String("package", ev.PackageName),
			zap.String("kind", kind),
			zap.String("source", string(ev.Source)))
		metrics.Interventions.WithLabelValues(kind).Inc()
		c.transition(domain.InterventionState{IsIntervening: true, TriggerApp: ev.PackageName})
		return true, nil
	case current.IsIntervening:
		c.logger.Debug("user moved to a non-monitored app, resetting intervention",
			zap.String("package", ev.PackageName),
			zap.String("previous", current.TriggerApp))
		c.transition(domain.InterventionState{})
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) qualifies(ctx context.Context, ev domain.ForegroundEvent) (bool, string, error) {
	if ev.Forced {
		return true, "forced", nil
	}
	if limit, focus := c.sync.Last().HardBlock(ev.PackageName); limit != nil {
		return true, string(ReasonLimit), nil
	} else if focus {
		return true, string(ReasonFocus), nil
	}

	enabled, err := c.store.InterventionEnabled(ctx)
	if err != nil {
		return false, "", fmt.Errorf("read intervention switch: %w", err)
	}
	if !enabled {
		return false, "", nil
	}
	monitored, err := c.store.MonitoredApps(ctx)
	if err != nil {
		return false, "", fmt.Errorf("read monitored apps: %w", err)
	}
	return slices.Contains(monitored, ev.PackageName), string(ReasonSoft), nil
}

// Overlay returns the overlay for the current intervention, false in Normal.
func (c *Coordinator) Overlay() (*Overlay, bool) {
	state := c.State()
	if !state.IsIntervening {
		return nil, false
	}
	return c.overlayFor(state.TriggerApp), true
}

func (c *Coordinator) overlayFor(app string) *Overlay {
	eval := c.sync.Last()
	limit, focus := eval.HardBlock(app)
	switch {
	case limit != nil:
		return &Overlay{
			TriggerApp: app,
			Reason:     ReasonLimit,
			LimitID:    limit.LimitID,
			Message:    fmt.Sprintf("Daily limit reached for %s. %s", app, policy.FormatRemaining(limit.RemainingMs)),
		}
	case focus:
		o := &Overlay{TriggerApp: app, Reason: ReasonFocus, Message: eval.Focus.Reason}
		if eval.Focus.ActiveMode != nil {
			o.FocusModeID = eval.Focus.ActiveMode.ID
		}
		return o
	}
	return &Overlay{
		TriggerApp:  app,
		Dismissible: true,
		Reason:      ReasonSoft,
		Message:     fmt.Sprintf("You are about to open %s. Do you really need to use it right now?", app),
	}
}

// Continue dismisses a soft intervention ("I really need this").
func (c *Coordinator) Continue() error {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	o, ok := c.Overlay()
	if !ok {
		return ErrNotIntervening
	}
	if !o.Dismissible {
		return domain.ErrNotDismissible
	}
	c.transition(domain.InterventionState{})
	return nil
}

// Leave closes the intervention without touching any policy.
func (c *Coordinator) Leave() {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	if c.State().IsIntervening {
		c.transition(domain.InterventionState{})
	}
}

// TurnOff disables the policy behind a hard block: a limit is paused until end of day,
// a focus mode is disabled. The blocklist is re-pushed before returning to Normal.
func (c *Coordinator) TurnOff(ctx context.Context) error {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	o, ok := c.Overlay()
	if !ok {
		return ErrNotIntervening
	}

	now := c.clock.Now()
	switch o.Reason {
	case ReasonLimit:
		l, err := c.store.GetLimit(ctx, o.LimitID)
		if err != nil {
			return fmt.Errorf("load limit %s: %w", o.LimitID, err)
		}
		if err := c.store.UpdateLimit(ctx, policy.PauseUntilEndOfDay(*l, now)); err != nil {
			return fmt.Errorf("pause limit %s: %w", o.LimitID, err)
		}
		c.logger.Info("limit paused until end of day", zap.String("limit", o.LimitID))
	case ReasonFocus:
		m, err := c.store.GetFocusMode(ctx, o.FocusModeID)
		if err != nil {
			return fmt.Errorf("load focus mode %s: %w", o.FocusModeID, err)
		}
		m.Enabled = false
		m.UpdatedAt = now
		if err := c.store.UpdateFocusMode(ctx, *m); err != nil {
			return fmt.Errorf("disable focus mode %s: %w", o.FocusModeID, err)
		}
		c.logger.Info("focus mode disabled", zap.String("focus_mode", o.FocusModeID))
	default:
		return ErrNoPolicy
	}

	if _, err := c.sync.Sync(ctx); err != nil {
		c.logger.Warn("blocklist sync after turn-off failed", zap.Error(err))
	}
	c.transition(domain.InterventionState{})
	return nil
}

func (c *Coordinator) transition(next domain.InterventionState) {
	c.mu.Lock()
	c.state = next
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	var overlay *Overlay
	if next.IsIntervening {
		overlay = c.overlayFor(next.TriggerApp)
	}
	for _, fn := range listeners {
		fn(next, overlay)
	}
}
