package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// DaemonRegistry provides process discovery and liveness.
// The watcher uses it to tell whether the interactive layer is alive.
type DaemonRegistry interface {
	// Register saves the process PID under its role.
	Register(daemon Daemon) error

	// Unregister removes a role (clean shutdown).
	Unregister(role DaemonRole) error

	// UpdateHeartbeat updates timestamp for liveness check.
	UpdateHeartbeat(role DaemonRole) error

	// IsAlive checks whether the process registered under role is running.
	IsAlive(role DaemonRole) (bool, error)

	// SetWatcherState records the watcher state machine position for other processes.
	SetWatcherState(state WatcherState) error

	// GetAll returns full registry state (for status command).
	GetAll() (*RegistryEntry, error)

	// Clear removes all registrations.
	Clear() error

	// GetRegistryPath returns the backing file path (for tests).
	GetRegistryPath() string
}

// UsageSource is the external usage-statistics API.
type UsageSource interface {
	// QueryUsage returns aggregated foreground time per package for [start, end).
	QueryUsage(ctx context.Context, start, end time.Time) (map[string]RawUsage, error)

	// HasUsagePermission reports whether usage statistics can be read.
	HasUsagePermission(ctx context.Context) bool

	// OpenUsagePermissionSettings points the user at the place the permission is granted.
	OpenUsagePermissionSettings() error
}

// ForegroundRecorder persists foreground transitions so the usage source can aggregate them.
type ForegroundRecorder interface {
	RecordForeground(ctx context.Context, packageName string, at time.Time) error

	// MarkRecording stamps the last moment the recorder was known to be watching.
	MarkRecording(ctx context.Context, at time.Time) error

	// CloseStaleSession ends a session a previous run left open, at the last
	// recording stamp plus grace and never later than now.
	CloseStaleSession(ctx context.Context, grace time.Duration) error
}

// ForegroundSource emits OS-level foreground-change notifications.
type ForegroundSource interface {
	// HasCapability reports whether monitoring is currently possible.
	HasCapability() bool

	// Watch blocks, calling emit for every foreground change, until ctx is done
	// or the capability is lost (ErrCapabilityRevoked).
	Watch(ctx context.Context, emit func(packageName string)) error
}

// PolicyStore holds limits, focus modes, the monitored list and the global intervention switch.
type PolicyStore interface {
	ListLimits(ctx context.Context) ([]Limit, error)
	GetLimit(ctx context.Context, id string) (*Limit, error)
	GetLimitByPackage(ctx context.Context, packageName string) (*Limit, error)
	// AddLimit assigns ID and timestamps. Returns ErrDuplicateLimit if the package already has one.
	AddLimit(ctx context.Context, limit Limit) (*Limit, error)
	UpdateLimit(ctx context.Context, limit Limit) error
	DeleteLimit(ctx context.Context, id string) error

	ListFocusModes(ctx context.Context) ([]FocusMode, error)
	GetFocusMode(ctx context.Context, id string) (*FocusMode, error)
	AddFocusMode(ctx context.Context, mode FocusMode) (*FocusMode, error)
	UpdateFocusMode(ctx context.Context, mode FocusMode) error
	DeleteFocusMode(ctx context.Context, id string) error

	MonitoredApps(ctx context.Context) ([]string, error)
	SetMonitoredApps(ctx context.Context, apps []string) error
	InterventionEnabled(ctx context.Context) (bool, error)
	SetInterventionEnabled(ctx context.Context, enabled bool) error

	Close() error
}

// BlocklistPublisher transmits the full authoritative blocklist, replacing the previous one.
type BlocklistPublisher interface {
	Publish(ctx context.Context, packages []string) error
}

// BlocklistSubscriber feeds the watcher with the last published blocklist.
type BlocklistSubscriber interface {
	// Load returns the current blocklist (empty if nothing was ever published).
	Load(ctx context.Context) ([]string, error)

	// Subscribe calls onChange with every new blocklist until ctx is done.
	Subscribe(ctx context.Context, onChange func(packages []string)) error
}

// InteractiveLink carries foreground events from the watcher to a live interactive layer.
type InteractiveLink interface {
	// Alive reports whether the interactive layer can currently receive events.
	Alive() bool

	// Deliver hands over one event. An error means the caller should defer it.
	Deliver(ctx context.Context, event ForegroundEvent) error
}

// WakeQueue holds one-shot deferred events for the next interactive-layer start.
type WakeQueue interface {
	Enqueue(ctx context.Context, task WakeTask) error
	// Drain removes and returns all queued tasks in enqueue order.
	Drain(ctx context.Context) ([]WakeTask, error)
}

// ColdTriggerStore persists trigger metadata across the launch of the host app.
type ColdTriggerStore interface {
	SaveColdTrigger(ctx context.Context, trigger ColdTrigger) error
	// ConsumeColdTriggerIfAny returns the pending trigger exactly once.
	ConsumeColdTriggerIfAny(ctx context.Context) (*ColdTrigger, error)
}

// Launcher brings the host app's intervention screen to the foreground.
type Launcher interface {
	ForceForeground(ctx context.Context, triggerApp string) error
}

// Notifier surfaces out-of-band messages ("protection disabled", limit warnings).
type Notifier interface {
	Notify(title, message string) error
}

// Enforcer acts on a package the watcher found in the authoritative blocklist.
type Enforcer interface {
	Enforce(ctx context.Context, packageName string) (*EnforcementResult, error)
}

// AutostartManager installs the unit that launches the daemons at login.
type AutostartManager interface {
	Install(execPath string) error
	Uninstall() error
	IsInstalled() bool
	GetUnitPath() string
	NeedsUpdate(execPath string) bool
	Update(execPath string) error
}

// SecretStore provides encrypted persistent storage for secrets.
type SecretStore interface {
	GetSecret(key string) (string, error)
	SetSecret(key, value string) error
	GetAllSecrets() (map[string]string, error)
	Close() error
}
