// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// DaemonRole identifies the type of process registered in the daemon registry.
type DaemonRole string

const (
	RoleWatcher  DaemonRole = "watcher"
	RoleGuardian DaemonRole = "guardian"
	// RoleSession is the interactive layer. Its liveness decides whether the
	// watcher delivers events directly or defers them to the wake queue.
	RoleSession DaemonRole = "session"
)

// Daemon represents a running rethink process.
type Daemon struct {
	PID        int
	Role       DaemonRole
	Name       string
	StartedAt  time.Time
	AppVersion string // Version of the app binary
}

// WatcherState is the ForegroundWatcher state machine position.
type WatcherState string

const (
	WatcherIdle     WatcherState = "idle"
	WatcherWatching WatcherState = "watching"
)

// RegistryEntry is the shared view of all registered processes.
type RegistryEntry struct {
	Version       int          `json:"version"`
	WatcherPID    int          `json:"watcher_pid"`
	GuardianPID   int          `json:"guardian_pid"`
	SessionPID    int          `json:"session_pid"`
	WatcherState  WatcherState `json:"watcher_state,omitempty"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	Mode          string       `json:"mode,omitempty"` // "user" or "system"
	AppVersion    string       `json:"app_version,omitempty"`
}

// PIDFor returns the registered PID for a role, 0 if none.
func (e *RegistryEntry) PIDFor(role DaemonRole) int {
	switch role {
	case RoleWatcher:
		return e.WatcherPID
	case RoleGuardian:
		return e.GuardianPID
	case RoleSession:
		return e.SessionPID
	}
	return 0
}

// RawUsage is one package entry as returned by the external usage source.
type RawUsage struct {
	TotalForegroundMs int64
	LaunchCount       int64
	LastTimeUsed      time.Time
	IsSystem          bool
	AppName           string
}

// UsageRecord is the filtered, per-app usage for a query window.
// Records are replaced wholesale on every aggregation, never mutated.
type UsageRecord struct {
	PackageName       string `json:"package_name"`
	AppName           string `json:"app_name"`
	TotalForegroundMs int64  `json:"total_foreground_ms"`
	LaunchCount       int64  `json:"launch_count"`
	IsSystemApp       bool   `json:"is_system_app"`
}

// Limit is a daily time budget for one package.
type Limit struct {
	ID                 string     `json:"id" yaml:"id"`
	PackageName        string     `json:"package_name" yaml:"package_name"`
	AppName            string     `json:"app_name,omitempty" yaml:"app_name,omitempty"`
	DailyBudgetMs      int64      `json:"daily_budget_ms" yaml:"daily_budget_ms"`
	WarningThresholdMs int64      `json:"warning_threshold_ms" yaml:"warning_threshold_ms"`
	Enabled            bool       `json:"enabled" yaml:"enabled"`
	PausedUntil        *time.Time `json:"paused_until,omitempty" yaml:"paused_until,omitempty"`
	CreatedAt          time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" yaml:"updated_at"`
}

// LimitStatus is derived on every evaluation tick and never persisted.
//
// Invariants: IsPaused implies !IsWarning && !IsBlocked;
// IsBlocked implies UsedMs >= BudgetMs && !IsPaused.
type LimitStatus struct {
	LimitID     string  `json:"limit_id"`
	PackageName string  `json:"package_name"`
	UsedMs      int64   `json:"used_ms"`
	BudgetMs    int64   `json:"budget_ms"`
	RemainingMs int64   `json:"remaining_ms"`
	PercentUsed float64 `json:"percent_used"`
	IsWarning   bool    `json:"is_warning"`
	IsBlocked   bool    `json:"is_blocked"`
	IsPaused    bool    `json:"is_paused"`
}

// FocusSchedule is a wall-clock window on a set of weekdays (0 = Sunday).
// EndTime before StartTime means the window spans midnight.
type FocusSchedule struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	StartTime  string `json:"start_time" yaml:"start_time"` // "HH:MM"
	EndTime    string `json:"end_time" yaml:"end_time"`     // "HH:MM"
	DaysOfWeek []int  `json:"days_of_week" yaml:"days_of_week"`
}

// FocusMode groups schedules with the apps blocked while one of them is active.
type FocusMode struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled         bool            `json:"enabled" yaml:"enabled"`
	Schedules       []FocusSchedule `json:"schedules" yaml:"schedules"`
	BlockedApps     []string        `json:"blocked_apps" yaml:"blocked_apps"`
	WhitelistedApps []string        `json:"whitelisted_apps" yaml:"whitelisted_apps"`
	CreatedAt       time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" yaml:"updated_at"`
}

// FocusStatus is the derived focus decision for a point in time.
type FocusStatus struct {
	IsActive    bool       `json:"is_active"`
	ActiveMode  *FocusMode `json:"active_mode,omitempty"`
	BlockedApps []string   `json:"blocked_apps"`
	Reason      string     `json:"reason,omitempty"`
}

// InterventionState is owned by the coordinator; TriggerApp is empty when not intervening.
type InterventionState struct {
	IsIntervening bool   `json:"is_intervening"`
	TriggerApp    string `json:"trigger_app,omitempty"`
}

// DeliverySource tells how a foreground event reached the interactive layer.
type DeliverySource string

const (
	DeliveryLive DeliverySource = "live"
	DeliveryWake DeliverySource = "wake"
	DeliveryCold DeliverySource = "cold"
)

// ForegroundEvent is raised by the watcher for every non-host foreground change.
type ForegroundEvent struct {
	PackageName string         `json:"package_name"`
	At          time.Time      `json:"at"`
	Forced      bool           `json:"forced,omitempty"` // watcher already redirected to the host (hard block)
	Source      DeliverySource `json:"source,omitempty"`
}

// WakeTask is a deferred foreground event waiting for the interactive layer to start.
type WakeTask struct {
	ID          int64
	PackageName string
	Forced      bool
	EnqueuedAt  time.Time
	Budget      time.Duration
}

// ColdTrigger is the trigger metadata attached when the host is launched by the watcher.
type ColdTrigger struct {
	PackageName string
	TriggeredAt time.Time
}

// EnforcementResult captures what happened when the watcher acted on a blocked package.
type EnforcementResult struct {
	PackageName string
	Redirected  bool
	ColdLaunch  bool
	KilledPIDs  []int
	Errors      []error
	ExecutedAt  time.Time
	DurationMs  int64
}
