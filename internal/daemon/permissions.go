package daemon

import (
	"context"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// Permissions is the combined permission surface shown by `rethink status`.
type Permissions struct {
	UsageAccess   bool `json:"usage_access"`
	WatcherActive bool `json:"watcher_active"`
	Overlay       bool `json:"overlay"`
}

// AllGranted reports whether enforcement can work end to end.
func (p Permissions) AllGranted() bool {
	return p.UsageAccess && p.WatcherActive && p.Overlay
}

// IsWatcherActive reports whether a watcher process is alive and in the Watching state.
func IsWatcherActive(registry domain.DaemonRegistry) bool {
	alive, err := registry.IsAlive(domain.RoleWatcher)
	if err != nil || !alive {
		return false
	}
	entry, err := registry.GetAll()
	if err != nil || entry == nil {
		return false
	}
	return entry.WatcherState == domain.WatcherWatching
}

// HasOverlayPermission reports whether the intervention screen can be shown over other windows.
// On X11 that is the same as reaching the display.
func HasOverlayPermission(source domain.ForegroundSource) bool {
	return source.HasCapability()
}

// CheckAllPermissions gathers every permission in one pass.
func CheckAllPermissions(ctx context.Context, usage domain.UsageSource, registry domain.DaemonRegistry, source domain.ForegroundSource) Permissions {
	return Permissions{
		UsageAccess:   usage.HasUsagePermission(ctx),
		WatcherActive: IsWatcherActive(registry),
		Overlay:       HasOverlayPermission(source),
	}
}
