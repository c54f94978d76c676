package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

const registryFileName = "registry.json"

// FileRegistry implements domain.DaemonRegistry using a JSON file in the data dir.
// All read-modify-write cycles run under an flock so the watcher, guardian and
// session can update their own slots concurrently.
type FileRegistry struct {
	path           string
	processManager domain.ProcessManager
}

// NewFileRegistry creates a registry file inside dataDir.
func NewFileRegistry(dataDir string, pm domain.ProcessManager) *FileRegistry {
	return NewFileRegistryWithPath(filepath.Join(dataDir, registryFileName), pm)
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string, pm domain.ProcessManager) *FileRegistry {
	return &FileRegistry{
		path:           path,
		processManager: pm,
	}
}

// GetRegistryPath returns the registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Register saves the process PID under its role.
func (r *FileRegistry) Register(daemon domain.Daemon) error {
	return r.update(func(entry *domain.RegistryEntry) error {
		switch daemon.Role {
		case domain.RoleWatcher:
			entry.WatcherPID = daemon.PID
		case domain.RoleGuardian:
			entry.GuardianPID = daemon.PID
		case domain.RoleSession:
			entry.SessionPID = daemon.PID
		default:
			return fmt.Errorf("unknown role %q", daemon.Role)
		}
		entry.LastHeartbeat = time.Now().Unix()

		if daemon.AppVersion != "" {
			entry.AppVersion = daemon.AppVersion
		}

		if os.Geteuid() == 0 {
			entry.Mode = "system"
		} else {
			entry.Mode = "user"
		}
		return nil
	})
}

// Unregister clears the slot for role. The watcher also drops its state.
func (r *FileRegistry) Unregister(role domain.DaemonRole) error {
	return r.update(func(entry *domain.RegistryEntry) error {
		switch role {
		case domain.RoleWatcher:
			entry.WatcherPID = 0
			entry.WatcherState = ""
		case domain.RoleGuardian:
			entry.GuardianPID = 0
		case domain.RoleSession:
			entry.SessionPID = 0
		}
		return nil
	})
}

// UpdateHeartbeat updates timestamp for liveness check.
func (r *FileRegistry) UpdateHeartbeat(role domain.DaemonRole) error {
	return r.update(func(entry *domain.RegistryEntry) error {
		if entry.PIDFor(role) == 0 {
			return fmt.Errorf("%s not registered", role)
		}
		entry.LastHeartbeat = time.Now().Unix()
		return nil
	})
}

// SetWatcherState records where the watcher state machine is.
func (r *FileRegistry) SetWatcherState(state domain.WatcherState) error {
	return r.update(func(entry *domain.RegistryEntry) error {
		entry.WatcherState = state
		return nil
	})
}

// IsAlive checks if the process registered under role is running.
// An unregistered role is simply not alive.
func (r *FileRegistry) IsAlive(role domain.DaemonRole) (bool, error) {
	entry, err := r.GetAll()
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	pid := entry.PIDFor(role)
	if pid == 0 {
		return false, nil
	}
	return r.processManager.IsRunning(pid), nil
}

// GetAll returns full registry state, nil if nothing was ever registered.
func (r *FileRegistry) GetAll() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

// Clear removes registry file.
func (r *FileRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *FileRegistry) update(fn func(entry *domain.RegistryEntry) error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	entry, err := r.GetAll()
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &domain.RegistryEntry{Version: 1}
	}
	if err := fn(entry); err != nil {
		return err
	}
	return atomicWriteJSON(r.path, entry)
}

// atomicWriteJSON writes v to path atomically (write + rename).
func atomicWriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// Unique per process so concurrent writers never share a temp file.
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.DaemonRegistry.
var _ domain.DaemonRegistry = (*FileRegistry)(nil)
