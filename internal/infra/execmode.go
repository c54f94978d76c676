package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs under the user's systemd instance (no sudo required)
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as a system unit (sudo required)
	ExecModeSystem ExecMode = "system"
)

// UnitName is the systemd unit that launches the daemons at login or boot.
const UnitName = "rethink.service"

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	BinaryPath string // Where the binary should be installed
	UnitDir    string // Where the unit file goes
	UnitPath   string // Full path to unit file
	IsRoot     bool   // Whether running as root
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:       ExecModeSystem,
			BinaryPath: "/usr/local/bin/rethink",
			UnitDir:    "/etc/systemd/system",
			UnitPath:   filepath.Join("/etc/systemd/system", UnitName),
			IsRoot:     true,
		}
	}
	return GetUserModeConfig()
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (systemd system unit, root)"
	case ExecModeUser:
		return "user (systemd user unit, non-root)"
	default:
		return "unknown"
	}
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Under sudo, SUDO_USER decides whose home directory is used.
func GetUserModeConfig() *ExecModeConfig {
	home := GetRealUserHome()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	return &ExecModeConfig{
		Mode:       ExecModeUser,
		BinaryPath: filepath.Join(home, ".local", "bin", "rethink"),
		UnitDir:    unitDir,
		UnitPath:   filepath.Join(unitDir, UnitName),
		IsRoot:     os.Geteuid() == 0,
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
