package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectExecMode_ReturnsCorrectPaths(t *testing.T) {
	config := DetectExecMode()

	if os.Geteuid() == 0 {
		assert.Equal(t, ExecModeSystem, config.Mode)
		assert.Equal(t, "/usr/local/bin/rethink", config.BinaryPath)
		assert.Equal(t, "/etc/systemd/system", config.UnitDir)
		return
	}

	home, _ := os.UserHomeDir()
	assert.Equal(t, ExecModeUser, config.Mode)
	assert.Equal(t, filepath.Join(home, ".local", "bin", "rethink"), config.BinaryPath)
	assert.Equal(t, filepath.Join(home, ".config", "systemd", "user"), config.UnitDir)
}

func TestExecModeConfig_PathsAreConsistent(t *testing.T) {
	config := DetectExecMode()

	assert.Equal(t, config.UnitDir, filepath.Dir(config.UnitPath))
	assert.Equal(t, UnitName, filepath.Base(config.UnitPath))
	assert.Equal(t, "rethink", filepath.Base(config.BinaryPath))
}

func TestExecMode_String(t *testing.T) {
	tests := []struct {
		mode     ExecMode
		expected string
	}{
		{ExecModeUser, "user (systemd user unit, non-root)"},
		{ExecModeSystem, "system (systemd system unit, root)"},
		{ExecMode("invalid"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.mode.String())
		})
	}
}

func TestGetRealUserHome_UnknownSudoUserFallsBack(t *testing.T) {
	t.Setenv("SUDO_USER", "no-such-user-for-rethink-tests")
	home, _ := os.UserHomeDir()
	assert.Equal(t, home, GetRealUserHome())
}
