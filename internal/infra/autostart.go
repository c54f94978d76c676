package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"text/template"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

const unitTemplate = `[Unit]
Description=rethink foreground watcher
After=graphical-session.target
PartOf=graphical-session.target

[Service]
Type=notify
ExecStart={{.ExecutablePath}} daemon --role watcher
Restart=on-failure
RestartSec=10
WatchdogSec={{.WatchdogSec}}
{{- if .DataDir}}
Environment=RETHINK_DATA_DIR={{.DataDir}}
{{- end}}

[Install]
WantedBy={{.WantedBy}}
`

type unitConfig struct {
	ExecutablePath string
	DataDir        string
	WantedBy       string
	WatchdogSec    int
}

// runCommand is swapped out in tests.
var runCommand = func(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// SystemdAutostart implements domain.AutostartManager with a systemd unit.
type SystemdAutostart struct {
	mode     ExecMode
	unitDir  string
	unitPath string
	dataDir  string
	watchdog time.Duration
}

// NewSystemdAutostart creates an autostart manager for the given mode.
func NewSystemdAutostart(config *ExecModeConfig, dataDir string) *SystemdAutostart {
	return &SystemdAutostart{
		mode:     config.Mode,
		unitDir:  config.UnitDir,
		unitPath: config.UnitPath,
		dataDir:  dataDir,
		watchdog: 60 * time.Second,
	}
}

func (m *SystemdAutostart) generateUnitContent(execPath string) ([]byte, error) {
	config := unitConfig{
		ExecutablePath: execPath,
		DataDir:        m.dataDir,
		WantedBy:       "default.target",
		WatchdogSec:    int(m.watchdog.Seconds()),
	}
	if m.mode == ExecModeSystem {
		config.WantedBy = "multi-user.target"
	}

	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the unit, reloads systemd and enables it.
func (m *SystemdAutostart) Install(execPath string) error {
	if err := os.MkdirAll(m.unitDir, 0755); err != nil {
		return err
	}
	if err := m.writeUnit(execPath); err != nil {
		return err
	}
	if err := m.systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return m.systemctl("enable", "--now", UnitName)
}

// Uninstall disables and removes the unit.
func (m *SystemdAutostart) Uninstall() error {
	_ = m.systemctl("disable", "--now", UnitName)
	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return m.systemctl("daemon-reload")
}

// IsInstalled checks if the unit file exists.
func (m *SystemdAutostart) IsInstalled() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// GetUnitPath returns the unit file path.
func (m *SystemdAutostart) GetUnitPath() string {
	return m.unitPath
}

// NeedsUpdate checks if the unit exists but has different content than expected.
func (m *SystemdAutostart) NeedsUpdate(execPath string) bool {
	if !m.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(m.unitPath)
	if err != nil {
		return true
	}
	expected, err := m.generateUnitContent(execPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// Update rewrites the unit and restarts it.
func (m *SystemdAutostart) Update(execPath string) error {
	if err := m.writeUnit(execPath); err != nil {
		return err
	}
	if err := m.systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return m.systemctl("restart", UnitName)
}

func (m *SystemdAutostart) writeUnit(execPath string) error {
	content, err := m.generateUnitContent(execPath)
	if err != nil {
		return fmt.Errorf("failed to generate unit content: %w", err)
	}
	return os.WriteFile(m.unitPath, content, 0644)
}

func (m *SystemdAutostart) systemctl(args ...string) error {
	if m.mode == ExecModeUser {
		args = append([]string{"--user"}, args...)
	}
	return runCommand("systemctl", args...)
}

// NotifyReady tells systemd the service finished starting. Outside systemd it is a no-op.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping tells systemd the service is shutting down.
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog pings the systemd watchdog.
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// WatchdogInterval returns how often to ping the watchdog, zero when it is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d == 0 {
		return 0
	}
	return d / 2
}

// Ensure SystemdAutostart implements domain.AutostartManager.
var _ domain.AutostartManager = (*SystemdAutostart)(nil)
