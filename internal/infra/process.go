// Package infra implements OS adapters: processes, registry, state store, X11, notifications.
package infra

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() *ProcessManagerImpl {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs of processes whose name or executable matches the
// package identifier. On X11 the identifier is the WM_CLASS instance, which is
// usually the binary name.
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []int
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // Process may have exited
		}
		if matchesProcess(pattern, name) {
			found = append(found, int(p.Pid))
			continue
		}
		if exe, err := p.Exe(); err == nil && matchesProcess(pattern, filepath.Base(exe)) {
			found = append(found, int(p.Pid))
		}
	}

	return found, nil
}

func matchesProcess(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	return strings.EqualFold(name, pattern) || strings.Contains(strings.ToLower(name), strings.ToLower(pattern))
}

// Kill terminates a process by PID using SIGKILL.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks existence without delivering anything. EPERM still means it exists.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
