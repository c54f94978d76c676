package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/rethink/internal/daemon"
	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Install autostart and start the watcher, guardian and session",
	Long: `Copies the binary to its install location, installs the systemd unit that
starts rethink at login, then starts the watcher and guardian daemons and the
interactive session. Safe to run again.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var startNoSession bool

func init() {
	startCmd.Flags().BoolVar(&startNoSession, "no-session", false, "Start only the daemons; the session starts on the first block")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	execMode := infra.DetectExecMode()
	fmt.Printf("Execution mode: %s\n", execMode.Mode)

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.DataDir, pm)

	watcherAlive, _ := registry.IsAlive(domain.RoleWatcher)
	guardianAlive, _ := registry.IsAlive(domain.RoleGuardian)
	sessionAlive, _ := registry.IsAlive(domain.RoleSession)
	if watcherAlive && guardianAlive && (sessionAlive || startNoSession) {
		fmt.Println("rethink is already running")
		return nil
	}

	currentExecPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	binaryPath := execMode.BinaryPath
	if currentExecPath != binaryPath {
		if err := os.MkdirAll(filepath.Dir(binaryPath), 0755); err != nil {
			fmt.Printf("Warning: Could not create binary directory: %v\n", err)
			binaryPath = currentExecPath
		} else if err := copyBinary(currentExecPath, binaryPath); err != nil {
			fmt.Printf("Warning: Could not copy binary to %s: %v\n", binaryPath, err)
			binaryPath = currentExecPath
		} else {
			fmt.Printf("Installed binary to %s\n", binaryPath)
		}
	}

	autostart := infra.NewSystemdAutostart(execMode, cfg.DataDir)
	if !autostart.IsInstalled() {
		if err := autostart.Install(binaryPath); err != nil {
			fmt.Printf("Warning: Could not install systemd unit: %v\n", err)
			fmt.Println("         (rethink will still run, but won't auto-start)")
		} else {
			fmt.Printf("Installed %s for auto-start\n", autostart.GetUnitPath())
		}
	}

	if !watcherAlive || !guardianAlive {
		if err := daemon.StartBothDaemons(); err != nil {
			return fmt.Errorf("failed to start daemons: %w", err)
		}
	}
	if !sessionAlive && !startNoSession {
		if err := daemon.StartSession(); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	// Wait a moment for daemons to register
	time.Sleep(500 * time.Millisecond)

	color.New(color.Bold).Println("\n=== rethink Started ===")
	fmt.Printf("Mode:   %s\n", execMode.Mode)
	fmt.Printf("Binary: %s\n", binaryPath)
	fmt.Printf("Logs:   %s\n", cfg.LogPath())
	fmt.Println("\nDaemons are running in the background.")
	fmt.Println("They will restart automatically if killed.")
	fmt.Println("Run 'rethink status' to check protection.")
	fmt.Println("=======================")
	return nil
}

// copyBinary copies the binary file to destination using atomic write pattern.
// Writes to temp file first, syncs, chmods, then renames to avoid corruption.
func copyBinary(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".rethink-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err = os.Chmod(tmpPath, 0755); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}
