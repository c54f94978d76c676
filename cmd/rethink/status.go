package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/rethink/internal/daemon"
	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
	"github.com/eliteGoblin/focusd/rethink/internal/ipc"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
	"github.com/eliteGoblin/focusd/rethink/internal/usecase"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show protection status, permissions and today's limits",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var overlayCmd = &cobra.Command{
	Use:   "overlay <continue|leave|turn-off>",
	Short: "Answer the current intervention screen",
	Long: `continue  dismiss a soft intervention and keep using the app
leave     close the intervention and go back
turn-off  pause the limit for today or disable the active focus mode`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"continue", "leave", "turn-off"},
	RunE:      runOverlay,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(overlayCmd)
}

var (
	okMark   = color.GreenString("ok")
	failMark = color.RedString("missing")
)

func mark(b bool) string {
	if b {
		return okMark
	}
	return failMark
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bold := color.New(color.Bold)
	bold.Println("\n=== rethink Status ===")

	entry, _ := comps.registry.GetAll()
	watcherAlive, _ := comps.registry.IsAlive(domain.RoleWatcher)
	guardianAlive, _ := comps.registry.IsAlive(domain.RoleGuardian)
	sessionAlive, _ := comps.registry.IsAlive(domain.RoleSession)

	watching := daemon.IsWatcherActive(comps.registry)
	switch {
	case watching && guardianAlive:
		fmt.Println("Status: " + color.GreenString("PROTECTED"))
	case watching:
		fmt.Println("Status: " + color.YellowString("DEGRADED") + " (guardian is down, the watcher will restart it)")
	default:
		color.New(color.FgRed, color.Bold).Println("Status: PROTECTION DISABLED")
		if !watcherAlive {
			fmt.Println("        Watcher is not running. Run 'rethink start'.")
		} else {
			fmt.Println("        Watcher is running but cannot monitor the foreground window.")
		}
	}

	fmt.Printf("Watcher:  %s\n", aliveLabel(watcherAlive))
	fmt.Printf("Guardian: %s\n", aliveLabel(guardianAlive))
	fmt.Printf("Session:  %s\n", aliveLabel(sessionAlive))
	if entry != nil && entry.LastHeartbeat > 0 {
		lastBeat := time.Unix(entry.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}

	autostart := infra.NewSystemdAutostart(infra.DetectExecMode(), cfg.DataDir)
	if autostart.IsInstalled() {
		fmt.Printf("Auto-start: enabled (%s)\n", autostart.GetUnitPath())
	} else {
		fmt.Println("Auto-start: disabled")
	}

	db, err := comps.UsageDB()
	if err != nil {
		return err
	}
	perms := daemon.CheckAllPermissions(ctx, db, comps.registry, infra.NewX11ForegroundSource(logger))
	fmt.Println("\nPermissions:")
	fmt.Printf("  Usage access:        %s\n", mark(perms.UsageAccess))
	fmt.Printf("  Foreground watcher:  %s\n", mark(perms.WatcherActive))
	fmt.Printf("  Overlay (display):   %s\n", mark(perms.Overlay))
	if !perms.UsageAccess {
		fmt.Printf("  %v\n", db.OpenUsagePermissionSettings())
	}
	if !perms.Overlay {
		fmt.Println("  No X11 display reachable; run rethink inside your desktop session.")
	}

	if sessionAlive {
		printSessionStatus(ctx, comps)
	}
	printLimits(ctx, comps)

	bold.Println("======================")
	return nil
}

func aliveLabel(alive bool) string {
	if alive {
		return color.GreenString("running")
	}
	return color.RedString("stopped")
}

func printSessionStatus(ctx context.Context, comps *components) {
	client, err := comps.SessionClient()
	if err != nil {
		return
	}
	status, err := client.Status(ctx)
	if err != nil {
		fmt.Printf("\nSession unreachable: %v\n", err)
		return
	}

	fmt.Println()
	if status.State.IsIntervening {
		fmt.Printf("Intervening: %s\n", color.YellowString(usage.FriendlyName(status.State.TriggerApp, "")))
		if status.Overlay != nil {
			fmt.Printf("  %s\n", status.Overlay.Message)
		}
	} else {
		fmt.Println("Intervening: no")
	}
	if status.FocusMode != "" {
		fmt.Printf("Focus: %s\n", status.FocusMode)
	}
	if len(status.BlockSet) > 0 {
		fmt.Printf("Blocked now: %s\n", color.RedString(strings.Join(status.BlockSet, ", ")))
	}
	if status.UsageError != "" {
		fmt.Printf("Usage: %s\n", color.YellowString(status.UsageError))
	}
}

// printLimits evaluates locally so it works whether or not a session is running.
func printLimits(ctx context.Context, comps *components) {
	app, err := comps.Interactive()
	if err != nil {
		fmt.Printf("\nCould not load policies: %v\n", err)
		return
	}
	if _, err := app.refresher.Refresh(ctx, usage.RangeDaily); err != nil && !errors.Is(err, domain.ErrPermissionDenied) {
		fmt.Printf("\nUsage unavailable: %v\n", err)
	}
	eval, err := app.blockSync.Evaluate(ctx)
	if err != nil {
		fmt.Printf("\nCould not evaluate policies: %v\n", err)
		return
	}
	printEvaluation(eval)
}

func printEvaluation(eval *usecase.Evaluation) {
	if eval.Focus.IsActive {
		fmt.Printf("\n%s\n", color.CyanString(eval.Focus.Reason))
	}
	if len(eval.LimitStatuses) == 0 {
		return
	}

	pkgs := make([]string, 0, len(eval.LimitStatuses))
	for pkg := range eval.LimitStatuses {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	fmt.Println("\nLimits today:")
	for _, pkg := range pkgs {
		s := eval.LimitStatuses[pkg]
		line := fmt.Sprintf("  %-20s %7s / %-7s %s",
			usage.FriendlyName(pkg, ""),
			policy.FormatDuration(s.UsedMs),
			policy.FormatDuration(s.BudgetMs),
			policy.FormatRemaining(s.RemainingMs))
		switch {
		case s.IsPaused:
			fmt.Println(line + " (paused)")
		case s.IsBlocked:
			color.Red(line)
		case s.IsWarning:
			color.Yellow(line)
		default:
			fmt.Println(line)
		}
	}
}

func runOverlay(cmd *cobra.Command, args []string) error {
	action := args[0]
	switch action {
	case "continue":
		action = ipc.ActionContinue
	case "leave":
		action = ipc.ActionLeave
	case "turn-off":
		action = ipc.ActionTurnOff
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	client, err := comps.SessionClient()
	if err != nil {
		return err
	}
	if !client.Alive() {
		return fmt.Errorf("no session is running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.OverlayAction(ctx, action); err != nil {
		return err
	}
	fmt.Println("Done")
	return nil
}
