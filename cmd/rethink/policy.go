package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/storage/bolt"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
)

// policyAction runs fn against the policy store. Mutating actions re-push the blocklist afterwards.
func policyAction(mutates bool, fn func(ctx context.Context, store *bolt.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	store, err := comps.Policy()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := fn(ctx, store); err != nil {
		return err
	}
	if !mutates {
		return nil
	}
	if err := comps.SyncAfterEdit(ctx); err != nil {
		fmt.Printf("Warning: policy saved but blocklist sync failed: %v\n", err)
	}
	return nil
}

// findLimit accepts either a limit ID or a package name.
func findLimit(ctx context.Context, store *bolt.Store, ref string) (*domain.Limit, error) {
	limit, err := store.GetLimit(ctx, ref)
	if err == nil {
		return limit, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	limit, err = store.GetLimitByPackage(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("limit %q: %w", ref, err)
	}
	return limit, nil
}

// ---- limit ----

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Manage daily app limits",
}

var limitAddCmd = &cobra.Command{
	Use:   "add <package> <budget>",
	Short: "Add a daily limit, e.g. `limit add steam 1h30m`",
	Args:  cobra.ExactArgs(2),
	RunE:  runLimitAdd,
}

var limitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List limits",
	Args:  cobra.NoArgs,
	RunE:  runLimitList,
}

var limitPauseCmd = &cobra.Command{
	Use:   "pause <id|package>",
	Short: "Pause a limit until the end of today",
	Args:  cobra.ExactArgs(1),
	RunE:  runLimitPause,
}

var limitExtendCmd = &cobra.Command{
	Use:   "extend <id|package> <minutes>",
	Short: "Add minutes to a limit's daily budget",
	Args:  cobra.ExactArgs(2),
	RunE:  runLimitExtend,
}

var limitDeleteCmd = &cobra.Command{
	Use:   "delete <id|package>",
	Short: "Delete a limit",
	Args:  cobra.ExactArgs(1),
	RunE:  runLimitDelete,
}

var (
	limitWarning  time.Duration
	limitAppName  string
	limitDisabled bool
)

func runLimitAdd(cmd *cobra.Command, args []string) error {
	budget, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid budget %q: %w", args[1], err)
	}
	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		limit, err := store.AddLimit(ctx, domain.Limit{
			PackageName:        args[0],
			AppName:            limitAppName,
			DailyBudgetMs:      budget.Milliseconds(),
			WarningThresholdMs: limitWarning.Milliseconds(),
			Enabled:            !limitDisabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added limit %s: %s for %s per day\n",
			limit.ID, usage.FriendlyName(limit.PackageName, limit.AppName), policy.FormatDuration(limit.DailyBudgetMs))
		return nil
	})
}

func runLimitList(cmd *cobra.Command, args []string) error {
	return policyAction(false, func(ctx context.Context, store *bolt.Store) error {
		limits, err := store.ListLimits(ctx)
		if err != nil {
			return err
		}
		if len(limits) == 0 {
			fmt.Println("No limits configured.")
			return nil
		}

		now := time.Now()
		fmt.Println("\n=== Limits ===")
		for _, l := range limits {
			state := "on"
			switch {
			case !l.Enabled:
				state = "off"
			case policy.IsPaused(l, now):
				state = "paused until " + l.PausedUntil.Format("15:04")
			}
			fmt.Printf("\n[%s] %s (%s)\n", l.ID, usage.FriendlyName(l.PackageName, l.AppName), l.PackageName)
			fmt.Printf("  Budget:  %s/day\n", policy.FormatDuration(l.DailyBudgetMs))
			if l.WarningThresholdMs > 0 {
				fmt.Printf("  Warning: %s before\n", policy.FormatDuration(l.WarningThresholdMs))
			}
			fmt.Printf("  State:   %s\n", state)
		}
		fmt.Println("\n==============")
		return nil
	})
}

func runLimitPause(cmd *cobra.Command, args []string) error {
	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		limit, err := findLimit(ctx, store, args[0])
		if err != nil {
			return err
		}
		paused := policy.PauseUntilEndOfDay(*limit, time.Now())
		if err := store.UpdateLimit(ctx, paused); err != nil {
			return err
		}
		fmt.Printf("Paused %s until end of day\n", usage.FriendlyName(limit.PackageName, limit.AppName))
		return nil
	})
}

func runLimitExtend(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid minutes %q: %w", args[1], err)
	}
	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		limit, err := findLimit(ctx, store, args[0])
		if err != nil {
			return err
		}
		extended, err := policy.Extend(*limit, minutes, time.Now())
		if err != nil {
			return err
		}
		if err := store.UpdateLimit(ctx, extended); err != nil {
			return err
		}
		fmt.Printf("%s budget is now %s/day\n",
			usage.FriendlyName(limit.PackageName, limit.AppName), policy.FormatDuration(extended.DailyBudgetMs))
		return nil
	})
}

func runLimitDelete(cmd *cobra.Command, args []string) error {
	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		limit, err := findLimit(ctx, store, args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteLimit(ctx, limit.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted limit for %s\n", usage.FriendlyName(limit.PackageName, limit.AppName))
		return nil
	})
}

// ---- focus ----

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Manage scheduled focus modes",
}

var focusAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a focus mode, e.g. `focus add work --start 09:00 --end 17:00 --days 1-5 --block steam,discord`",
	Args:  cobra.ExactArgs(1),
	RunE:  runFocusAdd,
}

var focusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List focus modes",
	Args:  cobra.NoArgs,
	RunE:  runFocusList,
}

var focusEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a focus mode",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setFocusEnabled(args[0], true) },
}

var focusDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a focus mode",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setFocusEnabled(args[0], false) },
}

var focusDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a focus mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runFocusDelete,
}

var (
	focusStart string
	focusEnd   string
	focusDays  string
	focusBlock []string
	focusAllow []string
)

// parseDays accepts "0,6", "1-5" or a mix ("1-3,5"). 0 is Sunday.
func parseDays(list string) ([]int, error) {
	var days []int
	seen := make(map[int]bool)
	add := func(d int) error {
		if d < 0 || d > 6 {
			return fmt.Errorf("day %d out of range 0-6", d)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
		return nil
	}

	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if from, to, ok := strings.Cut(part, "-"); ok {
			a, err := strconv.Atoi(from)
			if err != nil {
				return nil, fmt.Errorf("invalid day range %q", part)
			}
			b, err := strconv.Atoi(to)
			if err != nil || b < a {
				return nil, fmt.Errorf("invalid day range %q", part)
			}
			for d := a; d <= b; d++ {
				if err := add(d); err != nil {
					return nil, err
				}
			}
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid day %q", part)
		}
		if err := add(d); err != nil {
			return nil, err
		}
	}
	return days, nil
}

func runFocusAdd(cmd *cobra.Command, args []string) error {
	days, err := parseDays(focusDays)
	if err != nil {
		return err
	}
	mode := domain.FocusMode{
		Name:    args[0],
		Enabled: true,
		Schedules: []domain.FocusSchedule{{
			Enabled:    true,
			StartTime:  focusStart,
			EndTime:    focusEnd,
			DaysOfWeek: days,
		}},
		BlockedApps:     focusBlock,
		WhitelistedApps: focusAllow,
	}
	if err := policy.ValidateFocusMode(mode); err != nil {
		return err
	}

	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		added, err := store.AddFocusMode(ctx, mode)
		if err != nil {
			return err
		}
		fmt.Printf("Added focus mode %s (%s)\n", added.ID, added.Name)
		return nil
	})
}

func runFocusList(cmd *cobra.Command, args []string) error {
	return policyAction(false, func(ctx context.Context, store *bolt.Store) error {
		modes, err := store.ListFocusModes(ctx)
		if err != nil {
			return err
		}
		if len(modes) == 0 {
			fmt.Println("No focus modes configured.")
			return nil
		}

		status := policy.FocusStatus(modes, time.Now())
		fmt.Println("\n=== Focus Modes ===")
		for _, m := range modes {
			state := "off"
			if m.Enabled {
				state = "on"
			}
			if status.ActiveMode != nil && status.ActiveMode.ID == m.ID {
				state = "ACTIVE"
			}
			fmt.Printf("\n[%s] %s (%s)\n", m.ID, m.Name, state)
			for _, s := range m.Schedules {
				fmt.Printf("  %s-%s days %v\n", s.StartTime, s.EndTime, s.DaysOfWeek)
			}
			fmt.Printf("  Blocks: %s\n", strings.Join(m.BlockedApps, ", "))
			if len(m.WhitelistedApps) > 0 {
				fmt.Printf("  Allows: %s\n", strings.Join(m.WhitelistedApps, ", "))
			}
		}
		fmt.Println("\n===================")
		return nil
	})
}

func setFocusEnabled(id string, enabled bool) error {
	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		if err := store.SetFocusModeEnabled(ctx, id, enabled); err != nil {
			return err
		}
		if enabled {
			fmt.Printf("Enabled focus mode %s\n", id)
		} else {
			fmt.Printf("Disabled focus mode %s\n", id)
		}
		return nil
	})
}

func runFocusDelete(cmd *cobra.Command, args []string) error {
	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		if err := store.DeleteFocusMode(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted focus mode %s\n", args[0])
		return nil
	})
}

// ---- monitor / intervention ----

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Manage apps that get the soft intervention screen",
}

var monitorSetCmd = &cobra.Command{
	Use:   "set <package>...",
	Short: "Replace the monitored app list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
			if err := store.SetMonitoredApps(ctx, args); err != nil {
				return err
			}
			fmt.Printf("Monitoring %d apps\n", len(args))
			return nil
		})
	},
}

var monitorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored apps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return policyAction(false, func(ctx context.Context, store *bolt.Store) error {
			apps, err := store.MonitoredApps(ctx)
			if err != nil {
				return err
			}
			enabled, err := store.InterventionEnabled(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Intervention: %s\n", onOff(enabled))
			for _, app := range apps {
				fmt.Printf("  - %s (%s)\n", usage.FriendlyName(app, ""), app)
			}
			return nil
		})
	},
}

var interventionCmd = &cobra.Command{
	Use:       "intervention <on|off>",
	Short:     "Turn the soft intervention screen on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
			if err := store.SetInterventionEnabled(ctx, enabled); err != nil {
				return err
			}
			fmt.Printf("Intervention %s\n", onOff(enabled))
			return nil
		})
	},
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ---- export / import ----

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Export or import all policies as YAML",
}

var policyExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write all policies to a file (stdout when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyExport,
}

var policyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace all policies with the content of a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyImport,
}

func runPolicyExport(cmd *cobra.Command, args []string) error {
	return policyAction(false, func(ctx context.Context, store *bolt.Store) error {
		doc, err := store.Export(ctx)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode policies: %w", err)
		}
		if len(args) == 0 {
			_, err = os.Stdout.Write(out)
			return err
		}
		return os.WriteFile(args[0], out, 0600)
	})
}

func runPolicyImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var doc bolt.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}
	return policyAction(true, func(ctx context.Context, store *bolt.Store) error {
		if err := store.Import(ctx, doc); err != nil {
			return err
		}
		fmt.Printf("Imported %d limits, %d focus modes, %d monitored apps\n",
			len(doc.Limits), len(doc.FocusModes), len(doc.MonitoredApps))
		return nil
	})
}

func init() {
	limitAddCmd.Flags().DurationVar(&limitWarning, "warning", 5*time.Minute, "Warn this long before the budget runs out (0 disables)")
	limitAddCmd.Flags().StringVar(&limitAppName, "name", "", "Display name")
	limitAddCmd.Flags().BoolVar(&limitDisabled, "disabled", false, "Create the limit switched off")
	limitCmd.AddCommand(limitAddCmd, limitListCmd, limitPauseCmd, limitExtendCmd, limitDeleteCmd)

	focusAddCmd.Flags().StringVar(&focusStart, "start", "09:00", "Start time (HH:MM)")
	focusAddCmd.Flags().StringVar(&focusEnd, "end", "17:00", "End time (HH:MM), earlier than start spans midnight")
	focusAddCmd.Flags().StringVar(&focusDays, "days", "1-5", "Days of week, 0 = Sunday (e.g. 1-5 or 0,6)")
	focusAddCmd.Flags().StringSliceVar(&focusBlock, "block", nil, "Packages to block")
	focusAddCmd.Flags().StringSliceVar(&focusAllow, "allow", nil, "Packages never blocked by this mode")
	focusCmd.AddCommand(focusAddCmd, focusListCmd, focusEnableCmd, focusDisableCmd, focusDeleteCmd)

	monitorCmd.AddCommand(monitorSetCmd, monitorListCmd)
	policyCmd.AddCommand(policyExportCmd, policyImportCmd)

	rootCmd.AddCommand(limitCmd, focusCmd, monitorCmd, interventionCmd, policyCmd)
}
