package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/rethink/internal/category"
	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show app usage for today, this week or this month",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

var usageGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Allow rethink to read the recorded usage",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setUsageAccess(true) },
}

var usageRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Stop rethink from reading the recorded usage; limits then see zero usage",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setUsageAccess(false) },
}

var (
	usageRange      string
	usageCategories bool
	usageJSON       bool
	usageTop        int
)

func init() {
	usageCmd.Flags().StringVar(&usageRange, "range", "daily", "daily, weekly or monthly")
	usageCmd.Flags().BoolVar(&usageCategories, "categories", false, "Group usage by category")
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Output as JSON")
	usageCmd.Flags().IntVar(&usageTop, "top", 3, "Apps listed per category")
	usageCmd.AddCommand(usageGrantCmd, usageRevokeCmd)

	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	rng, err := usage.ParseRange(usageRange)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	db, err := comps.UsageDB()
	if err != nil {
		return err
	}

	summary, err := comps.Aggregator(db).Summarize(context.Background(), rng)
	if errors.Is(err, domain.ErrPermissionDenied) {
		fmt.Println(db.OpenUsagePermissionSettings())
		return nil
	}
	if err != nil {
		return err
	}

	var stats []category.Stat
	if usageCategories {
		classifier, err := category.NewCachedClassifier(category.NewKeywordClassifier(), 256)
		if err != nil {
			return err
		}
		stats = category.Stats(summary.Records, classifier, usageTop)
	}

	if usageJSON {
		out := struct {
			*usage.Summary
			Categories []category.Stat `json:"categories,omitempty"`
		}{summary, stats}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("\n=== Usage (%s) ===\n", summary.Range)
	fmt.Printf("Total: %s, %d launches", policy.FormatDuration(summary.TotalMs), summary.TotalLaunches)
	if rng == usage.RangeDaily && summary.ComparisonPct != 0 {
		cmp := color.GreenString("%.0f%% vs yesterday", summary.ComparisonPct)
		if summary.ComparisonPct > 0 {
			cmp = color.RedString("+%.0f%% vs yesterday", summary.ComparisonPct)
		}
		fmt.Printf(" (%s)", cmp)
	}
	fmt.Println()

	if usageCategories {
		for _, s := range stats {
			fmt.Printf("\n%-14s %8s  %4.1f%%  (%d apps)\n",
				s.Category, policy.FormatDuration(s.TotalMs), s.Percentage, s.AppCount)
			for _, r := range s.TopApps {
				fmt.Printf("    %-24s %8s\n", usage.FriendlyName(r.PackageName, r.AppName), policy.FormatDuration(r.TotalForegroundMs))
			}
		}
	} else {
		fmt.Println()
		for _, r := range summary.Records {
			fmt.Printf("  %-24s %8s  %3d launches\n",
				usage.FriendlyName(r.PackageName, r.AppName), policy.FormatDuration(r.TotalForegroundMs), r.LaunchCount)
		}
		if len(summary.Records) == 0 {
			fmt.Println("  No usage recorded.")
		}
	}
	fmt.Println("====================")
	return nil
}

func setUsageAccess(granted bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createCLILogger()
	defer func() { _ = logger.Sync() }()

	comps := newComponents(cfg, logger)
	defer comps.Close()

	db, err := comps.UsageDB()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := db.SetUsageAccess(ctx, granted); err != nil {
		return err
	}
	if granted {
		fmt.Println("Usage access granted")
	} else {
		fmt.Println("Usage access revoked")
	}
	if err := comps.SyncAfterEdit(ctx); err != nil {
		fmt.Printf("Warning: blocklist sync failed: %v\n", err)
	}
	return nil
}
