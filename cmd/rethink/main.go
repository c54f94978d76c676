// Package main is the CLI entry point for rethink.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/rethink/internal/config"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rethink",
	Short: "Mindful app usage - limits, focus modes and interventions",
	Long: `rethink watches which application is in the foreground and steps in
when you open something you wanted to use less.

Daily limits block an app once its budget is spent, focus modes block
apps on a schedule, and monitored apps get a gentle "do you really need
this right now?" screen.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/rethink/config.yaml)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// createLogger builds the file logger used by background processes.
func createLogger(cfg *config.Config, role string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if err := os.MkdirAll(cfg.DataDir, 0700); err == nil {
		zcfg.OutputPaths = []string{cfg.LogPath()}
		zcfg.ErrorOutputPaths = []string{cfg.LogPath()}
	}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("role", role), zap.Int("pid", os.Getpid()))
}

// createCLILogger is the console logger for one-shot commands.
func createCLILogger() *zap.Logger {
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zapcore.WarnLevel))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("rethink %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
