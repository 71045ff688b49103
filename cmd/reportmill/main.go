// Package main provides the entry point for the reportmill CLI tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	// SQL drivers available to configured database targets.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Sumatoshi-tech/reportmill/cmd/reportmill/commands"
	"github.com/Sumatoshi-tech/reportmill/internal/updater"
	"github.com/Sumatoshi-tech/reportmill/pkg/version"
)

const (
	// exitCodeError is the generic failure exit code.
	exitCodeError = 1

	// exitCodeConfigInvalid reports configuration validation failures.
	exitCodeConfigInvalid = 2

	// exitCodeLockHeld reports a run refused because another instance
	// holds the query-folder lock.
	exitCodeLockHeld = 3
)

var (
	verbose bool
	quiet   bool
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "reportmill",
		Short: "Reportmill - incremental report materialization",
		Long: `Reportmill turns SQL templates and scripts into tab-separated report
files, computing only the time windows that are due and missing and
merging fresh rows into the published artifacts.

Commands:
  run       Execute one update pass over the configured reports`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output")

	// Add commands.
	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewRerunCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewRenderCommand())
	rootCmd.AddCommand(versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps well-known failures onto distinct exit codes so cron
// wrappers can tell them apart.
func exitCode(err error) int {
	switch {
	case errors.Is(err, updater.ErrInstanceRunning):
		return exitCodeLockHeld
	case errors.Is(err, commands.ErrConfigInvalid):
		return exitCodeConfigInvalid
	default:
		return exitCodeError
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "reportmill %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
