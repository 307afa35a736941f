// vibesync mirrors work items across the Tracker, per-repo issue logs and
// the Docs platform. The serve command hosts the sync runtime and its control
// API; the remaining commands are thin clients of that API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibeflow/vibesync/internal/debug"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes of the operational CLI.
const (
	exitOK          = 0
	exitUnreachable = 1
	exitNotFound    = 2
	exitCancelled   = 3
)

var (
	addressFlag      string
	projectsFileFlag string
	jsonOutput       bool
	verboseFlag      bool
	quietFlag        bool
)

var rootCmd = &cobra.Command{
	Use:   "vibesync",
	Short: "Three-way work-item sync between Tracker, RepoLog and Docs",
	Long: `vibesync keeps work items mirrored across the Tracker, per-repo issue
logs and the Docs platform, resolving conflicts most-recent-wins.

Run 'vibesync serve' to host the sync runtime. Every other command talks to a
running server over its control API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addressFlag, "address", "",
		"Runtime address (default: $VIBESYNC_RUNTIME_ADDRESS or localhost:7233)")
	rootCmd.PersistentFlags().StringVar(&projectsFileFlag, "projects-file", "",
		"YAML project→repo path override map")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")

	rootCmd.Version = Version
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the documented exit codes: 1 runtime
// unreachable, 2 not found, 3 cancelled.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errUnreachable):
		return exitUnreachable
	case errors.Is(err, errNotFound):
		return exitNotFound
	case errors.Is(err, errCancelled):
		return exitCancelled
	default:
		return 1
	}
}
