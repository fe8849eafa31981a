package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	verbose bool
)

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
	rootCmd.Version = version
}

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "Cross-device settings sync for the CRM suite",
	Long: `crmsync keeps per-user CRM settings in sync across devices.

Each device keeps a durable local copy and reconciles it against the
shared store on login, on change, and periodically. Conflicting edits
resolve last-write-wins unless manual resolution is requested.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(handler))
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
