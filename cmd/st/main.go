package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/config"
	"github.com/Mschirtzinger/studytrack/internal/logging"
	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var (
	v       = config.New()
	cfg     *config.Config
	logSink *logging.Sink
)

var rootCmd = &cobra.Command{
	Use:   "st",
	Short: "studytrack - curriculum progress tracker with cloud sync",
	Long: `studytrack tracks study progress over a fixed curriculum.

Progress is kept in a local SQLite store and, when a cloud backend is
configured, synchronized across devices. Configuration is read from
~/.studytrack/config.toml and STUDYTRACK_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		noColor, _ := cmd.Flags().GetBool("no-color")
		ui.Init(noColor)

		cfgFile, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logSink = logging.Open(logging.Options{
			File:       cfg.Log.File,
			Verbose:    cfg.Log.Verbose,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logSink != nil {
			_ = logSink.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "study", Title: "Study Progress:"},
		&cobra.Group{ID: "data", Title: "Backup & Migration:"},
		&cobra.Group{ID: "sync", Title: "Sync & Services:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default ~/.studytrack/config.toml)")
	flags.String("data-dir", "", "Directory holding the local database")
	flags.Bool("offline", false, "Skip the cloud backend for this command")
	flags.BoolP("verbose", "v", false, "Log to stderr")
	flags.Bool("no-color", false, "Disable colored output")

	// Unset flags fall back to config and env values.
	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("log.verbose", flags.Lookup("verbose"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
