package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/studytrack/internal/daemon"
	stsync "github.com/Mschirtzinger/studytrack/internal/sync"
	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the local view synchronized in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon follows cloud changes (live feed, or polling when the feed is
unavailable), watches the local database for writes by other st commands,
and prints progress whenever the merged view changes.

Examples:
  st daemon
  st daemon --quiet --debounce 1s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		debounce, _ := cmd.Flags().GetDuration("debounce")

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		wcfg := daemon.DefaultConfig()
		if debounce > 0 {
			wcfg.DebounceInterval = debounce
		}
		wcfg.Logger = logSink.Logger("daemon")
		watcher, err := daemon.New(a.db.Path(), func() { a.orch.Notify(stsync.Local) }, wcfg)
		if err != nil {
			return err
		}

		fmt.Printf("%s Sync daemon running (%s), Ctrl+C to stop\n", ui.RenderPass("✓"), a.orch.Mode())

		views, unsubscribe := a.orch.Subscribe()
		defer unsubscribe()

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return a.orch.Run(ctx) })
		g.Go(func() error { return watcher.Run(ctx) })
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case view, ok := <-views:
					if !ok {
						return nil
					}
					if quiet {
						continue
					}
					fmt.Printf("\n%s %s\n", ui.RenderAccent("📊"), ui.RenderMuted(string(a.orch.Mode())))
					ui.RenderProgress(os.Stdout, view.Progress())
				}
			}
		})

		err = g.Wait()
		fmt.Println("\nSync daemon stopped")
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("quiet", false, "Do not print view updates")
	daemonCmd.Flags().Duration("debounce", 0, "Delay before reacting to local database writes")
	rootCmd.AddCommand(daemonCmd)
}
