package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Erase all local progress",
	Long: `Erase every local record, the saved cloud session and any legacy blob.
Cloud copies are left untouched; the next start with a cloud backend
creates a new session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirm(cmd, "Erase all local progress?", "This cannot be undone. Export a backup first with `st export`.")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Reset cancelled")
			return nil
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.svc.Reset(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Local data erased (%d topics, all not started)\n", ui.RenderPass("✓"), len(view.Topics()))
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("yes", false, "Skip confirmation")
	rootCmd.AddCommand(resetCmd)
}
