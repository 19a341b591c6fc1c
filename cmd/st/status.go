package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "study",
	Short:   "Show curriculum progress",
	Long: `Show every group, subject and topic with its current status.

Examples:
  st status              # full tree
  st status --subjects   # one line per subject
  st status --json       # merged taxonomy as JSON`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectsOnly, _ := cmd.Flags().GetBool("subjects")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.svc.MergedTaxonomy(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}

		fmt.Println()
		ui.RenderTaxonomy(os.Stdout, view, subjectsOnly)
		fmt.Printf("\n%s Progress (%d topics)\n", ui.RenderAccent("📊"), len(view.Topics()))
		ui.RenderProgress(os.Stdout, view.Progress())
		if a.report.LocalOnly {
			fmt.Printf("\n%s\n", ui.RenderMuted("local only: cloud sync is off or unreachable"))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("subjects", false, "Show subjects only")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
