package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	stsync "github.com/Mschirtzinger/studytrack/internal/sync"
	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run the startup sync and show what happened",
	Long: `Run the startup sequence once: restore or create the cloud session,
pull every synced collection, migrate legacy data, seed an empty store,
and reconcile.

Examples:
  st sync          # human-readable report
  st sync --json   # report as JSON`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reportJSON(a.report))
		}
		printReport(a.report)
		return nil
	},
}

// reportView is the JSON form of a startup report.
type reportView struct {
	LocalOnly      bool              `json:"localOnly"`
	SessionReused  bool              `json:"sessionReused"`
	Pulled         map[string]int    `json:"pulled,omitempty"`
	PullErrors     map[string]string `json:"pullErrors,omitempty"`
	Migrated       int               `json:"migrated"`
	ArchivedKey    string            `json:"archivedKey,omitempty"`
	MigrationError string            `json:"migrationError,omitempty"`
	Seeded         int               `json:"seeded"`
	Topics         int               `json:"topics"`
}

func reportJSON(r *stsync.Report) reportView {
	out := reportView{
		LocalOnly:     r.LocalOnly,
		SessionReused: r.SessionReused,
		Pulled:        r.Pulled,
		PullErrors:    r.PullErrors,
		Seeded:        r.Seeded,
		Topics:        r.Topics,
	}
	if r.Migration != nil {
		out.Migrated = r.Migration.TopicsMigrated
		out.ArchivedKey = r.Migration.ArchivedKey
	}
	if r.MigrationErr != nil {
		out.MigrationError = r.MigrationErr.Error()
	}
	return out
}

func printReport(r *stsync.Report) {
	fmt.Println()
	if r.LocalOnly {
		fmt.Printf("%s Running local only\n", ui.RenderWarn("⚠"))
	} else if r.SessionReused {
		fmt.Printf("%s Cloud session restored\n", ui.RenderPass("✓"))
	} else {
		fmt.Printf("%s New cloud session created\n", ui.RenderPass("✓"))
	}

	names := make([]string, 0, len(r.Pulled)+len(r.PullErrors))
	for name := range r.Pulled {
		names = append(names, name)
	}
	for name := range r.PullErrors {
		if _, ok := r.Pulled[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if msg, failed := r.PullErrors[name]; failed {
			fmt.Printf("  %s pull %s: %s\n", ui.RenderFail("✗"), name, msg)
			continue
		}
		fmt.Printf("  %s pulled %s: %d records\n", ui.RenderPass("✓"), name, r.Pulled[name])
	}

	switch {
	case r.MigrationErr != nil:
		fmt.Printf("%s Legacy migration failed: %v\n", ui.RenderFail("✗"), r.MigrationErr)
	case r.Migration != nil && !r.Migration.Skipped:
		fmt.Printf("%s Migrated %d legacy topics (archived as %s)\n",
			ui.RenderPass("✓"), r.Migration.TopicsMigrated, r.Migration.ArchivedKey)
	}
	if r.Seeded > 0 {
		fmt.Printf("%s Seeded %d topics\n", ui.RenderPass("✓"), r.Seeded)
	}
	fmt.Printf("%s %d topics reconciled\n\n", ui.RenderAccent("📊"), r.Topics)
}

func init() {
	syncCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(syncCmd)
}
