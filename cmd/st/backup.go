package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export all progress to a backup file",
	Long: `Export every backed-up collection to a versioned JSON document.

Examples:
  st export                      # write to stdout
  st export -o backup.json       # write to a file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.svc.ExportAll(cmd.Context())
		if err != nil {
			return err
		}

		if output == "" || output == "-" {
			_, err := doc.WriteTo(os.Stdout)
			return err
		}
		if err := doc.WriteFile(output); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Exported to %s\n", ui.RenderPass("✓"), output)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import progress from a backup file",
	Long: `Import a backup document. Both the versioned format and the older
bare-array format are accepted. Imported entities replace local entities
with the same id; nothing else is deleted.

Examples:
  st import backup.json
  st import backup.json --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirm(cmd, "Import "+args[0]+"?", "Entities in the backup overwrite local ones with the same id.")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Import cancelled")
			return nil
		}

		// #nosec G304 - controlled path from CLI
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.svc.ImportAll(cmd.Context(), f)
		if res != nil {
			names := make([]string, 0, len(res.Imported))
			for name := range res.Imported {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s %s: %d\n", ui.RenderPass("✓"), name, res.Imported[name])
			}
			for _, name := range res.Skipped {
				fmt.Printf("  %s %s: skipped\n", ui.RenderWarn("-"), name)
			}
		}
		if err != nil {
			return err
		}

		format := "v" + res.Version
		if res.Legacy {
			format = "legacy"
		}
		fmt.Printf("%s Imported %d entities (%s format)\n", ui.RenderPass("✓"), res.Total(), format)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	importCmd.Flags().Bool("yes", false, "Skip confirmation")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
