package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/migrate"
	"github.com/Mschirtzinger/studytrack/internal/store"
	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "data",
	Short:   "Migrate data from the legacy single-blob format",
}

var migrateLegacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Load a legacy JSON export and migrate it",
	Long: `Load a legacy studyData JSON export into the legacy slot and run the
migration. Every topic in the blob becomes a topic record and the blob is
archived under a timestamped key.

Examples:
  st migrate legacy --from studyData.json --dry-run   # validate only
  st migrate legacy --from studyData.json --backup    # keep a copy of the file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		if from == "" {
			return fmt.Errorf("--from is required")
		}

		loaded, err := loadLegacy(cmd.Context(), migrate.LoadOptions{
			From:   from,
			DryRun: dryRun,
			Backup: backup,
		})
		if err != nil {
			return err
		}

		if dryRun {
			fmt.Printf("%s %s is valid: %d topics would be migrated\n", ui.RenderPass("✓"), from, loaded.Topics)
			return nil
		}
		if loaded.BackupCreated != "" {
			fmt.Printf("%s Backup written to %s\n", ui.RenderPass("✓"), loaded.BackupCreated)
		}

		// Startup runs the migration and pushes the migrated topics.
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.report.MigrationErr != nil {
			return fmt.Errorf("migration failed: %w", a.report.MigrationErr)
		}
		m := a.report.Migration
		if m == nil || m.Skipped {
			fmt.Printf("%s Nothing to migrate\n", ui.RenderWarn("⚠"))
			return nil
		}
		fmt.Printf("%s Migrated %d topics (archived as %s)\n", ui.RenderPass("✓"), m.TopicsMigrated, m.ArchivedKey)
		for _, e := range m.Errors {
			fmt.Printf("  %s %s\n", ui.RenderWarn("⚠"), e)
		}
		return nil
	},
}

var migrateArchivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archived legacy blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		keys, err := migrate.New(db, logSink.Logger("migrate")).Archives(cmd.Context())
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No archived legacy blobs")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

func loadLegacy(ctx context.Context, opts migrate.LoadOptions) (*migrate.LoadResult, error) {
	db, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return migrate.LoadLegacyFile(ctx, db, opts)
}

// openStore opens the local store without starting the engine.
func openStore(ctx context.Context) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func init() {
	migrateLegacyCmd.Flags().String("from", "", "Legacy JSON file to migrate")
	migrateLegacyCmd.Flags().Bool("dry-run", false, "Validate without writing")
	migrateLegacyCmd.Flags().Bool("backup", false, "Write a timestamped copy of the input file first")

	migrateCmd.AddCommand(migrateLegacyCmd)
	migrateCmd.AddCommand(migrateArchivesCmd)
	rootCmd.AddCommand(migrateCmd)
}
