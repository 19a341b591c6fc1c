package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/cloud"
	"github.com/Mschirtzinger/studytrack/internal/store"
	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run a cloud sync server",
	Long: `Run the HTTP/WebSocket cloud service that devices sync through.

Each anonymous session gets its own namespace. Collections are stored in a
separate SQLite database (server.db_path, default <data_dir>/cloud.db).

Endpoints:
  POST /v1/auth/anonymous
  GET  /v1/collections/{name}
  PUT  /v1/collections/{name}
  GET  /v1/collections/{name}/watch   (WebSocket)
  GET  /health

Examples:
  st serve
  st serve --addr :9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}
		dbPath := cfg.Server.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(cfg.DataDir, "cloud.db")
		}

		db, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open server database: %w", err)
		}
		defer db.Close()
		if err := db.InitSchemaContext(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialize server schema: %w", err)
		}

		server := cloud.NewServer(cloud.ServerConfig{
			Addr:   addr,
			DB:     db,
			Logger: logSink.Logger("server"),
		})
		if err := server.Start(); err != nil {
			_ = server.Stop()
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("%s Cloud server started on http://%s\n", ui.RenderPass("✓"), server.GetAddr())
		fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-cmd.Context().Done()

		fmt.Println("\nShutting down cloud server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Cloud server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from server.addr)")
	rootCmd.AddCommand(serveCmd)
}
