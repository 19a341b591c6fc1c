package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Mschirtzinger/studytrack/internal/cloud"
	"github.com/Mschirtzinger/studytrack/internal/config"
	"github.com/Mschirtzinger/studytrack/internal/store"
	stsync "github.com/Mschirtzinger/studytrack/internal/sync"
	"github.com/Mschirtzinger/studytrack/internal/taxonomy"
	"github.com/Mschirtzinger/studytrack/internal/tracker"
)

// app bundles everything a command needs.
type app struct {
	db      *store.DB
	tax     *taxonomy.Taxonomy
	backend cloud.Backend
	orch    *stsync.Orchestrator
	svc     *tracker.Service
	report  *stsync.Report

	closers []func() error
}

// openApp opens the store, builds the engine, and runs the startup
// sequence. The cloud backend is skipped with --offline.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	a := &app{}

	db, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	a.db = db

	if cfg.Taxonomy != "" {
		a.tax, err = taxonomy.Load(cfg.Taxonomy)
	} else {
		a.tax, err = taxonomy.Default()
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	offline, _ := cmd.Flags().GetBool("offline")
	if !offline {
		if err := a.openBackend(); err != nil {
			// The engine runs local-only when the cloud cannot be reached.
			logSink.Logger("cloud").Printf("WARNING: Cloud backend unavailable: %v", err)
		}
	}

	a.orch, err = stsync.New(stsync.Config{
		Store:        db,
		Taxonomy:     a.tax,
		Cloud:        a.backend,
		Timeout:      cfg.Cloud.Timeout,
		PollInterval: cfg.Cloud.PollInterval,
		Logger:       logSink.Logger("sync"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.svc, err = tracker.New(tracker.Config{
		Store:        db,
		Taxonomy:     a.tax,
		Orchestrator: a.orch,
		AppName:      cfg.AppName,
		Logger:       logSink.Logger("tracker"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.report, err = a.orch.Start(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("startup failed: %w", err)
	}
	return a, nil
}

func (a *app) openBackend() error {
	switch cfg.Cloud.Backend {
	case config.BackendHTTP:
		retry := cloud.DefaultRetryConfig()
		retry.MaxAttempts = cfg.Cloud.Retries + 1
		a.backend = cloud.NewClient(cloud.ClientConfig{
			BaseURL: cfg.Cloud.URL,
			Timeout: cfg.Cloud.Timeout,
			Retry:   retry,
			Logger:  logSink.Logger("cloud"),
		})
	case config.BackendRedis:
		rs, err := cloud.NewRedisStore(cloud.RedisConfig{
			Addr:        cfg.Cloud.RedisAddr,
			Prefix:      cfg.Cloud.RedisPrefix,
			DialTimeout: cfg.Cloud.Timeout,
			Logger:      logSink.Logger("cloud"),
		})
		if err != nil {
			return err
		}
		a.backend = rs
		a.closers = append(a.closers, rs.Close)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// confirm asks a yes/no question. Without a terminal it refuses unless
// --yes was given.
func confirm(cmd *cobra.Command, title, description string) (bool, error) {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("refusing to continue without a terminal (pass --yes)")
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
