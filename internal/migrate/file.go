package migrate

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Mschirtzinger/studytrack/internal/store"
)

// LoadOptions contains configuration for loading a legacy export file.
type LoadOptions struct {
	From   string // Input legacy JSON file path
	DryRun bool   // Validate without writing
	Backup bool   // Create backup of the input file
}

// LoadResult contains statistics about a legacy file load.
type LoadResult struct {
	Topics        int
	BackupCreated string
}

// LoadLegacyFile places a legacy JSON file into the legacy slot so the next
// Migrate call picks it up. The file is validated first; an invalid file
// never reaches the store.
func LoadLegacyFile(ctx context.Context, db *store.DB, opts LoadOptions) (*LoadResult, error) {
	result := &LoadResult{}

	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(opts.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy file: %w", err)
	}

	states, err := ParseLegacy(data, time.Now())
	if err != nil {
		return nil, err
	}
	result.Topics = len(states)

	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, data, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	if err := db.SetValue(ctx, LegacyKey, string(data)); err != nil {
		return nil, fmt.Errorf("failed to store legacy blob: %w", err)
	}
	return result, nil
}
