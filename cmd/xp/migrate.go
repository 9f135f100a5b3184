package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgenode/xp/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "migrate a node's on-disk state to the current schema version",
	Long: `migrate forces state.json through the migration pipeline
(store.LoadState's migrateState step) and writes the result back,
backing up the original first. Adapted from cmd/warren-migrate's
backup-then-migrate shape, but against this module's JSON state file
rather than a bbolt database.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "report the schema version change without writing anything")
	migrateCmd.Flags().Bool("backup", true, "copy state.json to state.json.bak before writing the migrated version")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backup, _ := cmd.Flags().GetBool("backup")

	statePath := filepath.Join(cfg.DataDir, "state.json")
	before, err := readSchemaVersion(statePath)
	if err != nil {
		return fmt.Errorf("read current schema version: %w", err)
	}

	state, err := store.LoadState(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load and migrate state: %w", err)
	}

	fmt.Printf("state.json schema_version: %d -> %d\n", before, state.SchemaVersion)
	if before == state.SchemaVersion {
		fmt.Println("already at current schema version, nothing to do")
		return nil
	}
	if dryRun {
		fmt.Println("dry run: not writing changes")
		return nil
	}

	if backup {
		backupPath := statePath + ".bak." + time.Now().UTC().Format("20060102T150405Z")
		if err := copyFile(statePath, backupPath); err != nil {
			return fmt.Errorf("back up state.json: %w", err)
		}
		fmt.Printf("backed up original to %s\n", backupPath)
	}

	if err := store.SaveState(cfg.DataDir, state); err != nil {
		return fmt.Errorf("write migrated state.json: %w", err)
	}

	fmt.Println("migration complete")
	return nil
}

// readSchemaVersion peeks state.json's schema_version without running it
// through the migration pipeline, so runMigrate can report a true
// before/after. A missing file reports version 0 (fresh state).
func readSchemaVersion(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, fmt.Errorf("decode state.json: %w", err)
	}
	return probe.SchemaVersion, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
