package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetcomply/dutysync/internal/config"
	"github.com/fleetcomply/dutysync/internal/store"
)

var backupDBOverride string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and restore the local dataset",
	Long:  "Export the full local dataset to a backup document, or restore from one, without running the server.",
}

var backupExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the local dataset to a backup file (or stdout)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupExport,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Replace the local dataset from a backup file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

func init() {
	backupCmd.PersistentFlags().StringVar(&backupDBOverride, "db", "",
		"Database path (overrides config and DUTYSYNC_DB_PATH)")
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}

// resolveStore opens the local store with optional --db override.
func resolveStore() (*store.SQLiteStore, error) {
	path := backupDBOverride
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.Database.Path
	}
	return store.NewSQLiteStore(path)
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	db, err := resolveStore()
	if err != nil {
		return err
	}
	defer db.Close()

	doc, err := db.CreateBackup(cmd.Context(), "dutysync", Version)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}

	out := os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("create backup file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "exported %d records, %d queue items\n",
		len(doc.Data.Records), len(doc.Data.Queue))
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read backup file: %w", err)
	}

	var doc store.Backup
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse backup file: %w", err)
	}

	db, err := resolveStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RestoreBackup(cmd.Context(), &doc); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "restored %d records, %d queue items\n",
		len(doc.Data.Records), len(doc.Data.Queue))
	return nil
}
