package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/storepilot/storepilot/internal/backup"
	"github.com/storepilot/storepilot/internal/prefs"
	"github.com/storepilot/storepilot/internal/timeparsing"
	"github.com/storepilot/storepilot/internal/types"
	"github.com/storepilot/storepilot/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, restore, and prune store backups",
}

// backupContext resolves the manager and the store path backups apply to.
func backupContext() (*backup.Manager, string, error) {
	data, docs, err := resolveDirs()
	if err != nil {
		return nil, "", err
	}
	p, err := prefs.Open(data)
	if err != nil {
		return nil, "", err
	}

	storePath := p.LastStorePath()
	if storePath == "" {
		storePath = filepath.Join(data, types.LocalStoreFileName(storeName, storeExt))
	}
	return backup.NewManager(docs, storeName, storeExt), storePath, nil
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a timestamped backup of the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, storePath, err := backupContext()
		if err != nil {
			return err
		}
		record, err := manager.Create(storePath)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%d bytes)\n",
			ui.Plain(ui.RenderPass, "✓"), record.Path, record.Size)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, _, err := backupContext()
		if err != nil {
			return err
		}
		records, err := manager.List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(ui.Plain(ui.RenderMuted, "no backups"))
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s  %s  %d bytes\n",
				rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Filename, rec.Size)
		}
		return nil
	},
}

var restoreFrom string

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the store with a backup (newest by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, storePath, err := backupContext()
		if err != nil {
			return err
		}
		records, err := manager.List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("no backups to restore")
		}

		record := records[0]
		if restoreFrom != "" {
			found := false
			for _, rec := range records {
				if rec.Filename == restoreFrom {
					record = rec
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("no backup named %q", restoreFrom)
			}
		}

		// Keep a safety copy of what is being replaced.
		if _, err := os.Stat(storePath); err == nil {
			if _, err := manager.Create(storePath); err != nil {
				return fmt.Errorf("backing up current store before restore: %w", err)
			}
		}

		if err := manager.Restore(record, storePath); err != nil {
			return err
		}
		fmt.Printf("%s restored %s -> %s\n",
			ui.Plain(ui.RenderPass, "✓"), record.Filename, storePath)
		return nil
	},
}

var pruneBefore string

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups older than a cutoff",
	Long: `Deletes backups created before the given cutoff. The cutoff accepts
compact durations ("-2w"), natural language ("2 weeks ago"), or RFC3339
timestamps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, _, err := backupContext()
		if err != nil {
			return err
		}
		cutoff, err := timeparsing.Parse(pruneBefore, time.Now())
		if err != nil {
			return fmt.Errorf("parsing --before: %w", err)
		}
		removed, err := manager.Prune(cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("%s pruned %d backup(s) older than %s\n",
			ui.Plain(ui.RenderPass, "✓"), removed, cutoff.Format(time.RFC3339))
		return nil
	},
}

func init() {
	backupRestoreCmd.Flags().StringVar(&restoreFrom, "backup", "", "Backup filename to restore (default: newest)")
	backupPruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Cutoff time expression (required)")
	_ = backupPruneCmd.MarkFlagRequired("before")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}
