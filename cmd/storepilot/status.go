package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/storepilot/storepilot/internal/cloud"
	"github.com/storepilot/storepilot/internal/prefs"
	"github.com/storepilot/storepilot/internal/types"
	"github.com/storepilot/storepilot/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the store lives and what the cloud container holds",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _, err := resolveDirs()
		if err != nil {
			return err
		}
		p, err := prefs.Open(data)
		if err != nil {
			return err
		}

		fmt.Println(ui.Plain(ui.RenderCategory, "preferences"))
		printKV("preference selected", yesNo(p.PreferenceSelected()))
		printKV("use cloud", yesNo(p.UseCloudStorage()))
		printKV("backup on migrate", yesNo(p.BackupOnMigrate()))
		if last := p.LastStorePath(); last != "" {
			printKV("last store path", last)
		}

		fmt.Println(ui.Plain(ui.RenderCategory, "local"))
		localPath := filepath.Join(data, types.LocalStoreFileName(storeName, storeExt))
		if info, err := os.Stat(localPath); err == nil {
			printKV("store", fmt.Sprintf("%s (%d bytes)", localPath, info.Size()))
		} else {
			printKV("store", ui.Plain(ui.RenderMuted, "none"))
		}

		if containerPath == "" {
			return nil
		}
		containerCfg, err := cloud.LoadConfig(containerPath)
		if err != nil {
			return err
		}
		container, err := cloud.OpenDir(containerCfg.Dir, containerCfg.Device)
		if err != nil {
			return err
		}
		entries, err := container.List(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(ui.Plain(ui.RenderCategory, "cloud container"))
		printKV("path", container.Dir())
		storeFile := types.CloudStoreFileName(storeName, storeExt)
		found := false
		for _, e := range entries {
			if e.Name == storeFile {
				found = true
				printKV("store", describeEntry(e))
			}
		}
		if !found {
			printKV("store", ui.Plain(ui.RenderMuted, "none"))
		}

		backups := 0
		for _, e := range entries {
			if types.IsBackupFile(e.Name, storeName) {
				backups++
			}
		}
		printKV("backups", fmt.Sprintf("%d", backups))
		return nil
	},
}

func describeEntry(e cloud.Entry) string {
	switch e.Download {
	case types.DownloadNotStarted:
		return ui.Plain(ui.RenderWarn, e.Name+" (not downloaded)")
	case types.Downloading:
		return ui.Plain(ui.RenderWarn, fmt.Sprintf("%s (downloading, %d%%)", e.Name, e.PercentDownloaded))
	default:
		if !e.Uploaded {
			return ui.Plain(ui.RenderWarn, e.Name+" (upload pending)")
		}
		return ui.Plain(ui.RenderPass, e.Name+" (current)")
	}
}

func printKV(key, value string) {
	fmt.Printf("  %-20s %s\n", key, value)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
