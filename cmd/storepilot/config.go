package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/storepilot/storepilot/internal/prefs"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write storage preferences",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a preference value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPrefs()
		if err != nil {
			return err
		}
		switch args[0] {
		case prefs.KeyUseCloud:
			fmt.Println(p.UseCloudStorage())
		case prefs.KeyPreferenceSelected:
			fmt.Println(p.PreferenceSelected())
		case prefs.KeyBackupOnMigrate:
			fmt.Println(p.BackupOnMigrate())
		case prefs.KeyLastStorePath:
			fmt.Println(p.LastStorePath())
		default:
			return fmt.Errorf("unknown key %q", args[0])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a preference value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPrefs()
		if err != nil {
			return err
		}
		key, raw := args[0], args[1]
		switch key {
		case prefs.KeyUseCloud:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s takes a boolean: %w", key, err)
			}
			return p.SetUseCloudStorage(b)
		case prefs.KeyBackupOnMigrate:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s takes a boolean: %w", key, err)
			}
			return p.SetBackupOnMigrate(b)
		case prefs.KeyRebuildContent:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s takes a boolean: %w", key, err)
			}
			if b {
				return p.SetRebuildContent()
			}
			_, err = p.ConsumeRebuildContent()
			return err
		default:
			return fmt.Errorf("unknown or read-only key %q", key)
		}
	},
}

func openPrefs() (*prefs.Preferences, error) {
	data, _, err := resolveDirs()
	if err != nil {
		return nil, err
	}
	return prefs.Open(data)
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
