// storepilot manages a single logical object store that lives either in a
// local data directory or in a cloud-synced container, migrating it between
// the two as the user's preference and account state change.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/storepilot/storepilot/internal/cloud"
	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/orchestrator"
	"github.com/storepilot/storepilot/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	dataDir       string
	docsDir       string
	containerPath string
	storeName     string
	storeExt      string
	verboseFlag   bool
	quietFlag     bool
	noInput       bool
)

var rootCmd = &cobra.Command{
	Use:   "storepilot",
	Short: "storepilot - local/cloud store location manager",
	Long: `Manages one object store that lives either on this device or in a
cloud-synced container, and moves it safely between the two.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("storepilot version %s\n", Version)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		if err := telemetry.Init(cmd.Context(), "storepilot", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Local data directory (default: ~/.storepilot)")
	rootCmd.PersistentFlags().StringVar(&docsDir, "docs-dir", "", "Backup directory (default: <data-dir>/backups)")
	rootCmd.PersistentFlags().StringVar(&containerPath, "container", "", "Path to container.yaml describing the cloud container")
	rootCmd.PersistentFlags().StringVar(&storeName, "name", "ledger", "Store name (without extension)")
	rootCmd.PersistentFlags().StringVar(&storeExt, "ext", "db", "Store file extension")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().BoolVar(&noInput, "no-input", false, "Never prompt; take the conservative default for every decision")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// resolveDirs applies the flag defaults.
func resolveDirs() (string, string, error) {
	data := dataDir
	if data == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("resolving home directory: %w", err)
		}
		data = filepath.Join(home, ".storepilot")
	}
	docs := docsDir
	if docs == "" {
		docs = filepath.Join(data, "backups")
	}
	return data, docs, nil
}

// buildOrchestrator assembles the orchestrator from flags and environment.
func buildOrchestrator() (*orchestrator.Orchestrator, error) {
	data, docs, err := resolveDirs()
	if err != nil {
		return nil, err
	}

	cfg := orchestrator.Config{
		DataDir:   data,
		DocsDir:   docs,
		BaseName:  storeName,
		Ext:       storeExt,
		Device:    deviceName(),
		Account:   envAccount{},
		Decisions: newDecisionProvider(noInput),
		Bus:       eventbus.New(),
	}

	if containerPath != "" {
		containerCfg, err := cloud.LoadConfig(containerPath)
		if err != nil {
			return nil, err
		}
		container, err := cloud.OpenDir(containerCfg.Dir, containerCfg.Device)
		if err != nil {
			return nil, err
		}
		cfg.Container = container
		if containerCfg.Device != "" {
			cfg.Device = containerCfg.Device
		}
	}

	return orchestrator.New(cfg)
}

func deviceName() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown-device"
}

// envAccount reads the cloud account state from the environment. A real
// deployment substitutes the platform's account service here.
type envAccount struct{}

func (envAccount) SignedIn() bool { return os.Getenv("STOREPILOT_ACCOUNT_TOKEN") != "" }
func (envAccount) Token() string  { return os.Getenv("STOREPILOT_ACCOUNT_TOKEN") }

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
