package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentry/partyline/pkg/config"
	"github.com/agentry/partyline/pkg/pool"
	"github.com/agentry/partyline/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "partyline",
	Short: "Partyline - shared message bus for coding agents on one machine",
	Long: `Partyline is a message bus for coding agents that share a machine.
Each agent process claims a short numeric id in a pool directory and talks
through it: direct sends, broadcasts, and blocking receives with leased
at-least-once delivery.

'serve' joins the pool and speaks MCP over stdio for the agent it hosts.
The remaining commands are one-shot operator tools against the same pool.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Partyline version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("pool", "", "Pool root directory (overrides config and env)")
	rootCmd.PersistentFlags().String("variant", "", "Store variant: shared or mailbox")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Partyline version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// loadConfig builds the effective configuration for a subcommand: file and
// environment first, then the persistent flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("pool"); v != "" {
		cfg.PoolRoot = v
	}
	if v, _ := cmd.Flags().GetString("variant"); v != "" {
		cfg.Variant = types.StoreVariant(v)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// preparePool resolves the pool root and applies the schema-version gate.
func preparePool(cfg *config.Config) (root string, wiped bool, err error) {
	root, err = pool.Resolve(cfg.PoolRoot)
	if err != nil {
		return "", false, err
	}
	wiped, err = pool.Prepare(root)
	if err != nil {
		return "", false, err
	}
	return root, wiped, nil
}
