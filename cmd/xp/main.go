package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgenode/xp/pkg/config"
	"github.com/edgenode/xp/pkg/log"
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
	Use:   "xp",
	Short: "xp - clustered control plane for an edge proxy fleet",
	Long: `xp programs a colocated proxy data plane (VLESS-REALITY-Vision and
Shadowsocks-2022 inbounds) across a fleet of edge nodes, replicating
desired state over Raft and reconciling it onto each node's proxy engine
over an mTLS admin surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"xp version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides XP_DATA_DIR)")
	rootCmd.PersistentFlags().String("bind", "", "Raft/admin bind address (overrides XP_BIND)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides XP_LOG_LEVEL)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format (overrides XP_LOG_JSON)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(joinTokenCmd)
	rootCmd.AddCommand(clusterInfoCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if level, _ := rootCmd.PersistentFlags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if json, _ := rootCmd.PersistentFlags().GetBool("log-json"); json {
		cfg.LogJSON = true
	}

	log.Init(cfg.LogConfig())
}

// loadConfig reads Config from the environment and applies any
// persistent flags the user passed, which take precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if bind, _ := cmd.Flags().GetString("bind"); bind != "" {
		cfg.Bind = bind
	}

	return cfg, nil
}
