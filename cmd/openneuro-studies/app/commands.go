// Package app provides the command tree of the openneuro-studies CLI.
package app

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openneuro-studies/openneuro-studies/pkg/config"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
	"github.com/openneuro-studies/openneuro-studies/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "openneuro-studies",
	DisableAutoGenTag: true,
	Short:             "Organize OpenNeuro datasets into BIDS study structures",
	Long: `openneuro-studies discovers OpenNeuro datasets, organizes them into
study repositories with no-clone submodule links, and extracts summary
metadata through sparse git access.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("failed to display help: %v", err)
		}
	},
}

// NewRootCmd creates the root command of the CLI
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("failed to bind debug flag: %v", err)
	}
	rootCmd.PersistentFlags().String("config", filepath.Join(config.DefaultStateDir, "config.yaml"),
		"Path to configuration file (YAML format)")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("failed to bind config flag: %v", err)
	}

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(organizeCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(unorganizedCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// loadConfig reads the configuration named by the --config flag
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.NewConfigLoader().LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			logger.Errorf("failed to read format flag: %v", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				logger.Errorf("failed to format version info: %v", err)
				return
			}
			fmt.Println(string(output))
			return
		}
		fmt.Printf("openneuro-studies %s (commit %s, built %s, %s, %s)\n",
			info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
