package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/splitter/internal/common"
	"github.com/G-Research/splitter/internal/common/logging"
	"github.com/G-Research/splitter/internal/splitter/configuration"
)

const (
	defaultConfigDir = "./config/splitter"
	configFlag       = "config"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "splitter",
		Short:        "splitter assigns subjects to experiment variants and reports on the metrics they record.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(
		configFlag, []string{}, "Fully qualified path to application configuration files; later files override earlier ones")

	cmd.AddCommand(
		runCmd(),
		defineCmd(),
		resultsCmd(),
		rebuildCountersCmd(),
	)
	return cmd
}

// loadConfig reads ./config/splitter/config.yaml, overlays any --config files, SPLITTER_ environment
// variables and flags of cmd set on the command line, and reconfigures logging from the result.
func loadConfig(cmd *cobra.Command) (*configuration.SplitterConfig, error) {
	overrides, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return nil, err
	}
	var config configuration.SplitterConfig
	common.LoadConfig(&config, defaultConfigDir, overrides, cmd.Flags())
	if err := logging.Configure(config.Logging); err != nil {
		return nil, err
	}
	return &config, nil
}
