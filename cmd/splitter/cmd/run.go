package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/splitter/internal/common/app"
	"github.com/G-Research/splitter/internal/splitter"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the assignment, metric and results API until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return splitter.New(config).StartUp(app.CreateContextWithShutdown())
		},
	}
	// Names match the config keys they override.
	cmd.Flags().Uint16("httpPort", 0, "Port to serve the API on; overrides httpPort from config")
	cmd.Flags().Uint16("metricsPort", 0, "Port to serve prometheus metrics on; overrides metricsPort from config")
	return cmd
}
