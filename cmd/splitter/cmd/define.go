package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/G-Research/splitter/internal/common/app"
	"github.com/G-Research/splitter/internal/splitter"
	"github.com/G-Research/splitter/internal/splitter/repository"
)

func defineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "define -f experiments.yaml",
		Short: "Create or update experiments from a YAML definition file",
		Long: `Validates every experiment in the file and, if all of them are valid, stores them.
Experiments without an id are given one derived from their name, so applying the same file twice is safe.
Running processes pick up changes once their cached copies expire.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString("file")
			if err != nil {
				return err
			}
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return err
			}

			experiments, err := repository.LoadDefinitionsFile(path)
			if err != nil {
				return err
			}
			if dryRun {
				for _, e := range experiments {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) is valid\n", e.Name, e.Id)
				}
				return nil
			}

			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := app.CreateContextWithShutdown()
			e, stores, err := splitter.NewEngine(ctx, config)
			if err != nil {
				return err
			}
			defer stores.Close()

			if err := e.Define(ctx, experiments); err != nil {
				return err
			}
			for _, experiment := range experiments {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) stored with status %s\n", experiment.Name, experiment.Id, experiment.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML file with experiment definitions")
	cmd.Flags().Bool("dry-run", false, "Validate the definitions without storing them")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
