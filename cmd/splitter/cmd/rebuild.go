package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/splitter/internal/common/app"
	"github.com/G-Research/splitter/internal/splitter"
)

func rebuildCountersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild-counters <experimentId> | --all",
		Short: "Replace the live counters of experiments with the totals of their durable result log",
		Args: func(cmd *cobra.Command, args []string) error {
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}
			if all && len(args) > 0 {
				return errors.New("--all cannot be combined with an experiment id")
			}
			if !all && len(args) != 1 {
				return errors.New("exactly one experiment id, or --all, is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
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

			if all {
				if err := e.Reconcile(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rebuilt counters of all running experiments")
				return nil
			}
			if err := e.RebuildCounters(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt counters of %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Rebuild the counters of every running experiment")
	return cmd
}
