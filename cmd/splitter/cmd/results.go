package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/G-Research/splitter/internal/common/app"
	"github.com/G-Research/splitter/internal/common/util"
	"github.com/G-Research/splitter/internal/splitter"
	"github.com/G-Research/splitter/internal/splitter/aggregator"
)

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results <experimentId>",
		Short: "Print the per-variant results of an experiment",
		Long: `Prints count, sum and average of every metric of every variant, followed by the comparison of each
variant with the control. By default the durable result log is read; --live reads the counters instead,
which is cheaper but may lag the log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			live, err := cmd.Flags().GetBool("live")
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

			var report *aggregator.Report
			if live {
				report, err = e.GetLiveResults(ctx, args[0])
			} else {
				report, err = e.GetResults(ctx, args[0])
			}
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().Bool("live", false, "Read the live counters instead of the durable result log")
	return cmd
}

func printReport(out io.Writer, report *aggregator.Report) {
	w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Writef("Experiment:\t%s (%s)\n", report.ExperimentName, report.ExperimentId)
	w.Writef("Source:\t%s\n", report.Source)
	w.Writef("Confidence:\t%.2f\n", report.Confidence)
	fmt.Fprintf(out, "%s\n", w.String())

	w = util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Row("VARIANT", "METRIC", "COUNT", "SUM", "AVERAGE")
	for _, cell := range report.Cells {
		w.Row(cell.VariantName, cell.MetricName, cell.Count, formatFloat(cell.Sum), formatFloat(cell.Average))
	}
	fmt.Fprintf(out, "%s\n", w.String())

	w = util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Row("METRIC", "VARIANT", "DIFFERENCE", "Z", "P", "SIGNIFICANT", "WINNER")
	for _, c := range report.Comparisons {
		if !c.Computable {
			w.Row(c.MetricId, c.VariantId, "-", "-", "-", "not enough data", "-")
			continue
		}
		winner := c.CandidateWinner
		if winner == "" {
			winner = "-"
		}
		w.Row(
			c.MetricId,
			c.VariantId,
			fmt.Sprintf("%.4g [%.4g, %.4g]", c.Difference, c.Lower, c.Upper),
			fmt.Sprintf("%.3f", c.Z),
			fmt.Sprintf("%.4f", c.PValue),
			c.Significant,
			winner,
		)
	}
	fmt.Fprint(out, w.String())
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.4g", f)
}
