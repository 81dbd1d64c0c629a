package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/tacx/internal/analytics"
	"github.com/lucasnoah/tacx/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query token spend and stage timings",
}

var analyticsCostsCmd = &cobra.Command{
	Use:   "costs [task-id]",
	Short: "Token and cost rollups per task, stage and helper",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetString("since")

		d, err := openDB(settings())
		if err != nil {
			return err
		}
		defer d.Close()

		var costs []analytics.TaskCost
		if len(args) == 1 {
			tc, err := analytics.QueryTaskCosts(d, args[0])
			if err != nil {
				return err
			}
			costs = []analytics.TaskCost{*tc}
		} else {
			costs, err = analytics.QueryAllTaskCosts(d, since)
			if err != nil {
				return err
			}
		}

		if format == "json" {
			return writeJSON(cmd, costs)
		}
		if len(costs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTAGE\tHELPER\tINPUT\tOUTPUT\tCOST")
		for _, tc := range costs {
			fmt.Fprintf(w, "%s\t\t\t%d\t%d\t$%.4f\n", tc.Task, tc.InputTokens, tc.OutputTokens, tc.CostUSD)
			if len(args) == 0 {
				continue
			}
			for _, s := range tc.Stages {
				name := s.Name
				if s.UsedFallback {
					name += " (fallback)"
				}
				fmt.Fprintf(w, "\t%s\t\t%d\t%d\t$%.4f\n", name, s.InputTokens, s.OutputTokens, s.CostUSD)
				for _, h := range s.Helpers {
					fmt.Fprintf(w, "\t\t%s\t%d\t%d\t$%.4f\n", h.Template, h.InputTokens, h.OutputTokens, h.CostUSD)
				}
			}
			for _, h := range tc.Unattributed {
				fmt.Fprintf(w, "\t-\t%s\t%d\t%d\t$%.4f\n", h.Template, h.InputTokens, h.OutputTokens, h.CostUSD)
			}
		}
		return w.Flush()
	},
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetString("since")

		d, err := openDB(settings())
		if err != nil {
			return err
		}
		defer d.Close()

		results, err := analytics.QueryStageDurations(d, since)
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, results)
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No finished stages recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNS\tAVG(min)\tP50\tP95")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
		}
		return w.Flush()
	},
}

var _ analytics.DB = (*db.DB)(nil)

func init() {
	for _, c := range []*cobra.Command{analyticsCostsCmd, analyticsStageDurationCmd} {
		c.Flags().String("format", "table", "Output format: table or json")
		c.Flags().String("since", "", "Only include runs started at or after this RFC 3339 time")
	}
	analyticsCmd.AddCommand(analyticsCostsCmd)
	analyticsCmd.AddCommand(analyticsStageDurationCmd)
}
