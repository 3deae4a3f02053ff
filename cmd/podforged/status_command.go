package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and tenant job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			var health struct {
				Status string `json:"status"`
			}
			if err := client.get(cmd.Context(), "/healthz", &health); err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}

			var stats struct {
				Stages map[string]int `json:"stages"`
			}
			if err := client.get(cmd.Context(), "/v1/jobs/stats", &stats); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "daemon: %s\n", health.Status)

			stages := make([]string, 0, len(stats.Stages))
			for stage := range stats.Stages {
				stages = append(stages, stage)
			}
			sort.Strings(stages)

			rows := make([][]string, 0, len(stages))
			for _, stage := range stages {
				rows = append(rows, []string{stage, strconv.Itoa(stats.Stages[stage])})
			}
			fmt.Fprintln(out, renderRows([]string{"STAGE", "JOBS"}, rows))
			return nil
		},
	}
}
