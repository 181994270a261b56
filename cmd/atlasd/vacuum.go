package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlas-mcp/taskengine/internal/ui"
)

var flagVacuumAnalyze bool

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Reclaim space and refresh query-planner statistics",
	Long: `vacuum runs a TRUNCATE checkpoint followed by SQLite's own VACUUM,
reclaiming space left behind by deleted rows, and optionally ANALYZE to
refresh the query planner's statistics (spec.md §6 vacuumDatabase).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c, _, err := openCoordinator(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)

		result, err := c.VacuumDatabase(ctx, flagVacuumAnalyze)
		if err != nil {
			return err
		}

		delta := result.SizeAfter - result.SizeBefore
		sign := ""
		if delta > 0 {
			sign = "+"
		}
		md := fmt.Sprintf(
			"# Vacuum report\n\n- size before: **%d bytes**\n- size after: **%d bytes**\n- delta: **%s%d bytes**\n- analyzed: **%t**\n",
			result.SizeBefore, result.SizeAfter, sign, delta, result.Analyzed,
		)
		fmt.Println(ui.BoxStyle(72).Render(ui.RenderMarkdown(md)))
		return nil
	},
}

func init() {
	vacuumCmd.Flags().BoolVar(&flagVacuumAnalyze, "analyze", false, "also run ANALYZE to refresh query-planner statistics")
	rootCmd.AddCommand(vacuumCmd)
}
