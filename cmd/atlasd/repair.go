package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atlas-mcp/taskengine/internal/ui"
)

var (
	flagRepairDryRun  bool
	flagRepairPattern string
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Scan for and optionally fix dangling parent/dependency references",
	Long: `repair scans tasks matching --pattern (or every task) for parent or
dependency references pointing at a path that no longer exists, reporting
each as an issue and, unless --dry-run is set, clearing the dangling
reference (spec.md §6 repairRelationships).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c, _, err := openCoordinator(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)

		result, err := c.RepairRelationships(ctx, flagRepairPattern, flagRepairDryRun)
		if err != nil {
			return err
		}

		var body strings.Builder
		body.WriteString("# Repair report\n\n")
		if flagRepairDryRun {
			body.WriteString("_dry run — no changes were made_\n\n")
		}
		fmt.Fprintf(&body, "- fixed: **%d**\n- issues found: **%d**\n\n", result.Fixed, len(result.Issues))
		if len(result.Issues) == 0 {
			body.WriteString("No dangling references found.\n")
		} else {
			body.WriteString("## Issues\n\n")
			for _, issue := range result.Issues {
				fmt.Fprintf(&body, "- %s\n", issue)
			}
		}
		fmt.Println(ui.BoxStyle(80).Render(ui.RenderMarkdown(body.String())))
		return nil
	},
}

func init() {
	repairCmd.Flags().BoolVar(&flagRepairDryRun, "dry-run", false, "report issues without fixing them")
	repairCmd.Flags().StringVar(&flagRepairPattern, "pattern", "", "glob path pattern to limit the scan (empty scans every task)")
	rootCmd.AddCommand(repairCmd)
}
